package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/tus/tusd/pkg/filestore"
	"github.com/tus/tusd/pkg/handler"
	"go.uber.org/zap"

	"file-manager/drive"
)

const tusBasePath = "/upload/tus/"

func setupTusUpload(app *fiber.App, s *server) {
	if !s.cfg.Server.WriteMode {
		s.log.Info("upload disabled: not in write mode")
		return
	}

	// Check uploads directory
	uploadsDir := s.cfg.Storage.UploadsDir
	info, err := os.Stat(uploadsDir)
	if err == nil {
		if !info.IsDir() {
			s.log.Error("uploads path exists but is not a directory", zap.String("dir", uploadsDir))
			return
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(uploadsDir, 0755); err != nil {
			s.log.Error("failed to create uploads directory", zap.String("dir", uploadsDir), zap.Error(err))
			return
		}
		s.log.Info("created uploads directory", zap.String("dir", uploadsDir))
	} else {
		s.log.Error("failed to check uploads directory", zap.String("dir", uploadsDir), zap.Error(err))
		return
	}

	store := filestore.New(uploadsDir)
	composer := handler.NewStoreComposer()
	store.UseIn(composer)

	tusHandler, err := handler.NewHandler(handler.Config{
		StoreComposer:         composer,
		NotifyCompleteUploads: true,
		BasePath:              tusBasePath,
	})
	if err != nil {
		s.log.Error("unable to create tus handler", zap.Error(err))
		return
	}
	s.log.Info("tus upload handler initialized", zap.String("base_path", tusBasePath))

	// Handle completed uploads
	go func() {
		for event := range tusHandler.CompleteUploads {
			fileOpsInProgress.Add(1)
			if err := s.completeUpload(context.Background(), event); err != nil {
				s.log.Error("failed to store completed upload",
					zap.String("upload", event.Upload.ID),
					zap.Error(err))
			}
			fileOpsInProgress.Done()
		}
	}()

	// Mount using the bridge pattern
	group := app.Group(tusBasePath, s.requireUser, s.mutation, adaptor.HTTPMiddleware(tusHandler.Middleware))

	group.Post("", adaptor.HTTPHandlerFunc(tusHandler.PostFile))
	group.Head(":id", adaptor.HTTPHandlerFunc(tusHandler.HeadFile))
	group.Patch(":id", adaptor.HTTPHandlerFunc(tusHandler.PatchFile))
	group.Get(":id", adaptor.HTTPHandlerFunc(tusHandler.GetFile))
	group.Delete(":id", adaptor.HTTPHandlerFunc(tusHandler.DelFile))
}

// completeUpload moves a finished tus upload into the owner's tree. The
// owner comes from the X-User-ID header of the final request; the metadata
// names the file, its folder and optionally a relative path below it.
func (s *server) completeUpload(ctx context.Context, event handler.HookEvent) error {
	info := event.Upload
	owner, err := strconv.ParseUint(event.HTTPRequest.Header.Get(userHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("upload %s has no owner: %w", info.ID, err)
	}
	var parent uint64
	if v := info.MetaData["parentId"]; v != "" {
		if parent, err = strconv.ParseUint(v, 10, 64); err != nil {
			return fmt.Errorf("upload %s: invalid parentId %q", info.ID, v)
		}
	}
	filename := info.MetaData["filename"]
	relPath := path.Join(info.MetaData["relativePath"], filename)

	uploadsDir := s.cfg.Storage.UploadsDir
	n, err := s.svc.UploadAt(ctx, owner, parent, relPath, drive.FileUpload{
		Name:       filename,
		Mime:       info.MetaData["filetype"],
		Size:       info.Size,
		SourcePath: filepath.Join(uploadsDir, info.ID),
	})
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(uploadsDir, info.ID+".info")); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove upload info", zap.String("upload", info.ID), zap.Error(err))
	}
	s.log.Info("upload completed",
		zap.String("upload", info.ID),
		zap.Uint64("node", n.ID),
		zap.String("path", n.Path))
	return nil
}
