package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"file-manager/blob"
	"file-manager/queue"
	"file-manager/tree"
	"file-manager/upload"
)

const sniffLen = 3072

// FileUpload is one incoming file. Either Reader streams the content or
// SourcePath names a finished upload on disk that is moved into the local
// tier.
type FileUpload struct {
	Name       string
	Mime       string
	Size       int64
	Reader     io.Reader
	SourcePath string
}

func (s *Service) CreateFolder(ctx context.Context, owner, parentID uint64, name string) (n *tree.Node, err error) {
	defer func() { s.metrics.record("create_folder", err) }()
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return nil, err
	}
	return s.tree.AppendChild(ctx, owner, parent.ID, tree.NodeAttrs{Name: name, IsFolder: true})
}

// Upload stores one file in the folder parentID, 0 being the root.
func (s *Service) Upload(ctx context.Context, owner, parentID uint64, f FileUpload) (n *tree.Node, err error) {
	defer func() { s.metrics.record("upload", err) }()
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, owner, parent.ID, f)
}

// UploadAt stores a file below parentID at a relative path such as
// "photos/2024/a.jpg", creating or reusing the intermediate folders.
func (s *Service) UploadAt(ctx context.Context, owner, parentID uint64, relPath string, f FileUpload) (n *tree.Node, err error) {
	defer func() { s.metrics.record("upload", err) }()
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return nil, err
	}

	dirs := strings.Split(strings.Trim(path.Clean("/"+relPath), "/"), "/")
	if len(dirs) == 1 && dirs[0] == "" {
		return s.store(ctx, owner, parent.ID, f)
	}
	if f.Name == "" {
		f.Name = dirs[len(dirs)-1]
	}
	dirID := parent.ID
	for _, name := range dirs[:len(dirs)-1] {
		dir, err := s.ensureFolder(ctx, owner, dirID, name)
		if err != nil {
			return nil, err
		}
		dirID = dir.ID
	}
	return s.store(ctx, owner, dirID, f)
}

// UploadTree stores a folder upload below parentID. Folders that already
// exist under the same name are reused. It returns the stored files.
func (s *Service) UploadTree(ctx context.Context, owner, parentID uint64, root *upload.Entry) (files []tree.Node, err error) {
	defer func() { s.metrics.record("upload_tree", err) }()
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return nil, err
	}

	ids := map[*upload.Entry]uint64{root: parent.ID}
	err = root.Walk(func(e *upload.Entry) error {
		dirID := ids[e.Parent]
		if e.IsDir {
			dir, err := s.ensureFolder(ctx, owner, dirID, e.Name)
			if err != nil {
				return err
			}
			ids[e] = dir.ID
			return nil
		}

		rc, err := e.File.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", e.Path(), err)
		}
		defer rc.Close()
		n, err := s.store(ctx, owner, dirID, FileUpload{Name: e.Name, Mime: e.File.Mime, Size: e.File.Size, Reader: rc})
		if err != nil {
			return fmt.Errorf("%s: %w", e.Path(), err)
		}
		files = append(files, *n)
		return nil
	})
	return files, err
}

func (s *Service) ensureFolder(ctx context.Context, owner, parentID uint64, name string) (*tree.Node, error) {
	dir, err := s.tree.FindChild(ctx, parentID, strings.TrimSpace(name), true)
	if err == nil {
		return dir, nil
	}
	if !errors.Is(err, tree.ErrNotFound) {
		return nil, err
	}
	dir, err = s.tree.AppendChild(ctx, owner, parentID, tree.NodeAttrs{Name: name, IsFolder: true})
	if errors.Is(err, tree.ErrAlreadyExists) {
		// created by a concurrent upload
		return s.tree.FindChild(ctx, parentID, strings.TrimSpace(name), true)
	}
	return dir, err
}

// store writes the bytes to the local tier, records the node and queues the
// migration to the cloud tier. The blob is removed again when the node
// cannot be recorded.
func (s *Service) store(ctx context.Context, owner, parentID uint64, f FileUpload) (*tree.Node, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" && f.SourcePath != "" {
		name = path.Base(f.SourcePath)
	}
	key := path.Join("files", strconv.FormatUint(owner, 10), uuid.NewString()+path.Ext(name))

	size, mime, err := s.writeBlob(ctx, key, f)
	if err != nil {
		return nil, err
	}

	n, err := s.tree.AppendChild(ctx, owner, parentID, tree.NodeAttrs{
		Name:       name,
		StorageKey: key,
		Mime:       mime,
		Size:       size,
		Tier:       blob.TierLocal,
	})
	if err != nil {
		if delErr := s.blobs.Local.Delete(context.Background(), key); delErr != nil {
			s.log.Warn("failed to remove orphaned blob", zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}
	s.metrics.uploaded(size)

	task := queue.Migration{NodeID: n.ID, OwnerID: owner, StorageKey: key, Size: size}
	if err := s.migrations.EnqueueMigration(ctx, task); err != nil {
		s.log.Warn("failed to enqueue migration", zap.Uint64("node", n.ID), zap.Error(err))
	}
	return n, nil
}

func (s *Service) writeBlob(ctx context.Context, key string, f FileUpload) (int64, string, error) {
	mime := f.Mime
	sniff := mime == "" || mime == "application/octet-stream"

	if f.SourcePath != "" {
		if sniff {
			if m, err := mimetype.DetectFile(f.SourcePath); err == nil {
				mime = m.String()
			}
		}
		if disk, ok := s.blobs.Local.(*blob.Disk); ok {
			n, err := disk.Import(ctx, key, f.SourcePath)
			return n, mime, err
		}
		src, err := os.Open(f.SourcePath)
		if err != nil {
			return 0, "", err
		}
		defer src.Close()
		n, err := s.blobs.Local.Put(ctx, key, src)
		if err == nil {
			os.Remove(f.SourcePath)
		}
		return n, mime, err
	}

	if f.Reader == nil {
		return 0, "", fmt.Errorf("%w: no content for %q", tree.ErrValidation, f.Name)
	}
	r := f.Reader
	if sniff {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(r, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, "", err
		}
		head = head[:n]
		mime = mimetype.Detect(head).String()
		r = io.MultiReader(bytes.NewReader(head), r)
	}
	n, err := s.blobs.Local.Put(ctx, key, r)
	return n, mime, err
}

// Trash moves the selection to the trash. With All every child of parentID
// goes.
func (s *Service) Trash(ctx context.Context, owner, parentID uint64, sel tree.Selection) (n int, err error) {
	defer func() { s.metrics.record("trash", err) }()
	if sel.Empty() {
		return 0, nil
	}
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return 0, err
	}
	return s.tree.TrashAll(ctx, owner, parent.ID, sel)
}

// Restore takes the selection out of the trash. Only the selected nodes come
// back; their trashed descendants stay in the trash unless selected too.
func (s *Service) Restore(ctx context.Context, owner uint64, sel tree.Selection) (n int64, err error) {
	defer func() { s.metrics.record("restore", err) }()
	return s.tree.RestoreAll(ctx, owner, sel)
}

// PurgeForever deletes trashed nodes for good and frees their blobs.
func (s *Service) PurgeForever(ctx context.Context, owner uint64, sel tree.Selection) (n int, err error) {
	defer func() { s.metrics.record("purge", err) }()
	if sel.Empty() {
		return 0, nil
	}
	purged, err := s.tree.PurgeAll(ctx, owner, sel)
	for _, node := range purged {
		if node.IsFolder || node.StorageKey == nil {
			continue
		}
		if rmErr := s.blobs.Remove(ctx, node.Tier, *node.StorageKey); rmErr != nil {
			s.log.Warn("failed to remove blob",
				zap.Uint64("node", node.ID),
				zap.String("key", *node.StorageKey),
				zap.Error(rmErr))
		}
	}
	return len(purged), err
}

// ToggleFavourite flips the caller's star on a file and returns the new
// state.
func (s *Service) ToggleFavourite(ctx context.Context, viewer, fileID uint64) (starred bool, err error) {
	defer func() { s.metrics.record("favourite", err) }()
	return s.tree.ToggleStar(ctx, viewer, fileID)
}
