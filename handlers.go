package main

import (
	"errors"
	"io"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"file-manager/archive"
	"file-manager/blob"
	"file-manager/drive"
	"file-manager/identity"
	"file-manager/tree"
	"file-manager/upload"
)

const userHeader = "X-User-ID"

// newApp builds the fiber app with every route except the tus mount.
func newApp(s *server) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: s.handleError,
		BodyLimit:    512 << 20,
	})

	// Enable CORS
	app.Use(cors.New())

	// Staged downloads and archives
	app.Static("/public", s.cfg.Storage.PublicDir)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	app.Post("/auth/register", s.handleRegister)

	api := app.Group("/api", s.requireUser)
	api.Get("/files", s.handleList)
	api.Post("/files", s.mutation, s.handleUpload)
	api.Delete("/files", s.mutation, s.handleTrash)
	api.Get("/files/download", s.handleDownload)
	api.Post("/files/share", s.mutation, s.handleShare)
	api.Post("/folders", s.mutation, s.handleCreateFolder)
	api.Post("/favourites/:id", s.mutation, s.handleFavourite)
	api.Get("/trash", s.handleListTrash)
	api.Delete("/trash", s.mutation, s.handlePurge)
	api.Post("/trash/restore", s.mutation, s.handleRestore)
	api.Get("/shared-with-me", s.handleSharedWithMe)
	api.Get("/shared-with-me/download", s.handleDownloadSharedWithMe)
	api.Get("/shared-by-me", s.handleSharedByMe)
	api.Get("/shared-by-me/download", s.handleDownloadSharedByMe)
	api.Get("/downloads/:id", s.handleDownloadStatus)

	// WebSocket upgrade middleware
	app.Use("/ws/files", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/files", s.requireUser, websocket.New(s.handleWebSocket))

	return app
}

func (s *server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		msg = "Internal Server Error"
	}
	return c.Status(code).JSON(fiber.Map{
		"status": "error",
		"error":  msg,
	})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, tree.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, archive.ErrJobNotFound),
		errors.Is(err, blob.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, tree.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, tree.ErrAlreadyExists),
		errors.Is(err, identity.ErrEmailTaken),
		errors.Is(err, tree.ErrStructuralConflict):
		return fiber.StatusConflict
	case errors.Is(err, tree.ErrValidation),
		errors.Is(err, upload.ErrInvalidPath),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, blob.ErrInvalidKey):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, blob.ErrTierUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// requireUser resolves the caller from the X-User-ID header. Authentication
// happens in front of this server.
func (s *server) requireUser(c *fiber.Ctx) error {
	raw := c.Get(userHeader)
	if raw == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "Missing "+userHeader+" header")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid "+userHeader+" header")
	}
	user, err := s.users.Get(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "Unknown user")
		}
		return err
	}
	c.Locals("user", user)
	return c.Next()
}

func currentUser(c *fiber.Ctx) *identity.User {
	return c.Locals("user").(*identity.User)
}

// mutation guards every route that changes files: it refuses when write
// mode is off and keeps shutdown waiting until the request is done.
func (s *server) mutation(c *fiber.Ctx) error {
	if !s.cfg.Server.WriteMode {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"status": "error",
			"error":  "File operations are disabled. Set WRITE_MODE=true to enable write mode",
		})
	}

	// Track this operation for graceful shutdown
	fileOpsInProgress.Add(1)
	defer fileOpsInProgress.Done()
	return c.Next()
}

// selectionRequest is the target of a bulk operation. GET and DELETE read it
// from the query string (ids may repeat or be comma separated), other
// methods from the JSON body.
type selectionRequest struct {
	Parent uint64   `json:"parent"`
	All    bool     `json:"all"`
	IDs    []uint64 `json:"ids"`
	Email  string   `json:"email,omitempty"`
}

func (r selectionRequest) selection() tree.Selection {
	return tree.Selection{All: r.All, IDs: r.IDs}
}

func parseSelection(c *fiber.Ctx) (selectionRequest, error) {
	var req selectionRequest
	if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodDelete {
		if err := c.BodyParser(&req); err != nil {
			return req, fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
		return req, nil
	}

	// ids come as multiple values with the same key
	values, _ := url.ParseQuery(string(c.Request().URI().QueryString()))
	for _, v := range values["ids"] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return req, fiber.NewError(fiber.StatusBadRequest, "Invalid id: "+part)
			}
			req.IDs = append(req.IDs, id)
		}
	}
	parent, err := queryID(c, "parent")
	if err != nil {
		return req, err
	}
	req.Parent = parent
	req.All = c.QueryBool("all", false)
	return req, nil
}

// queryID parses an optional id from the query string; missing means 0.
func queryID(c *fiber.Ctx, key string) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid "+key+": "+raw)
	}
	return id, nil
}

func (s *server) handleRegister(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	user, err := s.users.Register(c.UserContext(), req.Email, req.Name)
	if err != nil {
		return err
	}
	root, err := s.svc.Provision(c.UserContext(), user)
	if err != nil {
		return err
	}
	s.log.Info("user registered", zap.Uint64("user", user.ID), zap.String("email", user.Email))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user": user,
		"root": root,
	})
}

// handleList lists a folder by ?path= or ?folder=, the root when neither is
// given.
func (s *server) handleList(c *fiber.Ctx) error {
	user := currentUser(c)
	opts := drive.ListOptions{
		Search:         c.Query("search"),
		FavouritesOnly: c.QueryBool("favourites", false),
		Page:           c.QueryInt("page", 1),
	}
	if p := c.Query("path"); p != "" {
		listing, err := s.svc.List(c.UserContext(), user.ID, p, opts)
		if err != nil {
			return err
		}
		return c.JSON(listing)
	}
	folder, err := queryID(c, "folder")
	if err != nil {
		return err
	}
	listing, err := s.svc.ListFolder(c.UserContext(), user.ID, folder, opts)
	if err != nil {
		return err
	}
	return c.JSON(listing)
}

// handleUpload stores the multipart "files" in the folder "parent". When the
// form carries one "paths" value per file the upload is a folder upload and
// the relative paths recreate its structure.
func (s *server) handleUpload(c *fiber.Ctx) error {
	user := currentUser(c)
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Expected a multipart form")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "No files provided")
	}
	var parent uint64
	if v := form.Value["parent"]; len(v) > 0 && v[0] != "" {
		parent, err = strconv.ParseUint(v[0], 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid parent: "+v[0])
		}
	}

	paths := form.Value["paths"]
	if len(paths) == len(headers) {
		files := make([]upload.File, len(headers))
		for i, fh := range headers {
			files[i] = formFile(paths[i], fh)
		}
		root, err := upload.FromPaths(files)
		if err != nil {
			return err
		}
		stored, err := s.svc.UploadTree(c.UserContext(), user.ID, parent, root)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "files": stored})
	}

	stored := make([]tree.Node, 0, len(headers))
	for _, fh := range headers {
		n, err := s.storeFormFile(c, user.ID, parent, fh)
		if err != nil {
			return err
		}
		stored = append(stored, *n)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "files": stored})
}

func (s *server) storeFormFile(c *fiber.Ctx, owner, parent uint64, fh *multipart.FileHeader) (*tree.Node, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.svc.Upload(c.UserContext(), owner, parent, drive.FileUpload{
		Name:   fh.Filename,
		Mime:   fh.Header.Get("Content-Type"),
		Size:   fh.Size,
		Reader: f,
	})
}

func formFile(relPath string, fh *multipart.FileHeader) upload.File {
	return upload.File{
		Path: relPath,
		Mime: fh.Header.Get("Content-Type"),
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			return f, nil
		},
	}
}

func (s *server) handleCreateFolder(c *fiber.Ctx) error {
	var req struct {
		Parent uint64 `json:"parent"`
		Name   string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	n, err := s.svc.CreateFolder(c.UserContext(), currentUser(c).ID, req.Parent, req.Name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(n)
}

func (s *server) handleTrash(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	n, err := s.svc.Trash(c.UserContext(), currentUser(c).ID, req.Parent, req.selection())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "trashed": n})
}

func (s *server) handleRestore(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	n, err := s.svc.Restore(c.UserContext(), currentUser(c).ID, req.selection())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "restored": n})
}

func (s *server) handlePurge(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	n, err := s.svc.PurgeForever(c.UserContext(), currentUser(c).ID, req.selection())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "purged": n})
}

func (s *server) handleFavourite(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid id: "+c.Params("id"))
	}
	starred, err := s.svc.ToggleFavourite(c.UserContext(), currentUser(c).ID, id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "starred": starred})
}

func (s *server) handleShare(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Share(c.UserContext(), currentUser(c).ID, req.Parent, req.selection(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"granted": res.Granted,
		"message": res.Message,
	})
}

func (s *server) handleDownload(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Download(c.UserContext(), currentUser(c).ID, req.Parent, req.selection())
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

func (s *server) handleDownloadSharedWithMe(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	res, err := s.svc.DownloadSharedWithMe(c.UserContext(), currentUser(c).ID, req.selection())
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

func (s *server) handleDownloadSharedByMe(c *fiber.Ctx) error {
	req, err := parseSelection(c)
	if err != nil {
		return err
	}
	res, err := s.svc.DownloadSharedByMe(c.UserContext(), currentUser(c).ID, req.selection())
	if err != nil {
		return err
	}
	return sendResult(c, res)
}

// sendResult answers 202 for a background archive and 200 otherwise.
func sendResult(c *fiber.Ctx, res drive.Result) error {
	if res.JobID != "" {
		return c.Status(fiber.StatusAccepted).JSON(res)
	}
	return c.JSON(res)
}

func (s *server) handleDownloadStatus(c *fiber.Ctx) error {
	st, err := s.svc.DownloadStatus(currentUser(c).ID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *server) handleListTrash(c *fiber.Ctx) error {
	page, err := s.svc.ListTrash(c.UserContext(), currentUser(c).ID, c.Query("search"), c.QueryInt("page", 1))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *server) handleSharedWithMe(c *fiber.Ctx) error {
	page, err := s.svc.ListSharedWithMe(c.UserContext(), currentUser(c).ID, c.Query("search"), c.QueryInt("page", 1))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *server) handleSharedByMe(c *fiber.Ctx) error {
	page, err := s.svc.ListSharedByMe(c.UserContext(), currentUser(c).ID, c.Query("search"), c.QueryInt("page", 1))
	if err != nil {
		return err
	}
	return c.JSON(page)
}
