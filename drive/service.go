// Package drive is the caller-facing file service. Every operation takes the
// caller's user id explicitly; authentication happens before this layer.
package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"file-manager/archive"
	"file-manager/blob"
	"file-manager/identity"
	"file-manager/queue"
	"file-manager/tree"
)

const (
	MsgSelectDownload = "Please select files to download"
	MsgSelectShare    = "Please select files to share"
	MsgFolderEmpty    = "The folder is empty"
	MsgNothingToZip   = "There is nothing to download"
)

// Users is the part of the identity provider the service needs.
type Users interface {
	FindUserByEmail(ctx context.Context, email string) (*identity.User, error)
	Get(ctx context.Context, id uint64) (*identity.User, error)
}

// MigrationQueue accepts tier migration tasks. The service never waits for
// them to run.
type MigrationQueue interface {
	EnqueueMigration(ctx context.Context, m queue.Migration) error
}

// Notifier delivers share notifications, fire and forget.
type Notifier interface {
	SendShareNotification(ctx context.Context, n queue.ShareNotice) error
}

type Deps struct {
	Tree       *tree.Store
	Blobs      *blob.Resolver
	Users      Users
	Migrations MigrationQueue
	Notifier   Notifier
	Metrics    *Metrics
	Log        *zap.Logger
}

type Options struct {
	// PageSize is the listing page size.
	PageSize int
	// AsyncArchiveBytes is the total file size above which a zip is built
	// in the background. Zero builds every archive inline.
	AsyncArchiveBytes int64
}

// Result is what download and share return: either a URL to fetch, a job
// to poll, or a message explaining why there is nothing to do.
type Result struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Granted  int    `json:"-"`
}

type Service struct {
	tree       *tree.Store
	blobs      *blob.Resolver
	users      Users
	migrations MigrationQueue
	notifier   Notifier
	metrics    *Metrics
	log        *zap.Logger
	opts       Options

	builder *archive.Builder
	jobs    *archive.Jobs
}

func New(deps Deps, opts Options) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PageSize < 1 {
		opts.PageSize = tree.DefaultPageSize
	}
	s := &Service{
		tree:       deps.Tree,
		blobs:      deps.Blobs,
		users:      deps.Users,
		migrations: deps.Migrations,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		log:        log,
		opts:       opts,
	}
	s.builder = archive.NewBuilder(deps.Blobs, deps.Blobs.Public, log.Named("archive"))
	s.jobs = archive.NewJobs(s.builder, log.Named("jobs"), s.metrics.observeArchive)
	return s
}

// Close stops background archive builds.
func (s *Service) Close() {
	s.jobs.Close()
}

// Provision creates the user's root folder, or returns it when it exists.
func (s *Service) Provision(ctx context.Context, user *identity.User) (*tree.Node, error) {
	root, err := s.tree.CreateRoot(ctx, user.ID, user.Email)
	if errors.Is(err, tree.ErrAlreadyExists) {
		return s.tree.Root(ctx, user.ID)
	}
	return root, err
}

// folder resolves the folder an operation works in. Zero means the root.
func (s *Service) folder(ctx context.Context, owner, id uint64) (*tree.Node, error) {
	if id == 0 {
		return s.tree.Root(ctx, owner)
	}
	n, err := s.tree.Owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !n.IsFolder {
		return nil, fmt.Errorf("%w: %d is not a folder", tree.ErrValidation, id)
	}
	return n, nil
}

// Sweep deletes staged downloads and archives older than ttl from the public
// tier and forgets finished archive jobs of the same age.
func (s *Service) Sweep(ttl time.Duration) (int, error) {
	jobs := s.jobs.Prune(ttl)
	disk, ok := s.blobs.Public.(*blob.Disk)
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, prefix := range []string{"zip", "staged"} {
		n, err := disk.Sweep(prefix, ttl)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	s.log.Info("swept public artifacts", zap.Int("files", removed), zap.Int("jobs", jobs))
	return removed, nil
}
