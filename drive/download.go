package drive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"file-manager/archive"
	"file-manager/tree"
)

const (
	sharedWithMeZip = "shared_with_me"
	sharedByMeZip   = "shared_by_me"
)

// Download prepares the selection below parentID for download. A single file
// is served as is; anything else becomes a zip named after the folder.
func (s *Service) Download(ctx context.Context, owner, parentID uint64, sel tree.Selection) (res Result, err error) {
	defer func() { s.metrics.record("download", err) }()
	if sel.Empty() {
		return Result{Message: MsgSelectDownload}, nil
	}
	parent, err := s.folder(ctx, owner, parentID)
	if err != nil {
		return Result{}, err
	}

	if sel.All {
		children, err := s.tree.Children(ctx, parent.ID)
		if err != nil {
			return Result{}, err
		}
		if len(children) == 0 {
			return Result{Message: MsgFolderEmpty}, nil
		}
		return s.BuildZip(ctx, owner, children, parent.Name+".zip")
	}

	nodes, err := s.tree.Nodes(ctx, owner, sel.IDs)
	if err != nil {
		return Result{}, err
	}
	return s.downloadNodes(ctx, owner, sel.IDs, nodes, parent.Name)
}

// DownloadSharedWithMe downloads files other users shared with viewer.
func (s *Service) DownloadSharedWithMe(ctx context.Context, viewer uint64, sel tree.Selection) (res Result, err error) {
	defer func() { s.metrics.record("download_shared_with_me", err) }()
	if sel.Empty() {
		return Result{Message: MsgSelectDownload}, nil
	}
	var ids []uint64
	if !sel.All {
		ids = sel.IDs
	}
	nodes, err := s.tree.SharedWithMeNodes(ctx, viewer, ids)
	if err != nil {
		return Result{}, err
	}
	if sel.All {
		return s.BuildZip(ctx, viewer, nodes, sharedWithMeZip+".zip")
	}
	return s.downloadNodes(ctx, viewer, ids, nodes, sharedWithMeZip)
}

// DownloadSharedByMe downloads owner's files that are shared with someone.
func (s *Service) DownloadSharedByMe(ctx context.Context, owner uint64, sel tree.Selection) (res Result, err error) {
	defer func() { s.metrics.record("download_shared_by_me", err) }()
	if sel.Empty() {
		return Result{Message: MsgSelectDownload}, nil
	}
	var ids []uint64
	if !sel.All {
		ids = sel.IDs
	}
	nodes, err := s.tree.SharedByMeNodes(ctx, owner, ids)
	if err != nil {
		return Result{}, err
	}
	if sel.All {
		return s.BuildZip(ctx, owner, nodes, sharedByMeZip+".zip")
	}
	return s.downloadNodes(ctx, owner, ids, nodes, sharedByMeZip)
}

// downloadNodes handles an explicit id list. One requested file is staged
// directly, one requested folder is zipped from its children, anything else
// is zipped as zipName.zip.
func (s *Service) downloadNodes(ctx context.Context, caller uint64, ids []uint64, nodes []tree.Node, zipName string) (Result, error) {
	if len(ids) != 1 {
		return s.BuildZip(ctx, caller, nodes, zipName+".zip")
	}
	if len(nodes) == 0 {
		return Result{}, fmt.Errorf("%w: %d", tree.ErrNotFound, ids[0])
	}

	n := nodes[0]
	if !n.IsFolder {
		url, err := s.blobs.Stage(ctx, n.Tier, *n.StorageKey, n.Name)
		if err != nil {
			return Result{}, err
		}
		return Result{URL: url, Filename: n.Name}, nil
	}

	children, err := s.tree.Children(ctx, n.ID)
	if err != nil {
		return Result{}, err
	}
	if len(children) == 0 {
		return Result{Message: MsgFolderEmpty}, nil
	}
	return s.BuildZip(ctx, caller, children, n.Name+".zip")
}

// BuildZip archives nodes, expanding folders, under the suggested filename.
// Large selections are handed to a background job whose id is returned
// instead of a URL.
func (s *Service) BuildZip(ctx context.Context, caller uint64, nodes []tree.Node, filename string) (Result, error) {
	entries, err := archive.Expand(ctx, s.tree, nodes)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{Message: MsgNothingToZip}, nil
	}

	if size := archive.TotalSize(entries); s.opts.AsyncArchiveBytes > 0 && size > s.opts.AsyncArchiveBytes {
		job := s.jobs.Submit(caller, filename, entries)
		s.log.Info("archive queued",
			zap.String("job", job.ID),
			zap.Int("entries", len(entries)),
			zap.Int64("bytes", size))
		return Result{JobID: job.ID, Filename: filename}, nil
	}

	start := time.Now()
	a, err := s.builder.Build(ctx, entries, archive.NewProgress())
	s.metrics.observeArchive(a, time.Since(start), err)
	if err != nil {
		return Result{}, err
	}
	return Result{URL: a.URL, Filename: filename}, nil
}

// DownloadStatus reports on a background archive started by caller.
func (s *Service) DownloadStatus(caller uint64, jobID string) (archive.JobStatus, error) {
	return s.jobs.Get(caller, jobID)
}
