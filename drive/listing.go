package drive

import (
	"context"

	"file-manager/tree"
)

type ListOptions struct {
	Search         string
	FavouritesOnly bool
	Page           int
}

// Listing is one page of a folder plus the breadcrumb leading to it. The
// breadcrumb ends with the folder itself.
type Listing struct {
	Folder    *tree.Node  `json:"folder"`
	Ancestors []tree.Node `json:"ancestors"`
	Files     *tree.Page  `json:"files"`
}

func (s *Service) page(n int) tree.PageRequest {
	return tree.PageRequest{Number: n, Size: s.opts.PageSize}
}

// List lists the folder at path, "" being the root.
func (s *Service) List(ctx context.Context, owner uint64, folderPath string, opts ListOptions) (*Listing, error) {
	folder, err := s.tree.FindByPath(ctx, owner, folderPath)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, owner, folder, opts)
}

// ListFolder lists the folder with the given id, 0 being the root.
func (s *Service) ListFolder(ctx context.Context, owner, folderID uint64, opts ListOptions) (*Listing, error) {
	folder, err := s.folder(ctx, owner, folderID)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, owner, folder, opts)
}

func (s *Service) list(ctx context.Context, owner uint64, folder *tree.Node, opts ListOptions) (*Listing, error) {
	files, err := s.tree.ListChildren(ctx, owner, folder, tree.ListQuery{
		Search:         opts.Search,
		FavouritesOnly: opts.FavouritesOnly,
		Page:           s.page(opts.Page),
	})
	if err != nil {
		return nil, err
	}
	ancestors, err := s.tree.Ancestors(ctx, folder)
	if err != nil {
		return nil, err
	}
	return &Listing{Folder: folder, Ancestors: append(ancestors, *folder), Files: files}, nil
}

func (s *Service) ListTrash(ctx context.Context, owner uint64, search string, page int) (*tree.Page, error) {
	return s.tree.ListTrash(ctx, owner, search, s.page(page))
}

func (s *Service) ListSharedWithMe(ctx context.Context, viewer uint64, search string, page int) (*tree.Page, error) {
	return s.tree.SharedWithMe(ctx, viewer, search, s.page(page))
}

func (s *Service) ListSharedByMe(ctx context.Context, owner uint64, search string, page int) (*tree.Page, error) {
	return s.tree.SharedByMe(ctx, owner, search, s.page(page))
}
