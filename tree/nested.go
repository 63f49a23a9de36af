package tree

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"file-manager/blob"
)

// CreateRoot creates the owner's root folder. Each owner has exactly one.
func (s *Store) CreateRoot(ctx context.Context, owner uint64, name string) (*Node, error) {
	var root Node
	err := s.transact(ctx, "create root", func(tx *gorm.DB) error {
		var count int64
		if err := tx.Unscoped().Model(&Node{}).
			Where("owner_id = ? AND parent_id IS NULL", owner).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("owner %d: %w", owner, ErrAlreadyExists)
		}
		root = Node{OwnerID: owner, Name: name, IsFolder: true, Left: 1, Right: 2}
		return tx.Create(&root).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("created root", zap.Uint64("owner", owner), zap.Uint64("node", root.ID))
	return &root, nil
}

func (s *Store) Root(ctx context.Context, owner uint64) (*Node, error) {
	var root Node
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND parent_id IS NULL", owner).
		First(&root).Error
	if err != nil {
		return nil, fmt.Errorf("root of owner %d: %w", owner, notFound(err, 0))
	}
	return &root, nil
}

// Get returns a node that is not in the trash.
func (s *Store) Get(ctx context.Context, id uint64) (*Node, error) {
	return lookup(s.db.WithContext(ctx), id, false)
}

// Owned is Get plus the ownership check.
func (s *Store) Owned(ctx context.Context, owner, id uint64) (*Node, error) {
	return lookupOwned(s.db.WithContext(ctx), owner, id, false)
}

// Nodes returns the owner's non-trashed nodes among ids in tree order. Ids
// that are missing, trashed or owned by someone else are left out.
func (s *Store) Nodes(ctx context.Context, owner uint64, ids []uint64) ([]Node, error) {
	nodes := []Node{}
	if len(ids) == 0 {
		return nodes, nil
	}
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND id IN ?", owner, ids).
		Order("lft").
		Find(&nodes).Error
	return nodes, err
}

// FindByPath resolves a folder by its slash separated path below the root.
// The empty path is the root itself.
func (s *Store) FindByPath(ctx context.Context, owner uint64, p string) (*Node, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return s.Root(ctx, owner)
	}
	var n Node
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND path = ? AND is_folder = ?", owner, p, true).
		First(&n).Error
	if err != nil {
		return nil, fmt.Errorf("folder %q: %w", p, notFound(err, 0))
	}
	return &n, nil
}

// FindChild looks up a direct, non-trashed child by name.
func (s *Store) FindChild(ctx context.Context, parentID uint64, name string, folder bool) (*Node, error) {
	var n Node
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND name = ? AND is_folder = ?", parentID, name, folder).
		Order("id").
		First(&n).Error
	if err != nil {
		return nil, notFound(err, parentID)
	}
	return &n, nil
}

func validateAttrs(attrs NodeAttrs) error {
	name := strings.TrimSpace(attrs.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: name %q contains a path separator", ErrValidation, name)
	case len(name) > 255:
		return fmt.Errorf("%w: name is longer than 255 bytes", ErrValidation)
	case attrs.IsFolder && attrs.StorageKey != "":
		return fmt.Errorf("%w: folders carry no storage key", ErrValidation)
	case !attrs.IsFolder && attrs.StorageKey == "":
		return fmt.Errorf("%w: files need a storage key", ErrValidation)
	}
	return nil
}

// folderNameFree fails when parentID already holds a live folder of that
// name. Folder paths must stay unique for FindByPath.
func folderNameFree(tx *gorm.DB, parentID uint64, name string) error {
	var n int64
	err := tx.Model(&Node{}).
		Where("parent_id = ? AND name = ? AND is_folder = ?", parentID, name, true).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: folder %q in %d", ErrAlreadyExists, name, parentID)
	}
	return nil
}

// duplicateFolders fails when two live sibling folders of owner share a
// name, which a restore can cause.
func duplicateFolders(tx *gorm.DB, owner uint64) error {
	var dup struct {
		ParentID uint64
		Name     string
	}
	res := tx.Model(&Node{}).
		Select("parent_id, name").
		Where("owner_id = ? AND is_folder = ?", owner, true).
		Group("parent_id, name").
		Having("COUNT(*) > 1").
		Limit(1).
		Scan(&dup)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return fmt.Errorf("%w: folder %q in %d", ErrAlreadyExists, dup.Name, dup.ParentID)
	}
	return nil
}

func childPath(parent *Node, name string) string {
	if parent.Path == "" {
		return name
	}
	return parent.Path + "/" + name
}

// AppendChild inserts a node as the last child of parentID. Every bound at
// or right of the parent's right edge moves by two, trashed rows included,
// and the new node takes the two freed slots.
func (s *Store) AppendChild(ctx context.Context, owner, parentID uint64, attrs NodeAttrs) (*Node, error) {
	attrs.Name = strings.TrimSpace(attrs.Name)
	if err := validateAttrs(attrs); err != nil {
		return nil, err
	}

	var child Node
	err := s.transact(ctx, "append child", func(tx *gorm.DB) error {
		parent, err := lookupOwned(tx, owner, parentID, false)
		if err != nil {
			return err
		}
		if !parent.IsFolder {
			return fmt.Errorf("%w: parent %d is a file", ErrValidation, parentID)
		}
		if attrs.IsFolder {
			if err := folderNameFree(tx, parent.ID, attrs.Name); err != nil {
				return err
			}
		}

		edge := parent.Right
		if err := tx.Unscoped().Model(&Node{}).
			Where("owner_id = ? AND rgt >= ?", owner, edge).
			UpdateColumn("rgt", gorm.Expr("rgt + 2")).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Model(&Node{}).
			Where("owner_id = ? AND lft > ?", owner, edge).
			UpdateColumn("lft", gorm.Expr("lft + 2")).Error; err != nil {
			return err
		}

		pid := parent.ID
		child = Node{
			OwnerID:  owner,
			ParentID: &pid,
			Name:     attrs.Name,
			Path:     childPath(parent, attrs.Name),
			IsFolder: attrs.IsFolder,
			Left:     edge,
			Right:    edge + 1,
		}
		if !attrs.IsFolder {
			key := attrs.StorageKey
			child.StorageKey = &key
			child.Mime = attrs.Mime
			child.Size = attrs.Size
			child.Tier = attrs.Tier
			if child.Tier == "" {
				child.Tier = blob.TierLocal
			}
		}
		return tx.Create(&child).Error
	})
	if err != nil {
		return nil, err
	}
	return &child, nil
}

// ListQuery narrows ListChildren.
type ListQuery struct {
	Search         string
	FavouritesOnly bool
	Page           PageRequest
}

// ListChildren pages through the direct children of parent, folders first
// and newest first. With a search term the listing is instead a flat search
// over all of the owner's nodes, not just this folder.
func (s *Store) ListChildren(ctx context.Context, owner uint64, parent *Node, q ListQuery) (*Page, error) {
	if parent.OwnerID != owner {
		return nil, fmt.Errorf("%w: %d", ErrForbidden, parent.ID)
	}

	base := s.db.WithContext(ctx).Model(&Node{}).Where("nodes.owner_id = ?", owner)
	if q.Search != "" {
		base = whereNameLike(base.Where("nodes.parent_id IS NOT NULL"), q.Search)
	} else {
		base = base.Where("nodes.parent_id = ?", parent.ID)
	}
	if q.FavouritesOnly {
		base = base.Joins("JOIN star_marks ON star_marks.file_id = nodes.id AND star_marks.user_id = ?", owner)
	}

	page, err := paginate(base, q.Page, "nodes.is_folder DESC", "nodes.created_at DESC", "nodes.id DESC")
	if err != nil {
		return nil, err
	}
	return page, s.markStarred(ctx, owner, page.Items)
}

// Children returns the non-trashed direct children in tree order.
func (s *Store) Children(ctx context.Context, parentID uint64) ([]Node, error) {
	children := []Node{}
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("lft").
		Find(&children).Error
	return children, err
}

// Descendants returns the non-trashed nodes inside n's range, in preorder.
// The range is read from the stored row, so n may be a stale copy.
func (s *Store) Descendants(ctx context.Context, n *Node) ([]Node, error) {
	cur, err := s.bounds(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	nodes := []Node{}
	err = s.db.WithContext(ctx).
		Where("owner_id = ? AND lft > ? AND rgt < ?", cur.OwnerID, cur.Left, cur.Right).
		Order("lft").
		Find(&nodes).Error
	return nodes, err
}

// Ancestors returns the chain from the root down to n's parent: every node
// whose range strictly contains n's.
func (s *Store) Ancestors(ctx context.Context, n *Node) ([]Node, error) {
	cur, err := s.bounds(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	nodes := []Node{}
	err = s.db.WithContext(ctx).Unscoped().
		Where("owner_id = ? AND lft < ? AND rgt > ?", cur.OwnerID, cur.Left, cur.Right).
		Order("lft").
		Find(&nodes).Error
	return nodes, err
}

// bounds reads the current range of a node, trashed or not.
func (s *Store) bounds(ctx context.Context, id uint64) (*Node, error) {
	var n Node
	err := s.db.WithContext(ctx).Unscoped().
		Select("id", "owner_id", "lft", "rgt").
		First(&n, id).Error
	if err != nil {
		return nil, notFound(err, id)
	}
	return &n, nil
}

// Snapshot returns every node of the owner, trashed included, in tree order.
func (s *Store) Snapshot(ctx context.Context, owner uint64) ([]Node, error) {
	nodes := []Node{}
	err := s.db.WithContext(ctx).Unscoped().
		Where("owner_id = ?", owner).
		Order("lft").
		Find(&nodes).Error
	return nodes, err
}
