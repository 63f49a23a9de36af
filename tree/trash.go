package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Trash marks n and every non-trashed node in its range as deleted. Bounds
// do not move, so a restore only has to clear the timestamp.
func (s *Store) Trash(ctx context.Context, owner, id uint64) error {
	return s.transact(ctx, "trash", func(tx *gorm.DB) error {
		return trashRange(tx, owner, id)
	})
}

func trashRange(tx *gorm.DB, owner, id uint64) error {
	n, err := lookupOwned(tx, owner, id, true)
	if err != nil {
		return err
	}
	if n.IsRoot() {
		return fmt.Errorf("%w: the root folder cannot be trashed", ErrValidation)
	}
	if n.Trashed() {
		return nil
	}
	return tx.Unscoped().Model(&Node{}).
		Where("owner_id = ? AND lft >= ? AND rgt <= ? AND deleted_at IS NULL", owner, n.Left, n.Right).
		UpdateColumn("deleted_at", time.Now()).Error
}

// TrashAll trashes every child of parentID when sel.All is set, otherwise
// the listed ids, in one transaction. Ids that no longer exist are skipped;
// any other error, such as an id owned by someone else, trashes nothing.
func (s *Store) TrashAll(ctx context.Context, owner, parentID uint64, sel Selection) (int, error) {
	ids := sel.IDs
	if sel.All {
		parent, err := s.Owned(ctx, owner, parentID)
		if err != nil {
			return 0, err
		}
		children, err := s.Children(ctx, parent.ID)
		if err != nil {
			return 0, err
		}
		ids = nodeIDs(children)
	}

	trashed := 0
	err := s.transact(ctx, "trash all", func(tx *gorm.DB) error {
		trashed = 0
		for _, id := range ids {
			err := trashRange(tx, owner, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			trashed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return trashed, nil
}

// Restore clears the deleted mark on the node only. Descendants trashed
// along with it stay in the trash.
func (s *Store) Restore(ctx context.Context, owner, id uint64) error {
	return s.transact(ctx, "restore", func(tx *gorm.DB) error {
		n, err := lookupOwned(tx, owner, id, true)
		if err != nil {
			return err
		}
		if !n.Trashed() {
			return nil
		}
		if err := tx.Unscoped().Model(&Node{}).
			Where("id = ?", n.ID).
			UpdateColumn("deleted_at", nil).Error; err != nil {
			return err
		}
		return duplicateFolders(tx, owner)
	})
}

// RestoreAll restores all of the owner's trashed nodes, or the listed ones.
func (s *Store) RestoreAll(ctx context.Context, owner uint64, sel Selection) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}
	var restored int64
	err := s.transact(ctx, "restore all", func(tx *gorm.DB) error {
		q := tx.Unscoped().Model(&Node{}).Where("owner_id = ? AND deleted_at IS NOT NULL", owner)
		if !sel.All {
			q = q.Where("id IN ?", sel.IDs)
		}
		res := q.UpdateColumn("deleted_at", nil)
		if res.Error != nil {
			return res.Error
		}
		restored = res.RowsAffected
		return duplicateFolders(tx, owner)
	})
	if err != nil {
		return 0, err
	}
	return restored, err
}

// PurgeForever deletes a trashed node and its whole range, drops ledger rows
// pointing at them and closes the gap in the owner's bounds. The removed
// nodes are returned so the caller can free their blobs once committed.
func (s *Store) PurgeForever(ctx context.Context, owner, id uint64) ([]Node, error) {
	var purged []Node
	err := s.transact(ctx, "purge", func(tx *gorm.DB) error {
		purged = nil
		n, err := lookupOwned(tx, owner, id, true)
		if err != nil {
			return err
		}
		if !n.Trashed() {
			return fmt.Errorf("%w: node %d is not in the trash", ErrValidation, id)
		}

		if err := tx.Unscoped().
			Where("owner_id = ? AND lft >= ? AND rgt <= ?", owner, n.Left, n.Right).
			Order("lft").
			Find(&purged).Error; err != nil {
			return err
		}
		ids := nodeIDs(purged)

		if err := tx.Where("file_id IN ?", ids).Delete(&ShareGrant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("file_id IN ?", ids).Delete(&StarMark{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("id IN ?", ids).Delete(&Node{}).Error; err != nil {
			return err
		}

		width := n.Width()
		if err := tx.Unscoped().Model(&Node{}).
			Where("owner_id = ? AND rgt > ?", owner, n.Right).
			UpdateColumn("rgt", gorm.Expr("rgt - ?", width)).Error; err != nil {
			return err
		}
		return tx.Unscoped().Model(&Node{}).
			Where("owner_id = ? AND lft > ?", owner, n.Right).
			UpdateColumn("lft", gorm.Expr("lft - ?", width)).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("purged nodes", zap.Uint64("owner", owner), zap.Uint64("node", id), zap.Int("count", len(purged)))
	return purged, nil
}

// PurgeAll purges all of the owner's trashed nodes, or the listed ones.
// Nodes that went away with an earlier ancestor, or that are not in the
// trash, are skipped.
func (s *Store) PurgeAll(ctx context.Context, owner uint64, sel Selection) ([]Node, error) {
	ids := sel.IDs
	if sel.All {
		if err := s.db.WithContext(ctx).Unscoped().Model(&Node{}).
			Where("owner_id = ? AND deleted_at IS NOT NULL", owner).
			Order("lft").
			Pluck("id", &ids).Error; err != nil {
			return nil, err
		}
	}

	var purged []Node
	for _, id := range ids {
		nodes, err := s.PurgeForever(ctx, owner, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			continue
		}
		if err != nil {
			return purged, err
		}
		purged = append(purged, nodes...)
	}
	return purged, nil
}

// ListTrash pages through the owner's trashed nodes, folders first, most
// recently trashed first.
func (s *Store) ListTrash(ctx context.Context, owner uint64, search string, req PageRequest) (*Page, error) {
	base := s.db.WithContext(ctx).Unscoped().Model(&Node{}).
		Where("nodes.owner_id = ? AND nodes.deleted_at IS NOT NULL", owner)
	if search != "" {
		base = whereNameLike(base, search)
	}
	return paginate(base, req, "nodes.is_folder DESC", "nodes.deleted_at DESC", "nodes.id DESC")
}
