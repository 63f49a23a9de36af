package tree

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ToggleStar flips viewer's star on fileID and returns the new state. The
// node must be visible to viewer.
func (s *Store) ToggleStar(ctx context.Context, viewer, fileID uint64) (bool, error) {
	n, err := s.Get(ctx, fileID)
	if err != nil {
		return false, err
	}
	ok, err := s.CanView(ctx, viewer, n)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrNotFound, fileID)
	}

	var starred bool
	err = s.transact(ctx, "toggle star", func(tx *gorm.DB) error {
		res := tx.Where("file_id = ? AND user_id = ?", fileID, viewer).Delete(&StarMark{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			starred = false
			return nil
		}
		starred = true
		return tx.Create(&StarMark{FileID: fileID, UserID: viewer, CreatedAt: time.Now()}).Error
	})
	return starred, err
}

// markStarred sets Starred on the nodes viewer has starred.
func (s *Store) markStarred(ctx context.Context, viewer uint64, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	var starred []uint64
	if err := s.db.WithContext(ctx).Model(&StarMark{}).
		Where("user_id = ? AND file_id IN ?", viewer, nodeIDs(nodes)).
		Pluck("file_id", &starred).Error; err != nil {
		return err
	}
	set := make(map[uint64]bool, len(starred))
	for _, id := range starred {
		set[id] = true
	}
	for i := range nodes {
		nodes[i].Starred = set[nodes[i].ID]
	}
	return nil
}
