package tree

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Grant shares fileIDs with grantee. Files already shared with that user are
// skipped, so repeating a grant inserts nothing and fails nothing. It
// returns the number of new grants.
func (s *Store) Grant(ctx context.Context, fileIDs []uint64, grantee uint64) (int, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.transact(ctx, "grant", func(tx *gorm.DB) error {
		inserted = 0
		var existing []uint64
		if err := tx.Model(&ShareGrant{}).
			Where("grantee_user_id = ? AND file_id IN ?", grantee, fileIDs).
			Pluck("file_id", &existing).Error; err != nil {
			return err
		}

		seen := make(map[uint64]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}
		now := time.Now()
		var rows []ShareGrant
		for _, id := range fileIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			rows = append(rows, ShareGrant{FileID: id, GranteeID: grantee, CreatedAt: now})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		inserted = len(rows)
		return nil
	})
	return inserted, err
}

// Grants returns the grants on fileID.
func (s *Store) Grants(ctx context.Context, fileID uint64) ([]ShareGrant, error) {
	grants := []ShareGrant{}
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("grantee_user_id").
		Find(&grants).Error
	return grants, err
}

func (s *Store) sharedWithMe(ctx context.Context, viewer uint64) *gorm.DB {
	return s.db.WithContext(ctx).Model(&Node{}).
		Joins("JOIN share_grants ON share_grants.file_id = nodes.id").
		Where("share_grants.grantee_user_id = ?", viewer)
}

func (s *Store) sharedByMe(ctx context.Context, owner uint64) *gorm.DB {
	return s.db.WithContext(ctx).Model(&Node{}).
		Where("nodes.owner_id = ?", owner).
		Where("EXISTS (SELECT 1 FROM share_grants WHERE share_grants.file_id = nodes.id)")
}

// SharedWithMe pages through the non-trashed nodes shared with viewer.
// Grants on trashed or purged nodes drop out through the join.
func (s *Store) SharedWithMe(ctx context.Context, viewer uint64, search string, req PageRequest) (*Page, error) {
	base := s.sharedWithMe(ctx, viewer)
	if search != "" {
		base = whereNameLike(base, search)
	}
	page, err := paginate(base, req, "share_grants.created_at DESC", "nodes.id DESC")
	if err != nil {
		return nil, err
	}
	return page, s.markStarred(ctx, viewer, page.Items)
}

// SharedByMe pages through the owner's non-trashed nodes that have at least
// one grant.
func (s *Store) SharedByMe(ctx context.Context, owner uint64, search string, req PageRequest) (*Page, error) {
	base := s.sharedByMe(ctx, owner)
	if search != "" {
		base = whereNameLike(base, search)
	}
	page, err := paginate(base, req, "nodes.created_at DESC", "nodes.id DESC")
	if err != nil {
		return nil, err
	}
	return page, s.markStarred(ctx, owner, page.Items)
}

// SharedWithMeNodes returns every node shared with viewer, restricted to ids
// when given.
func (s *Store) SharedWithMeNodes(ctx context.Context, viewer uint64, ids []uint64) ([]Node, error) {
	q := s.sharedWithMe(ctx, viewer)
	if ids != nil {
		q = q.Where("nodes.id IN ?", ids)
	}
	nodes := []Node{}
	err := q.Select("nodes.*").Order("share_grants.created_at DESC").Order("nodes.id DESC").Find(&nodes).Error
	return nodes, err
}

// SharedByMeNodes returns every shared node of owner, restricted to ids when
// given.
func (s *Store) SharedByMeNodes(ctx context.Context, owner uint64, ids []uint64) ([]Node, error) {
	q := s.sharedByMe(ctx, owner)
	if ids != nil {
		q = q.Where("nodes.id IN ?", ids)
	}
	nodes := []Node{}
	err := q.Order("nodes.created_at DESC").Order("nodes.id DESC").Find(&nodes).Error
	return nodes, err
}

// CanView reports whether viewer owns n or has been granted it.
func (s *Store) CanView(ctx context.Context, viewer uint64, n *Node) (bool, error) {
	if n.OwnerID == viewer {
		return true, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&ShareGrant{}).
		Where("file_id = ? AND grantee_user_id = ?", n.ID, viewer).
		Count(&count).Error
	return count > 0, err
}
