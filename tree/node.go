// Package tree keeps every user's folders and files as a nested set: each
// node owns the integer range [lft, rgt] and a node's descendants are exactly
// the nodes whose range lies strictly inside it. The package also holds the
// ledgers that reference nodes by id (share grants and stars).
package tree

import (
	"time"

	"gorm.io/gorm"

	"file-manager/blob"
)

// Node is a file or a folder. StorageKey, Mime and Size are only meaningful
// when IsFolder is false.
type Node struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	OwnerID    uint64         `gorm:"not null;index:idx_nodes_owner_lft,priority:1" json:"owner_id"`
	ParentID   *uint64        `gorm:"index" json:"parent_id"`
	Name       string         `gorm:"size:255;not null" json:"name"`
	Path       string         `gorm:"size:1024;index" json:"path"`
	IsFolder   bool           `gorm:"not null" json:"is_folder"`
	StorageKey *string        `gorm:"size:512" json:"-"`
	Mime       string         `gorm:"size:255" json:"mime,omitempty"`
	Size       int64          `json:"size"`
	Tier       blob.Tier      `gorm:"column:storage_tier;size:16" json:"storage_tier,omitempty"`
	Left       int64          `gorm:"column:lft;not null;index:idx_nodes_owner_lft,priority:2" json:"-"`
	Right      int64          `gorm:"column:rgt;not null" json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Starred    bool           `gorm:"-" json:"starred"`
}

func (Node) TableName() string { return "nodes" }

func (n Node) IsRoot() bool { return n.ParentID == nil }

func (n Node) Trashed() bool { return n.DeletedAt.Valid }

// Width is the span of the node's range, two per node in its subtree.
func (n Node) Width() int64 { return n.Right - n.Left + 1 }

// Contains reports whether o lies in n's subtree (o != n).
func (n Node) Contains(o *Node) bool {
	return n.OwnerID == o.OwnerID && n.Left < o.Left && o.Right < n.Right
}

// NodeAttrs describes a node to append.
type NodeAttrs struct {
	Name       string
	IsFolder   bool
	StorageKey string
	Mime       string
	Size       int64
	Tier       blob.Tier
}

// ShareGrant gives a user read access to another user's node.
type ShareGrant struct {
	FileID    uint64    `gorm:"primaryKey;autoIncrement:false" json:"file_id"`
	GranteeID uint64    `gorm:"column:grantee_user_id;primaryKey;autoIncrement:false;index" json:"grantee_user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (ShareGrant) TableName() string { return "share_grants" }

// StarMark is a user's favourite flag on a node.
type StarMark struct {
	FileID    uint64    `gorm:"primaryKey;autoIncrement:false" json:"file_id"`
	UserID    uint64    `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (StarMark) TableName() string { return "star_marks" }

// Selection is the "all or these ids" choice every bulk operation takes.
type Selection struct {
	All bool     `json:"all"`
	IDs []uint64 `json:"ids"`
}

func (s Selection) Empty() bool { return !s.All && len(s.IDs) == 0 }

func nodeIDs(nodes []Node) []uint64 {
	ids := make([]uint64, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].ID
	}
	return ids
}
