// Package blob stores file contents by key across the storage tiers: the
// local tier where uploads land, the public tier that serves downloads and
// the cloud tier files are migrated to.
package blob

import (
	"context"
	"errors"
	"io"
)

// Tier names the backend currently holding a file's bytes.
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrTierUnavailable = errors.New("storage tier not configured")
)

// Store is the capability the core needs from a physical blob backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	PublicURL(key string) string
	Delete(ctx context.Context, key string) error
}
