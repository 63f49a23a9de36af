package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Resolver answers "where are this file's bytes" from the tier recorded on
// the node. It never changes a file's tier; migration belongs to the
// background worker.
type Resolver struct {
	Local  Store
	Public Store
	Cloud  Store
}

func (r *Resolver) store(tier Tier) (Store, error) {
	var s Store
	switch tier {
	case TierLocal, "":
		s = r.Local
	case TierCloud:
		s = r.Cloud
	default:
		return nil, fmt.Errorf("%w: %q", ErrTierUnavailable, tier)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrTierUnavailable, tier)
	}
	return s, nil
}

// Open returns the bytes stored under key in the given tier.
func (r *Resolver) Open(ctx context.Context, tier Tier, key string) (io.ReadCloser, error) {
	s, err := r.store(tier)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

// Stage copies a blob into the public tier under a fresh token and returns
// its public URL. The last path segment is the original file name so the
// browser saves it under that name.
func (r *Resolver) Stage(ctx context.Context, tier Tier, key, name string) (string, error) {
	if r.Public == nil {
		return "", fmt.Errorf("%w: public", ErrTierUnavailable)
	}
	src, err := r.store(tier)
	if err != nil {
		return "", err
	}
	dst := path.Join("staged", uuid.NewString(), stagedName(name))

	from, fromDisk := src.(*Disk)
	to, toDisk := r.Public.(*Disk)
	if fromDisk && toDisk {
		if err := to.CopyFrom(from, key, dst); err != nil {
			return "", err
		}
		return to.PublicURL(dst), nil
	}

	rc, err := src.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if _, err := r.Public.Put(ctx, dst, rc); err != nil {
		return "", err
	}
	return r.Public.PublicURL(dst), nil
}

// Remove frees a blob. Cloud files may still have their local copy when the
// migration worker kept it, so that copy goes as well.
func (r *Resolver) Remove(ctx context.Context, tier Tier, key string) error {
	s, err := r.store(tier)
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, key); err != nil {
		return err
	}
	if tier == TierCloud && r.Local != nil {
		return r.Local.Delete(ctx, key)
	}
	return nil
}

func stagedName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "download"
	}
	return name
}
