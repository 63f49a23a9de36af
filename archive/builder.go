package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"file-manager/blob"
)

// Opener reads a file's bytes from whichever tier holds them.
type Opener interface {
	Open(ctx context.Context, tier blob.Tier, key string) (io.ReadCloser, error)
}

// Builder writes zip archives into the public tier.
type Builder struct {
	opener Opener
	public blob.Store
	log    *zap.Logger
}

func NewBuilder(opener Opener, public blob.Store, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{opener: opener, public: public, log: log}
}

// Artifact is a finished archive.
type Artifact struct {
	Key     string `json:"-"`
	URL     string `json:"url"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Build streams the entries into a new zip under a random name in the
// public tier. The zip writer feeds a pipe that the public store reads from.
func (b *Builder) Build(ctx context.Context, entries []Entry, progress *Progress) (*Artifact, error) {
	key := path.Join("zip", uuid.NewString()+".zip")
	progress.IncrementDiscovered(len(entries))

	pr, pw := io.Pipe()
	written := make(chan error, 1)
	go func() {
		err := b.writeZip(ctx, pw, entries, progress)
		pw.CloseWithError(err)
		written <- err
	}()

	n, putErr := b.public.Put(ctx, key, pr)
	pr.CloseWithError(putErr)
	zipErr := <-written

	if zipErr != nil || putErr != nil {
		if err := b.public.Delete(context.Background(), key); err != nil {
			b.log.Warn("failed to remove partial archive", zap.String("key", key), zap.Error(err))
		}
		if zipErr != nil {
			return nil, fmt.Errorf("write archive: %w", zipErr)
		}
		return nil, fmt.Errorf("store archive: %w", putErr)
	}

	b.log.Info("built archive",
		zap.String("key", key),
		zap.Int("entries", len(entries)),
		zap.Int64("bytes", n))
	return &Artifact{Key: key, URL: b.public.PublicURL(key), Entries: len(entries), Bytes: n}, nil
}

func (b *Builder) writeZip(ctx context.Context, w io.Writer, entries []Entry, progress *Progress) error {
	zipWriter := zip.NewWriter(w)
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(out, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
		return fw, nil
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Node.IsFolder || e.Node.StorageKey == nil {
			continue
		}

		header := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: e.Node.UpdatedAt,
		}
		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		n, err := b.copyEntry(ctx, writer, e)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Path, err)
		}
		progress.IncrementProcessed(n)
	}
	return zipWriter.Close()
}

func (b *Builder) copyEntry(ctx context.Context, w io.Writer, e Entry) (int64, error) {
	rc, err := b.opener.Open(ctx, e.Node.Tier, *e.Node.StorageKey)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}
