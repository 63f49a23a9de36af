package drive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"file-manager/blob"
	"file-manager/identity"
	"file-manager/queue"
	"file-manager/tree"
)

const publicURL = "http://localhost/public"

type fakeOutbox struct {
	mu         sync.Mutex
	migrations []queue.Migration
	notices    []queue.ShareNotice
	fail       bool
}

func (f *fakeOutbox) EnqueueMigration(_ context.Context, m queue.Migration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("outbox unavailable")
	}
	f.migrations = append(f.migrations, m)
	return nil
}

func (f *fakeOutbox) SendShareNotification(_ context.Context, n queue.ShareNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("outbox unavailable")
	}
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeOutbox) Notices() []queue.ShareNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.ShareNotice(nil), f.notices...)
}

func (f *fakeOutbox) Migrations() []queue.Migration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Migration(nil), f.migrations...)
}

type testEnv struct {
	svc    *Service
	tree   *tree.Store
	users  *identity.Directory
	outbox *fakeOutbox
	local  *blob.Disk
	public *blob.Disk

	alice, bob *identity.User
	aliceRoot  *tree.Node
	bobRoot    *tree.Node
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	ts, err := tree.Open(filepath.Join(dir, "drive.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	users, err := identity.New(ts.DB())
	require.NoError(t, err)

	local, err := blob.NewDisk(filepath.Join(dir, "local"), "")
	require.NoError(t, err)
	public, err := blob.NewDisk(filepath.Join(dir, "public"), publicURL)
	require.NoError(t, err)

	env := &testEnv{tree: ts, users: users, outbox: &fakeOutbox{}, local: local, public: public}
	env.svc = New(Deps{
		Tree:       ts,
		Blobs:      &blob.Resolver{Local: local, Public: public},
		Users:      users,
		Migrations: env.outbox,
		Notifier:   env.outbox,
		Metrics:    NewMetrics(prometheus.NewRegistry()),
		Log:        zap.NewNop(),
	}, opts)
	t.Cleanup(env.svc.Close)

	env.alice, err = users.Register(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)
	env.bob, err = users.Register(ctx, "bob@example.com", "Bob")
	require.NoError(t, err)
	env.aliceRoot, err = env.svc.Provision(ctx, env.alice)
	require.NoError(t, err)
	env.bobRoot, err = env.svc.Provision(ctx, env.bob)
	require.NoError(t, err)
	return env
}

func (e *testEnv) folder(t *testing.T, owner, parent uint64, name string) *tree.Node {
	t.Helper()
	n, err := e.svc.CreateFolder(context.Background(), owner, parent, name)
	require.NoError(t, err)
	return n
}

func (e *testEnv) file(t *testing.T, owner, parent uint64, name, body string) *tree.Node {
	t.Helper()
	n, err := e.svc.Upload(context.Background(), owner, parent, FileUpload{
		Name:   name,
		Mime:   "text/plain",
		Size:   int64(len(body)),
		Reader: strings.NewReader(body),
	})
	require.NoError(t, err)
	return n
}

// publicKey maps a public URL back to its key in the public tier.
func publicKey(t *testing.T, rawURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(rawURL, publicURL+"/"), rawURL)
	key, err := url.PathUnescape(strings.TrimPrefix(rawURL, publicURL+"/"))
	require.NoError(t, err)
	return key
}

func (e *testEnv) readPublic(t *testing.T, rawURL string) string {
	t.Helper()
	rc, err := e.public.Get(context.Background(), publicKey(t, rawURL))
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(body)
}

func (e *testEnv) readZip(t *testing.T, rawURL string) map[string]string {
	t.Helper()
	p, err := e.public.Path(publicKey(t, rawURL))
	require.NoError(t, err)
	r, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string]string, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(body)
	}
	return out
}

func ids(nodes ...*tree.Node) []uint64 {
	out := make([]uint64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func nodeNames(nodes []tree.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
