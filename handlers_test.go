package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tus/tusd/pkg/handler"
	"go.uber.org/zap"

	"file-manager/archive"
	"file-manager/config"
	"file-manager/drive"
	"file-manager/identity"
	"file-manager/tree"
	"file-manager/upload"
)

const testPublicURL = "http://localhost:8080/public"

type testServer struct {
	t   *testing.T
	srv *server
	app *fiber.App
}

func newTestServer(t *testing.T, configure func(*config.Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{
		DataDir:      dir,
		DatabasePath: filepath.Join(dir, "drive.db"),
		QueuePath:    filepath.Join(dir, "outbox.db"),
		LocalDir:     filepath.Join(dir, "local"),
		PublicDir:    filepath.Join(dir, "public"),
		PublicURL:    testPublicURL,
		UploadsDir:   filepath.Join(dir, "uploads"),
	}
	cfg.Archive.AsyncBytes = 0
	if configure != nil {
		configure(cfg)
	}

	srv, err := newServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, app: newApp(srv)}
}

func (ts *testServer) do(req *http.Request, user uint64) (int, []byte) {
	ts.t.Helper()
	if user != 0 {
		req.Header.Set(userHeader, fmt.Sprint(user))
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, body
}

// call sends payload as JSON (when not nil) and decodes the answer into out
// (when not nil).
func (ts *testServer) call(method, target string, user uint64, payload, out any) int {
	ts.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(ts.t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	code, raw := ts.do(req, user)
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(raw, out), string(raw))
	}
	return code
}

func (ts *testServer) register(email string) (*identity.User, *tree.Node) {
	ts.t.Helper()
	var out struct {
		User *identity.User `json:"user"`
		Root *tree.Node     `json:"root"`
	}
	code := ts.call(http.MethodPost, "/auth/register", 0, map[string]string{"email": email}, &out)
	require.Equal(ts.t, http.StatusCreated, code)
	return out.User, out.Root
}

func (ts *testServer) folder(user, parent uint64, name string) *tree.Node {
	ts.t.Helper()
	var n tree.Node
	code := ts.call(http.MethodPost, "/api/folders", user, map[string]any{"parent": parent, "name": name}, &n)
	require.Equal(ts.t, http.StatusCreated, code)
	return &n
}

type testFile struct {
	path string
	body string
}

func (ts *testServer) upload(user, parent uint64, withPaths bool, files ...testFile) (int, []tree.Node) {
	ts.t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(ts.t, w.WriteField("parent", fmt.Sprint(parent)))
	for _, f := range files {
		if withPaths {
			require.NoError(ts.t, w.WriteField("paths", f.path))
		}
		part, err := w.CreateFormFile("files", filepath.Base(f.path))
		require.NoError(ts.t, err)
		_, err = io.WriteString(part, f.body)
		require.NoError(ts.t, err)
	}
	require.NoError(ts.t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	code, raw := ts.do(req, user)
	var out struct {
		Files []tree.Node `json:"files"`
	}
	if code == http.StatusCreated {
		require.NoError(ts.t, json.Unmarshal(raw, &out))
	}
	return code, out.Files
}

func (ts *testServer) list(user uint64, query string) drive.Listing {
	ts.t.Helper()
	var l drive.Listing
	code := ts.call(http.MethodGet, "/api/files?"+query, user, nil, &l)
	require.Equal(ts.t, http.StatusOK, code)
	return l
}

// fetchPublic downloads a public URL through the static route.
func (ts *testServer) fetchPublic(rawURL string) string {
	ts.t.Helper()
	require.True(ts.t, strings.HasPrefix(rawURL, testPublicURL+"/"), rawURL)
	code, body := ts.do(httptest.NewRequest(http.MethodGet, strings.TrimPrefix(rawURL, "http://localhost:8080"), nil), 0)
	require.Equal(ts.t, http.StatusOK, code)
	return string(body)
}

func names(nodes []tree.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func TestRegisterAndIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, root := ts.register("alice@example.com")
	assert.Equal(t, "alice", alice.Name)
	assert.True(t, root.IsRoot())

	var errBody map[string]string
	code := ts.call(http.MethodPost, "/auth/register", 0, map[string]string{"email": "ALICE@example.com"}, &errBody)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "error", errBody["status"])

	code = ts.call(http.MethodPost, "/auth/register", 0, map[string]string{"email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	t.Run("caller is required", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, ts.call(http.MethodGet, "/api/files", 0, nil, nil))
		assert.Equal(t, http.StatusUnauthorized, ts.call(http.MethodGet, "/api/files", 999, nil, nil))

		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		req.Header.Set(userHeader, "abc")
		code, _ := ts.do(req, 0)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	l := ts.list(alice.ID, "")
	assert.Equal(t, root.ID, l.Folder.ID)
	assert.Empty(t, l.Files.Items)
}

func TestFolderAndUploadRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	docs := ts.folder(alice.ID, 0, "docs")

	code, stored := ts.upload(alice.ID, docs.ID, false, testFile{"notes.txt", "hello"}, testFile{"todo.txt", "later"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, []string{"notes.txt", "todo.txt"}, names(stored))
	assert.Equal(t, int64(5), stored[0].Size)

	l := ts.list(alice.ID, fmt.Sprintf("folder=%d", docs.ID))
	assert.Equal(t, int64(2), l.Files.Total)
	assert.Equal(t, []string{docs.Name}, names(l.Ancestors[1:]))

	t.Run("folder upload keeps the structure", func(t *testing.T) {
		code, stored := ts.upload(alice.ID, 0, true,
			testFile{"photos/2024/a.jpg", "a"},
			testFile{"photos/b.jpg", "b"})
		require.Equal(t, http.StatusCreated, code)
		assert.Len(t, stored, 2)

		l := ts.list(alice.ID, "path=photos")
		assert.Equal(t, []string{"2024", "b.jpg"}, names(l.Files.Items))
		l = ts.list(alice.ID, "path=/photos/2024")
		assert.Equal(t, []string{"a.jpg"}, names(l.Files.Items))
	})

	t.Run("invalid relative path", func(t *testing.T) {
		code, _ := ts.upload(alice.ID, 0, true, testFile{"../escape.txt", "x"})
		assert.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("folder names are unique per parent", func(t *testing.T) {
		var out map[string]string
		code := ts.call(http.MethodPost, "/api/folders", alice.ID, map[string]any{"name": "docs"}, &out)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "error", out["status"])
	})

	t.Run("file is not a folder", func(t *testing.T) {
		code := ts.call(http.MethodPost, "/api/folders", alice.ID, map[string]any{"parent": stored[0].ID, "name": "x"}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
	})

	t.Run("search and favourites", func(t *testing.T) {
		var starred map[string]any
		code := ts.call(http.MethodPost, fmt.Sprintf("/api/favourites/%d", stored[1].ID), alice.ID, nil, &starred)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, starred["starred"])

		l := ts.list(alice.ID, fmt.Sprintf("folder=%d&favourites=true", docs.ID))
		assert.Equal(t, []string{"todo.txt"}, names(l.Files.Items))
		l = ts.list(alice.ID, "search=note")
		assert.Equal(t, []string{"notes.txt"}, names(l.Files.Items))
	})

	t.Run("missing folder", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.call(http.MethodGet, "/api/files?path=nope", alice.ID, nil, nil))
	})
}

func TestDownloadRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	a := ts.folder(alice.ID, 0, "A")
	_, files := ts.upload(alice.ID, a.ID, false, testFile{"x.txt", "0123456789"}, testFile{"y.txt", "y"})

	var res drive.Result
	code := ts.call(http.MethodGet, fmt.Sprintf("/api/files/download?ids=%d", files[0].ID), alice.ID, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "x.txt", res.Filename)
	assert.Equal(t, "0123456789", ts.fetchPublic(res.URL))

	res = drive.Result{}
	code = ts.call(http.MethodGet, fmt.Sprintf("/api/files/download?parent=%d&ids=%d,%d", a.ID, files[0].ID, files[1].ID), alice.ID, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "A.zip", res.Filename)
	assert.True(t, strings.HasPrefix(res.URL, testPublicURL+"/zip/"))

	res = drive.Result{}
	code = ts.call(http.MethodGet, "/api/files/download", alice.ID, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, drive.MsgSelectDownload, res.Message)

	assert.Equal(t, http.StatusBadRequest, ts.call(http.MethodGet, "/api/files/download?ids=x", alice.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.call(http.MethodGet, "/api/downloads/unknown", alice.ID, nil, nil))
}

func TestAsyncDownloadRoute(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Archive.AsyncBytes = 1 })
	alice, _ := ts.register("alice@example.com")
	bob, _ := ts.register("bob@example.com")
	a := ts.folder(alice.ID, 0, "A")
	ts.upload(alice.ID, a.ID, false, testFile{"x.txt", "xx"}, testFile{"y.txt", "yy"})

	var res drive.Result
	code := ts.call(http.MethodGet, fmt.Sprintf("/api/files/download?ids=%d", a.ID), alice.ID, nil, &res)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, res.JobID)

	ts.srv.svc.Close()
	var st archive.JobStatus
	code = ts.call(http.MethodGet, "/api/downloads/"+res.JobID, alice.ID, nil, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, res.JobID, st.ID)
	assert.Equal(t, "A.zip", st.Filename)

	assert.Equal(t, http.StatusNotFound, ts.call(http.MethodGet, "/api/downloads/"+res.JobID, bob.ID, nil, nil))
}

func TestTrashRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	a := ts.folder(alice.ID, 0, "A")
	c := ts.folder(alice.ID, 0, "C")
	_, files := ts.upload(alice.ID, a.ID, false, testFile{"x.txt", "x"})

	var out map[string]any
	code := ts.call(http.MethodDelete, fmt.Sprintf("/api/files?ids=%d&ids=%d", a.ID, c.ID), alice.ID, nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["trashed"])
	assert.Empty(t, ts.list(alice.ID, "").Files.Items)

	var trash tree.Page
	require.Equal(t, http.StatusOK, ts.call(http.MethodGet, "/api/trash", alice.ID, nil, &trash))
	assert.ElementsMatch(t, []string{"A", "C", "x.txt"}, names(trash.Items))

	code = ts.call(http.MethodPost, "/api/trash/restore", alice.ID, map[string]any{"ids": []uint64{a.ID}}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["restored"])
	assert.Equal(t, []string{"A"}, names(ts.list(alice.ID, "").Files.Items))
	assert.Empty(t, ts.list(alice.ID, "path=A").Files.Items)

	code = ts.call(http.MethodPost, "/api/trash/restore", alice.ID, map[string]any{"ids": []uint64{files[0].ID}}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"x.txt"}, names(ts.list(alice.ID, "path=A").Files.Items))

	code = ts.call(http.MethodDelete, "/api/trash?all=true", alice.ID, nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["purged"])
	require.Equal(t, http.StatusOK, ts.call(http.MethodGet, "/api/trash", alice.ID, nil, &trash))
	assert.Empty(t, trash.Items)

	code = ts.call(http.MethodDelete, "/api/files?all=true", alice.ID, nil, &out)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["trashed"])
}

func TestShareRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	bob, _ := ts.register("bob@example.com")
	_, files := ts.upload(alice.ID, 0, false, testFile{"report.txt", "r"}, testFile{"plan.txt", "p"})

	var out map[string]any
	code := ts.call(http.MethodPost, "/api/files/share", alice.ID,
		map[string]any{"ids": []uint64{files[0].ID}, "email": "Bob@Example.com"}, &out)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["granted"])

	var page tree.Page
	require.Equal(t, http.StatusOK, ts.call(http.MethodGet, "/api/shared-with-me", bob.ID, nil, &page))
	assert.Equal(t, []string{"report.txt"}, names(page.Items))
	require.Equal(t, http.StatusOK, ts.call(http.MethodGet, "/api/shared-by-me", alice.ID, nil, &page))
	assert.Equal(t, []string{"report.txt"}, names(page.Items))

	var res drive.Result
	code = ts.call(http.MethodGet, fmt.Sprintf("/api/shared-with-me/download?ids=%d", files[0].ID), bob.ID, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "r", ts.fetchPublic(res.URL))

	res = drive.Result{}
	code = ts.call(http.MethodGet, "/api/shared-by-me/download?all=true", alice.ID, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "shared_by_me.zip", res.Filename)

	t.Run("unknown recipient", func(t *testing.T) {
		var out map[string]any
		code := ts.call(http.MethodPost, "/api/files/share", alice.ID,
			map[string]any{"ids": []uint64{files[1].ID}, "email": "nobody@example.com"}, &out)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 0, out["granted"])
	})

	t.Run("empty selection", func(t *testing.T) {
		var out map[string]any
		code := ts.call(http.MethodPost, "/api/files/share", alice.ID, map[string]any{"email": "bob@example.com"}, &out)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, drive.MsgSelectShare, out["message"])
	})

	n, err := ts.srv.outbox.Len("notifications")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReadOnlyMode(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.Server.WriteMode = false })
	alice, _ := ts.register("alice@example.com")

	var out map[string]string
	code := ts.call(http.MethodPost, "/api/folders", alice.ID, map[string]any{"name": "docs"}, &out)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, out["error"], "WRITE_MODE")

	code, _ = ts.upload(alice.ID, 0, false, testFile{"a.txt", "a"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, http.StatusOK, ts.call(http.MethodGet, "/api/files", alice.ID, nil, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	ts.folder(alice.ID, 0, "docs")

	code, body := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), 0)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `drive_operations_total{operation="create_folder",status="ok"} 1`)
	assert.Contains(t, string(body), `drive_outbox_pending{kind="migrations"}`)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("node 3: %w", tree.ErrNotFound), http.StatusNotFound},
		{identity.ErrUserNotFound, http.StatusNotFound},
		{archive.ErrJobNotFound, http.StatusNotFound},
		{tree.ErrForbidden, http.StatusForbidden},
		{tree.ErrAlreadyExists, http.StatusConflict},
		{tree.ErrStructuralConflict, http.StatusConflict},
		{identity.ErrEmailTaken, http.StatusConflict},
		{tree.ErrValidation, http.StatusUnprocessableEntity},
		{upload.ErrInvalidPath, http.StatusUnprocessableEntity},
		{fiber.ErrUpgradeRequired, http.StatusUpgradeRequired},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, statusFor(tc.err), tc.err.Error())
	}
}

func TestStreamFolder(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := ts.srv.svc.Upload(ctx, alice.ID, 0, drive.FileUpload{
			Name:   fmt.Sprintf("f%02d.txt", i),
			Mime:   "text/plain",
			Reader: strings.NewReader("x"),
		})
		require.NoError(t, err)
	}

	var msgs []WSMessage
	send := func(m WSMessage) error {
		msgs = append(msgs, m)
		return nil
	}
	require.NoError(t, ts.srv.streamFolder(ctx, alice.ID, WSRequest{RequestID: 7}, send))

	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Empty(t, last.Items)
	assert.Empty(t, last.Error)
	total := 0
	for _, m := range msgs {
		assert.Equal(t, 7, m.RequestID)
		assert.LessOrEqual(t, len(m.Items), wsChunkSize)
		total += len(m.Items)
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, "f24.txt", msgs[0].Items[0].Name)

	msgs = nil
	require.NoError(t, ts.srv.streamFolder(ctx, alice.ID, WSRequest{RequestID: 8, Path: "missing"}, send))
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].Error)
}

func TestCompleteUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	alice, _ := ts.register("alice@example.com")
	docs := ts.folder(alice.ID, 0, "docs")

	uploads := ts.srv.cfg.Storage.UploadsDir
	require.NoError(t, os.MkdirAll(uploads, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "abc123"), []byte("quarterly numbers"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "abc123.info"), []byte("{}"), 0644))

	header := http.Header{}
	header.Set(userHeader, fmt.Sprint(alice.ID))
	event := handler.HookEvent{
		Upload: handler.FileInfo{
			ID:   "abc123",
			Size: 17,
			MetaData: handler.MetaData{
				"filename":     "report.txt",
				"filetype":     "text/plain",
				"relativePath": "2024/q1",
				"parentId":     fmt.Sprint(docs.ID),
			},
		},
		HTTPRequest: handler.HTTPRequest{Header: header},
	}
	require.NoError(t, ts.srv.completeUpload(context.Background(), event))

	l := ts.list(alice.ID, "path=docs/2024/q1")
	require.Equal(t, []string{"report.txt"}, names(l.Files.Items))
	assert.Equal(t, int64(17), l.Files.Items[0].Size)
	assert.Equal(t, "text/plain", l.Files.Items[0].Mime)
	assert.NoFileExists(t, filepath.Join(uploads, "abc123"))
	assert.NoFileExists(t, filepath.Join(uploads, "abc123.info"))

	t.Run("owner is required", func(t *testing.T) {
		event := handler.HookEvent{Upload: handler.FileInfo{ID: "orphan"}}
		assert.Error(t, ts.srv.completeUpload(context.Background(), event))
	})
}

func TestImportDir(t *testing.T) {
	ts := newTestServer(t, nil)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "music", "live"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "readme.md"), []byte("# hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "music", "live", "set.txt"), []byte("setlist"), 0644))

	require.NoError(t, ts.srv.importDir(context.Background(), src, "carol@example.com"))

	carol, err := ts.srv.users.FindUserByEmail(context.Background(), "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"music", "readme.md"}, names(ts.list(carol.ID, "").Files.Items))
	assert.Equal(t, []string{"set.txt"}, names(ts.list(carol.ID, "path=music/live").Files.Items))

	// a second import reuses the folders
	require.NoError(t, ts.srv.importDir(context.Background(), src, "carol@example.com"))
	l := ts.list(carol.ID, "")
	assert.Equal(t, int64(3), l.Files.Total)
	assert.Equal(t, []string{"set.txt", "set.txt"}, names(ts.list(carol.ID, "path=music/live").Files.Items))
}
