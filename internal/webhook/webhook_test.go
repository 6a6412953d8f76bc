package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/mirror"
	"github.com/schaermu/relsyncd/internal/release"
)

// stubSource is a minimal release source; it can block its first listing to
// hold a pass open.
type stubSource struct {
	mu       sync.Mutex
	releases []release.Release
	content  map[string][]byte

	blockFirstList bool
	listCalls      int
	listStarted    chan struct{}
	listProceed    chan struct{}
}

func newStubSource() *stubSource {
	return &stubSource{
		content:     make(map[string][]byte),
		listStarted: make(chan struct{}),
		listProceed: make(chan struct{}),
	}
}

func (s *stubSource) addRelease(t *testing.T, tag string, assets map[string][]byte) {
	t.Helper()
	v, err := release.ParseTag(tag)
	require.NoError(t, err)

	rel := release.Release{Version: v}
	for name, content := range assets {
		s.content[name] = content
		rel.Assets = append(rel.Assets, release.Asset{
			Name:        name,
			DownloadURL: "stub://" + name,
			Size:        int64(len(content)),
		})
	}
	s.releases = append(s.releases, rel)
}

func (s *stubSource) ListReleases(ctx context.Context) ([]release.Release, error) {
	s.mu.Lock()
	s.listCalls++
	first := s.listCalls == 1
	s.mu.Unlock()

	if s.blockFirstList && first {
		close(s.listStarted)
		select {
		case <-s.listProceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.releases, nil
}

func (s *stubSource) DownloadAsset(_ context.Context, asset release.Asset, destPath string) error {
	return os.WriteFile(destPath, s.content[asset.Name], 0644)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, policy config.BusyPolicy, src *stubSource) (*httptest.Server, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		Repo:  config.RepoConfig{Slug: "owner/name"},
		Paths: config.PathsConfig{MirrorDir: t.TempDir()},
		Sync: config.SyncConfig{
			Interval:            config.Duration(time.Hour),
			Timeout:             config.Duration(time.Minute),
			DownloadConcurrency: 2,
			BusyPolicy:          policy,
		},
		Serve: config.ServeConfig{ListenAddr: ":0"},
	}

	engine := mirror.NewEngine(cfg, src, testLogger())
	srv := httptest.NewServer(NewServer(cfg, engine, testLogger()).Routes())
	t.Cleanup(srv.Close)

	return srv, cfg
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHandleSync(t *testing.T) {
	src := newStubSource()
	src.addRelease(t, "v1.0.0", map[string][]byte{"tool-1.0.0.tar.gz": []byte("x")})

	srv, cfg := testServer(t, config.BusyReject, src)

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])

	report, ok := body["report"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, report["synced"])

	_, err = os.Stat(cfg.IndexPath())
	assert.NoError(t, err)
}

func TestHandleSyncBusy(t *testing.T) {
	src := newStubSource()
	src.blockFirstList = true
	src.addRelease(t, "v1.0.0", map[string][]byte{"tool-1.0.0.tar.gz": []byte("x")})

	srv, _ := testServer(t, config.BusyReject, src)

	done := make(chan struct{})
	go func() {
		resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
		if err == nil {
			_ = resp.Body.Close()
		}
		close(done)
	}()

	<-src.listStarted

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "already in progress")

	close(src.listProceed)
	<-done
}

func TestHandleSyncBusyCoalesce(t *testing.T) {
	src := newStubSource()
	src.blockFirstList = true
	src.addRelease(t, "v1.0.0", map[string][]byte{"tool-1.0.0.tar.gz": []byte("x")})

	srv, _ := testServer(t, config.BusyCoalesce, src)

	done := make(chan struct{})
	go func() {
		resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
		if err == nil {
			_ = resp.Body.Close()
		}
		close(done)
	}()

	<-src.listStarted

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "accepted", body["status"])

	close(src.listProceed)
	<-done

	// The accepted trigger ran as a follow-up pass.
	src.mu.Lock()
	calls := src.listCalls
	src.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestHandleSyncLockHeldElsewhereReturnsConflict(t *testing.T) {
	src := newStubSource()
	src.addRelease(t, "v1.0.0", map[string][]byte{"tool-1.0.0.tar.gz": []byte("x")})

	// Even under coalesce: a pass owned by another process cannot queue a
	// re-run, so the answer must not be 202.
	srv, cfg := testServer(t, config.BusyCoalesce, src)

	fl := flock.New(cfg.LockPath())
	locked, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() {
		_ = fl.Unlock()
	}()

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "already in progress")
}

func TestHandleSyncMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t, config.BusyReject, newStubSource())

	resp, err := http.Get(srv.URL + "/api/sync")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t, config.BusyReject, newStubSource())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleRoot(t *testing.T) {
	srv, _ := testServer(t, config.BusyReject, newStubSource())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "relsyncd", body["service"])
}
