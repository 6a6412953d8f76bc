// Package testutil provides a fake GitHub-style release upstream for tests:
// a releases listing endpoint plus asset downloads, with failure injection.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeRelease is one release served by the fake upstream.
type FakeRelease struct {
	Tag        string
	Draft      bool
	Prerelease bool
	Assets     map[string][]byte // filename -> content
}

// Upstream is an httptest server mimicking the releases API surface the
// mirror consumes.
type Upstream struct {
	Server *httptest.Server

	mu            sync.Mutex
	releases      []FakeRelease
	pageSize      int
	listFailures  int            // upcoming listing requests to fail
	assetFailures map[string]int // filename -> upcoming download requests to fail
	listCalls     int
	downloadCalls map[string]int
}

// NewUpstream starts a fake upstream; it is shut down with the test.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()

	u := &Upstream{
		assetFailures: make(map[string]int),
		downloadCalls: make(map[string]int),
	}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	u.Server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(u.Server.Close)

	return u
}

// APIBaseURL returns the base URL to point the release source at.
func (u *Upstream) APIBaseURL() string {
	return u.Server.URL + "/"
}

// AddRelease registers a release. Asset download URLs are derived from the
// server address.
func (u *Upstream) AddRelease(rel FakeRelease) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.releases = append(u.releases, rel)
}

// SetPageSize spreads the listing over pages of n releases to exercise
// pagination (0 means everything in one page).
func (u *Upstream) SetPageSize(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pageSize = n
}

// FailListings makes the next n listing requests return 500.
func (u *Upstream) FailListings(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.listFailures = n
}

// FailAssetDownloads makes the next n downloads of the named asset return 500.
func (u *Upstream) FailAssetDownloads(name string, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.assetFailures[name] = n
}

// ListCalls returns how many listing requests were served (including failures).
func (u *Upstream) ListCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listCalls
}

// DownloadCalls returns how many download requests were served for an asset.
func (u *Upstream) DownloadCalls(name string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.downloadCalls[name]
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/download/"):
		u.handleDownload(w, r)
	case strings.HasPrefix(r.URL.Path, "/repos/") && strings.HasSuffix(r.URL.Path, "/releases"):
		u.handleList(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (u *Upstream) handleList(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.listCalls++
	if u.listFailures > 0 {
		u.listFailures--
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		page, _ = strconv.Atoi(p)
	}

	releases := u.releases
	if u.pageSize > 0 {
		start := (page - 1) * u.pageSize
		if start > len(releases) {
			start = len(releases)
		}
		end := start + u.pageSize
		if end > len(releases) {
			end = len(releases)
		}
		if end < len(u.releases) {
			next := fmt.Sprintf("<%s%s?page=%d>; rel=\"next\"", u.Server.URL, r.URL.Path, page+1)
			w.Header().Set("Link", next)
		}
		releases = releases[start:end]
	}

	type assetJSON struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int    `json:"size"`
	}
	type releaseJSON struct {
		TagName    string      `json:"tag_name"`
		Draft      bool        `json:"draft"`
		Prerelease bool        `json:"prerelease"`
		Assets     []assetJSON `json:"assets"`
	}

	body := make([]releaseJSON, 0, len(releases))
	for _, rel := range releases {
		rj := releaseJSON{
			TagName:    rel.Tag,
			Draft:      rel.Draft,
			Prerelease: rel.Prerelease,
		}
		for name, content := range rel.Assets {
			rj.Assets = append(rj.Assets, assetJSON{
				Name:               name,
				BrowserDownloadURL: fmt.Sprintf("%s/download/%s/%s", u.Server.URL, rel.Tag, name),
				Size:               len(content),
			})
		}
		body = append(body, rj)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (u *Upstream) handleDownload(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/download/"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	tag, name := parts[0], parts[1]

	u.mu.Lock()
	u.downloadCalls[name]++
	if u.assetFailures[name] > 0 {
		u.assetFailures[name]--
		u.mu.Unlock()
		http.Error(w, "download failed", http.StatusInternalServerError)
		return
	}

	var content []byte
	found := false
	for _, rel := range u.releases {
		if rel.Tag == tag {
			content, found = rel.Assets[name]
			break
		}
	}
	u.mu.Unlock()

	if !found {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(content)
}
