package github

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, upstream *testutil.Upstream) *APIClient {
	t.Helper()
	client, err := NewAPIClient("owner", "repo", "", upstream.APIBaseURL(), testLogger(),
		WithRetryInterval(time.Millisecond))
	require.NoError(t, err)
	return client
}

func TestListReleases(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{
		Tag: "v1.0.0",
		Assets: map[string][]byte{
			"tool-1.0.0.tar.gz": []byte("v1 bytes"),
			"checksums.txt":     []byte("abcd tool-1.0.0.tar.gz\n"),
		},
	})
	upstream.AddRelease(testutil.FakeRelease{
		Tag:    "v1.1.0",
		Assets: map[string][]byte{"tool-1.1.0.tar.gz": []byte("v1.1 bytes")},
	})

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 2)

	byTag := map[string]release.Release{}
	for _, r := range releases {
		byTag[r.Version.RawTag] = r
	}

	v1 := byTag["v1.0.0"]
	assert.Equal(t, "1.0.0", v1.Version.String())
	require.Len(t, v1.Assets, 2)
	for _, a := range v1.Assets {
		assert.NotEmpty(t, a.DownloadURL)
		assert.Positive(t, a.Size)
	}
}

func TestListReleasesSkipsUnmirrorable(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{Tag: "v1.0.0"})
	upstream.AddRelease(testutil.FakeRelease{Tag: "nightly-build"})
	upstream.AddRelease(testutil.FakeRelease{Tag: "v2.0.0-rc1"})
	upstream.AddRelease(testutil.FakeRelease{Tag: "v2.0.0", Draft: true})
	upstream.AddRelease(testutil.FakeRelease{Tag: "v3.0.0", Prerelease: true})

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "1.0.0", releases[0].Version.String())
}

func TestListReleasesPaginates(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	for _, tag := range []string{"v1.0.0", "v1.1.0", "v1.2.0", "v2.0.0", "v2.1.0"} {
		upstream.AddRelease(testutil.FakeRelease{Tag: tag})
	}
	upstream.SetPageSize(2)

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)
	assert.Len(t, releases, 5)
}

func TestListReleasesRetriesThenSucceeds(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{Tag: "v1.0.0"})
	upstream.FailListings(2)

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)
	assert.Len(t, releases, 1)
	assert.Equal(t, 3, upstream.ListCalls())
}

func TestListReleasesSourceUnavailable(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{Tag: "v1.0.0"})
	upstream.FailListings(10)

	client := newTestClient(t, upstream)

	_, err := client.ListReleases(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	// Bounded retries: exactly maxTries attempts, not all ten.
	assert.Equal(t, 3, upstream.ListCalls())
}

func TestDownloadAsset(t *testing.T) {
	content := []byte("release asset bytes")
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{
		Tag:    "v1.0.0",
		Assets: map[string][]byte{"tool-1.0.0.tar.gz": content},
	})

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Len(t, releases[0].Assets, 1)

	dest := filepath.Join(t.TempDir(), "tool-1.0.0.tar.gz")
	err = client.DownloadAsset(context.Background(), releases[0].Assets[0], dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadAssetRetries(t *testing.T) {
	content := []byte("flaky asset")
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{
		Tag:    "v1.0.0",
		Assets: map[string][]byte{"tool.bin": content},
	})
	upstream.FailAssetDownloads("tool.bin", 2)

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "tool.bin")
	err = client.DownloadAsset(context.Background(), releases[0].Assets[0], dest)
	require.NoError(t, err)
	assert.Equal(t, 3, upstream.DownloadCalls("tool.bin"))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadAssetFailsAfterRetries(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.AddRelease(testutil.FakeRelease{
		Tag:    "v1.0.0",
		Assets: map[string][]byte{"tool.bin": []byte("never served")},
	})
	upstream.FailAssetDownloads("tool.bin", 10)

	client := newTestClient(t, upstream)

	releases, err := client.ListReleases(context.Background())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "tool.bin")
	err = client.DownloadAsset(context.Background(), releases[0].Assets[0], dest)
	require.ErrorIs(t, err, ErrAssetFetch)
	assert.Equal(t, 3, upstream.DownloadCalls("tool.bin"))
}

func TestNewAPIClientReadsTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("ghp_testtoken\n"), 0600))

	_, err := NewAPIClient("owner", "repo", tokenPath, "", testLogger())
	require.NoError(t, err)

	_, err = NewAPIClient("owner", "repo", filepath.Join(t.TempDir(), "missing"), "", testLogger())
	require.Error(t, err)
}
