// Package github adapts the GitHub releases API to the mirror's release
// source contract: enumerate published releases, stream asset bytes.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gh "github.com/google/go-github/v68/github"

	"github.com/schaermu/relsyncd/internal/release"
)

var (
	// ErrSourceUnavailable indicates the release listing could not be
	// fetched after retries; the whole sync pass aborts.
	ErrSourceUnavailable = errors.New("release source unavailable")

	// ErrAssetFetch indicates a single asset could not be downloaded after
	// retries; only the owning release is skipped for this pass.
	ErrAssetFetch = errors.New("asset fetch failed")
)

// Client provides read access to a repository's releases
type Client interface {
	// ListReleases enumerates all published releases with parseable
	// semver tags, in no particular order.
	ListReleases(ctx context.Context) ([]release.Release, error)

	// DownloadAsset fetches one asset to destPath, replacing any
	// existing file there.
	DownloadAsset(ctx context.Context, asset release.Asset, destPath string) error
}

// APIClient implements Client against the GitHub REST API
type APIClient struct {
	gh       *gh.Client
	http     *http.Client
	owner    string
	repo     string
	logger   *slog.Logger
	maxTries uint
	interval time.Duration
}

// Option configures an APIClient
type Option func(*APIClient)

// WithMaxTries sets the retry bound for listing and per-asset downloads
func WithMaxTries(n uint) Option {
	return func(c *APIClient) {
		c.maxTries = n
	}
}

// WithRetryInterval sets the initial backoff interval between retries
func WithRetryInterval(d time.Duration) Option {
	return func(c *APIClient) {
		c.interval = d
	}
}

// WithHTTPClient replaces the HTTP client used for API calls and downloads
func WithHTTPClient(hc *http.Client) Option {
	return func(c *APIClient) {
		c.http = hc
	}
}

// NewAPIClient creates a release source for the given repository. tokenFile
// may be empty for anonymous access; baseURL overrides the public API
// endpoint (GitHub Enterprise, tests).
func NewAPIClient(owner, repo, tokenFile, baseURL string, logger *slog.Logger, opts ...Option) (*APIClient, error) {
	c := &APIClient{
		owner:  owner,
		repo:   repo,
		logger: logger,
		// Downloads can be large; the sync pass context bounds the
		// total time instead of a per-request timeout.
		http:     &http.Client{},
		maxTries: 3,
		interval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.gh = gh.NewClient(c.http)

	if tokenFile != "" {
		token, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read token file: %w", err)
		}
		c.gh = c.gh.WithAuthToken(strings.TrimSpace(string(token)))
	}

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid API base URL: %w", err)
		}
		c.gh.BaseURL = parsed
	}

	return c, nil
}

// ListReleases fetches every page of published releases. Draft and
// prerelease entries are ignored, as are tags that do not parse as X.Y.Z;
// a bad tag never aborts the listing.
func (c *APIClient) ListReleases(ctx context.Context) ([]release.Release, error) {
	releases, err := backoff.Retry(ctx, func() ([]release.Release, error) {
		return c.listOnce(ctx)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing releases for %s/%s: %v", ErrSourceUnavailable, c.owner, c.repo, err)
	}
	return releases, nil
}

func (c *APIClient) listOnce(ctx context.Context) ([]release.Release, error) {
	var out []release.Release

	opts := &gh.ListOptions{PerPage: 100}
	for {
		page, resp, err := c.gh.Repositories.ListReleases(ctx, c.owner, c.repo, opts)
		if err != nil {
			var ghErr *gh.ErrorResponse
			if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
				// Nothing to retry: the repository does not exist.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		for _, r := range page {
			if r.GetDraft() || r.GetPrerelease() {
				continue
			}

			v, err := release.ParseTag(r.GetTagName())
			if err != nil {
				c.logger.Warn("skipping release with unparseable tag",
					"tag", r.GetTagName(),
					"error", err)
				continue
			}

			rel := release.Release{Version: v}
			for _, a := range r.Assets {
				rel.Assets = append(rel.Assets, release.Asset{
					Name:        a.GetName(),
					DownloadURL: a.GetBrowserDownloadURL(),
					Size:        int64(a.GetSize()),
				})
			}
			out = append(out, rel)
		}

		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// DownloadAsset streams one asset to destPath. Each retry attempt replaces
// the destination file, so a failed attempt never leaves truncated bytes
// behind for the next one to append to.
func (c *APIClient) DownloadAsset(ctx context.Context, asset release.Asset, destPath string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.downloadOnce(ctx, asset, destPath)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAssetFetch, asset.Name, err)
	}
	return nil
}

func (c *APIClient) downloadOnce(ctx context.Context, asset release.Asset, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s returned status %d", asset.DownloadURL, resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return backoff.Permanent(err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *APIClient) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.interval
	return bo
}
