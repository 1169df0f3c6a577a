// Package update polls GitHub for new dashboard releases so the header can
// offer an update.
package update

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/mod/semver"
)

// Polling defaults.
const (
	DefaultBaseURL   = "https://api.github.com"
	DefaultInterval  = 24 * time.Hour
	DefaultDelay     = 30 * time.Second
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 2
	DefaultRetryWait = time.Minute
)

// Options tunes a Checker. Zero values select defaults.
type Options struct {
	BaseURL   string
	Interval  time.Duration
	Delay     time.Duration // before the first check
	Retries   int
	RetryWait time.Duration
	UserAgent string

	// OnUpdate is called when a check finds a release newer than the
	// running version that was not reported before.
	OnUpdate func(latest string)
}

// Checker tracks the latest published release of a repository. It is safe
// for concurrent use.
type Checker struct {
	repo    string
	current string
	opts    Options
	client  *retryablehttp.Client

	mu       sync.RWMutex
	latest   string
	etag     string
	reported string
}

// New returns a Checker for the owner/repo repository running version
// current. With an empty repo, Run returns immediately.
func New(repo, current string, opts Options) *Checker {
	opts.BaseURL = strings.TrimSuffix(cmp.Or(opts.BaseURL, DefaultBaseURL), "/")
	opts.Interval = cmp.Or(opts.Interval, DefaultInterval)
	opts.Delay = cmp.Or(opts.Delay, DefaultDelay)
	opts.Retries = cmp.Or(opts.Retries, DefaultRetries)
	opts.RetryWait = cmp.Or(opts.RetryWait, DefaultRetryWait)
	opts.UserAgent = cmp.Or(opts.UserAgent, "auris/"+current)

	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.RetryWaitMin = opts.RetryWait
	client.RetryWaitMax = opts.RetryWait
	client.HTTPClient.Timeout = DefaultTimeout
	client.Logger = nil
	client.CheckRetry = retryRateLimited
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Checker{repo: repo, current: Normalize(current), opts: opts, client: client}
}

// retryRateLimited extends the default policy to GitHub's rate limit
// answers, which come back as 403 or 429.
func retryRateLimited(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
		return ctx.Err() == nil, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Run checks after the initial delay and then on every interval until ctx
// is done.
func (c *Checker) Run(ctx context.Context) {
	if c.repo == "" {
		return
	}

	timer := time.NewTimer(c.opts.Delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := c.Check(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("update check failed", "repo", c.repo, "error", err)
		}
		timer.Reset(c.opts.Interval)
	}
}

type release struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// Check fetches the latest release once. A repository without releases and
// an unchanged release (304) are not errors.
func (c *Checker) Check(ctx context.Context) error {
	url := c.opts.BaseURL + "/repos/" + c.repo + "/releases/latest"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	c.mu.RLock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Response body read-only

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("fetch release: %s", resp.Status)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return fmt.Errorf("decode release: %w", err)
	}
	if rel.Draft || rel.Prerelease {
		return nil
	}
	if rel.TagName == "" {
		return errors.New("release has no tag")
	}

	latest := Normalize(rel.TagName)
	c.mu.Lock()
	c.latest = latest
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.etag = etag
	}
	notify := c.updateAvailableLocked() && c.reported != latest
	if notify {
		c.reported = latest
	}
	c.mu.Unlock()

	if notify {
		slog.Info("update available", "current", c.current, "latest", latest)
		if c.opts.OnUpdate != nil {
			c.opts.OnUpdate(latest)
		}
	}
	return nil
}

// Latest returns the latest known release, or "" before the first
// successful check.
func (c *Checker) Latest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// UpdateAvailable reports whether the latest release is newer than the
// running version. Development builds never report updates.
func (c *Checker) UpdateAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateAvailableLocked()
}

func (c *Checker) updateAvailableLocked() bool {
	if c.latest == "" || c.current == "dev" || c.current == "unknown" {
		return false
	}
	return Newer(c.latest, c.current)
}

// Normalize strips whitespace and a leading "v".
func Normalize(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// Newer reports whether latest is a higher semantic version than current.
// Versions that do not parse never compare as newer.
func Newer(latest, current string) bool {
	l, c := "v"+Normalize(latest), "v"+Normalize(current)
	if !semver.IsValid(l) || !semver.IsValid(c) {
		return false
	}
	return semver.Compare(l, c) > 0
}
