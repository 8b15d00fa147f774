// Package update reports the nvrpanel build version and checks for newer
// recorder releases.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fentz26/nvrpanel/internal/fsutil"
)

const (
	// RecorderRepo is the repository whose releases are checked.
	RecorderRepo = "blakeblackshear/frigate"
	// GitHubAPIURL is the base of the GitHub REST API.
	GitHubAPIURL = "https://api.github.com"
	// CheckInterval is the minimum time between release checks.
	CheckInterval = 24 * time.Hour
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

// Release is the subset of a GitHub release response nvrpanel reads.
type Release struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Prerelease  bool   `json:"prerelease"`
}

// Cache stores the last release check.
type Cache struct {
	LastCheck     int64  `json:"last_check"`
	LatestVersion string `json:"latest_version"`
	URL           string `json:"url"`
}

// Result is the outcome of a release check.
type Result struct {
	Current   string `json:"current"`
	Latest    string `json:"latest"`
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
	Cached    bool   `json:"cached"`
}

// Checker compares the installed recorder version with the latest release.
type Checker struct {
	client    *resty.Client
	cachePath string
	cache     *Cache
}

// NewChecker creates a checker that caches results in dataDir.
func NewChecker(dataDir string) *Checker {
	c := resty.New().
		SetBaseURL(GitHubAPIURL).
		SetTimeout(5*time.Second).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", "nvrpanel/"+Version)
	ch := &Checker{client: c, cachePath: filepath.Join(dataDir, "release_cache.json")}
	_ = ch.loadCache()
	return ch
}

// SetBaseURL points the checker at another API host.
func (c *Checker) SetBaseURL(url string) {
	c.client.SetBaseURL(url)
}

// ShouldCheck returns true if enough time has passed since the last check.
func (c *Checker) ShouldCheck() bool {
	if c.cache == nil {
		return true
	}
	return time.Since(time.Unix(c.cache.LastCheck, 0)) > CheckInterval
}

// Check reports whether a release newer than current exists. A recent
// cached answer is reused unless force is set.
func (c *Checker) Check(ctx context.Context, current string, force bool) (*Result, error) {
	if !force && !c.ShouldCheck() && c.cache.LatestVersion != "" {
		return c.result(current, true), nil
	}

	var releases []Release
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("per_page", "10").
		SetResult(&releases).
		Get("/repos/" + RecorderRepo + "/releases")
	if err != nil {
		return nil, fmt.Errorf("failed to check for releases: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode())
	}

	var latest *Release
	for i := range releases {
		if !releases[i].Prerelease {
			latest = &releases[i]
			break
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no stable releases found")
	}

	c.cache = &Cache{
		LastCheck:     time.Now().Unix(),
		LatestVersion: strings.TrimPrefix(latest.TagName, "v"),
		URL:           latest.HTMLURL,
	}
	_ = c.saveCache()
	return c.result(current, false), nil
}

func (c *Checker) result(current string, cached bool) *Result {
	return &Result{
		Current:   current,
		Latest:    c.cache.LatestVersion,
		URL:       c.cache.URL,
		Available: Newer(c.cache.LatestVersion, current),
		Cached:    cached,
	}
}

// Newer reports whether version a is newer than b. Build suffixes such as
// "-2458f667" are ignored; unparseable versions are never newer.
func Newer(a, b string) bool {
	pa, ok := parse(a)
	if !ok {
		return false
	}
	pb, ok := parse(b)
	if !ok {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return pa[i] > pb[i]
		}
	}
	return false
}

func parse(v string) ([3]int, bool) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	v, _, _ = strings.Cut(v, "-")
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func (c *Checker) loadCache() error {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return err
	}
	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return err
	}
	c.cache = &cache
	return nil
}

func (c *Checker) saveCache() error {
	data, err := json.MarshalIndent(c.cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0700); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(c.cachePath, data, 0600)
}
