package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/logging"
)

const (
	// ReleasesURL lists the agent's GitHub releases, newest first.
	ReleasesURL = "https://api.github.com/repos/SimplyPrint/mifare-agent/releases?per_page=20"
	// CacheDuration is how long a check result is reused.
	CacheDuration = 30 * time.Minute
	// RequestTimeout bounds a single GitHub request.
	RequestTimeout = 10 * time.Second
	UserAgent      = "mifare-agent-updater"
	// MaxReleaseNotesLength caps the notes returned to clients.
	MaxReleaseNotesLength = 500
)

// Agent release tags are v1.2.3; other tools in the same repo use prefixes.
var releaseTagPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Assets      []Asset   `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// UpdateInfo is the outcome of a check. Failures are reported in Error so
// callers can show them without treating the check as fatal.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker queries GitHub for newer releases and caches the answer.
type Checker struct {
	currentVersion string
	url            string
	httpClient     *http.Client

	mu           sync.Mutex
	cachedResult *UpdateInfo
	cacheExpiry  time.Time
}

func NewChecker(currentVersion string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		url:            ReleasesURL,
		httpClient:     &http.Client{Timeout: RequestTimeout},
	}
}

// SetURL points the checker at another releases endpoint.
func (c *Checker) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.cachedResult = nil
	c.mu.Unlock()
}

// Check returns the cached result unless it expired or force is set.
func (c *Checker) Check(ctx context.Context, force bool) *UpdateInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.cachedResult != nil && time.Now().Before(c.cacheExpiry) {
		result := *c.cachedResult
		return &result
	}

	result := c.fetch(ctx)
	if result.Error != "" {
		logging.Warn(logging.CatSystem, "Update check failed", map[string]any{
			"error": result.Error,
		})
	} else if result.Available {
		logging.Info(logging.CatSystem, "Update available", map[string]any{
			"current": result.CurrentVersion,
			"latest":  result.LatestVersion,
		})
	}

	c.cachedResult = result
	c.cacheExpiry = time.Now().Add(CacheDuration)
	copied := *result
	return &copied
}

func (c *Checker) fetch(ctx context.Context) *UpdateInfo {
	current := ParseVersion(c.currentVersion)
	info := &UpdateInfo{
		CurrentVersion: c.currentVersion,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      time.Now(),
		IsDev:          current.IsDev(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		info.Error = fmt.Sprintf("failed to create request: %v", err)
		return info
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		info.Error = fmt.Sprintf("failed to fetch release info: %v", err)
		return info
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		info.Error = "rate limited by GitHub API, try again later"
		return info
	case http.StatusNotFound:
		info.Error = "no releases found"
		return info
	default:
		info.Error = fmt.Sprintf("GitHub API returned status %d", resp.StatusCode)
		return info
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		info.Error = fmt.Sprintf("failed to parse release info: %v", err)
		return info
	}

	release := latestRelease(releases)
	if release == nil {
		info.Error = "no agent releases found"
		return info
	}

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	published := release.PublishedAt
	info.PublishedAt = &published
	info.DownloadURL = findDownloadURL(release.Assets, runtime.GOOS, runtime.GOARCH)
	// Dev builds are usually ahead of the last tag.
	info.Available = !info.IsDev && current.IsOlderThan(ParseVersion(release.TagName))
	return info
}

// latestRelease picks the first non-draft agent release. GitHub returns
// releases newest first.
func latestRelease(releases []Release) *Release {
	for i := range releases {
		if releases[i].Draft || !releaseTagPattern.MatchString(releases[i].TagName) {
			continue
		}
		return &releases[i]
	}
	return nil
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x64"},
	"arm64": {"arm64", "aarch64"},
	"386":   {"386", "i386", "x86"},
}

var preferredExtensions = map[string][]string{
	"darwin":  {".tar.gz", ".zip"},
	"windows": {".zip", ".exe"},
	"linux":   {".tar.gz", ".deb", ".rpm", ".zip"},
}

// findDownloadURL returns the best asset for goos/goarch, preferring the
// archive formats listed first in preferredExtensions.
func findDownloadURL(assets []Asset, goos, goarch string) string {
	archNames := archAliases[goarch]
	if archNames == nil {
		archNames = []string{goarch}
	}
	extensions := preferredExtensions[goos]
	if extensions == nil {
		extensions = []string{".tar.gz", ".zip"}
	}

	best, bestScore := "", len(extensions)+1
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !matchesOS(name, goos) {
			continue
		}
		archMatch := goos == "darwin" && strings.Contains(name, "universal")
		for _, a := range archNames {
			if strings.Contains(name, a) {
				archMatch = true
				break
			}
		}
		if !archMatch {
			continue
		}

		score := len(extensions)
		for i, ext := range extensions {
			if strings.HasSuffix(name, ext) {
				score = i
				break
			}
		}
		if score < bestScore {
			best, bestScore = asset.BrowserDownloadURL, score
		}
	}
	return best
}

func matchesOS(name, goos string) bool {
	switch goos {
	case "darwin":
		return strings.Contains(name, "darwin") || strings.Contains(name, "macos")
	case "windows":
		return strings.Contains(name, "windows")
	default:
		return strings.Contains(name, goos)
	}
}

func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	return notes[:maxLen] + "..."
}

// ClearCache forgets the last result.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cachedResult = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}
