package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var ErrVersionCheckFailed = errors.New("version check failed")

const (
	latestReleaseURL    = "https://api.github.com/repos/airframesio/tripdata-sync/releases/latest"
	versionCheckTimeout = 5 * time.Second
	versionCacheExpiry  = 24 * time.Hour
)

// githubRelease is the subset of GitHub's latest release response we use
type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// VersionCheckResult contains the result of checking for updates
type VersionCheckResult struct {
	UpdateAvailable bool
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	Error           error
}

type versionCheckCache struct {
	UpdateAvailable bool      `json:"update_available"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	Timestamp       time.Time `json:"timestamp"`
}

// UpdateChecker looks up the latest published release, caching the answer
// in the state directory for a day.
type UpdateChecker struct {
	fs        afero.Fs
	client    *http.Client
	url       string
	cachePath string
	now       func() time.Time
}

func NewUpdateChecker(fs afero.Fs) *UpdateChecker {
	return &UpdateChecker{
		fs:        fs,
		client:    &http.Client{Timeout: versionCheckTimeout},
		url:       latestReleaseURL,
		cachePath: filepath.Join(GetStateDir(), "version_check.json"),
		now:       time.Now,
	}
}

// Check compares currentVersion with the latest release. Development builds
// are never checked.
func (u *UpdateChecker) Check(ctx context.Context, currentVersion string) VersionCheckResult {
	result := VersionCheckResult{CurrentVersion: currentVersion}
	if currentVersion == "dev" || currentVersion == "" {
		return result
	}

	if cached := u.readCache(); cached != nil && u.now().Sub(cached.Timestamp) < versionCacheExpiry {
		result.UpdateAvailable = cached.UpdateAvailable
		result.LatestVersion = cached.LatestVersion
		result.ReleaseURL = cached.ReleaseURL
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", "tripdata-sync/"+currentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to fetch latest release: %w", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
		return result
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = fmt.Errorf("failed to decode response: %w", err)
		return result
	}

	result.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = compareVersions(result.LatestVersion, strings.TrimPrefix(currentVersion, "v")) > 0

	u.writeCache(versionCheckCache{
		UpdateAvailable: result.UpdateAvailable,
		LatestVersion:   result.LatestVersion,
		ReleaseURL:      result.ReleaseURL,
		Timestamp:       u.now(),
	})
	return result
}

func (u *UpdateChecker) readCache() *versionCheckCache {
	data, err := afero.ReadFile(u.fs, u.cachePath)
	if err != nil {
		return nil
	}
	var cache versionCheckCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

func (u *UpdateChecker) writeCache(cache versionCheckCache) {
	if err := u.fs.MkdirAll(filepath.Dir(u.cachePath), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	_ = afero.WriteFile(u.fs, u.cachePath, data, 0o600)
}

// compareVersions compares two semantic version strings
// Returns: 1 if v1 > v2, -1 if v1 < v2, 0 if equal
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)

	for i := 0; i < 3; i++ {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion parses a semantic version string into [major, minor, patch]
func parseVersion(version string) [3]int {
	var parts [3]int
	components := strings.Split(version, ".")

	for i := 0; i < 3 && i < len(components); i++ {
		var num int
		_, _ = fmt.Sscanf(components[i], "%d", &num)
		parts[i] = num
	}

	return parts
}

func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		result.CurrentVersion,
		result.LatestVersion,
		result.ReleaseURL,
	)
}
