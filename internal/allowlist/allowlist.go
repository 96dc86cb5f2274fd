// Package allowlist fetches and caches the release-pinned measurement
// allowlists agents must match to be admitted.
package allowlist

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Allowlist is the published expectation for one (repo, release_tag).
type Allowlist struct {
	Version           string            `json:"version"`
	ReleaseTag        string            `json:"release_tag"`
	CreatedAt         string            `json:"created_at"`
	Measurements      map[string]any    `json:"measurements"`
	ReportData        string            `json:"report_data"`
	QuoteMeasurements map[string]string `json:"quote_measurements"`
}

// Validate rejects allowlists that do not pin the VM image.
func (a *Allowlist) Validate() error {
	if _, ok := a.Measurements["vm_image_id"]; !ok {
		return fmt.Errorf("allowlist missing vm_image_id")
	}
	return nil
}

// FetchError wraps any failure while retrieving an allowlist; the reason
// surfaces to session verification as allowlist_fetch_failed:<reason>.
type FetchError struct {
	Reason string
}

func (e *FetchError) Error() string { return "allowlist fetch failed: " + e.Reason }

// Fetcher retrieves an allowlist for a (repo, release_tag).
type Fetcher interface {
	Fetch(repo, releaseTag string) (*Allowlist, error)
}

type cacheEntry struct {
	allowlist *Allowlist
	fetchedAt time.Time
}

// Store caches allowlists per (repo, release_tag) with a TTL. Fetch
// failures are not cached; the next call retries.
type Store struct {
	fetcher Fetcher
	ttl     time.Duration

	mu    sync.Mutex
	items map[string]cacheEntry
	now   func() time.Time
}

const defaultTTL = 300 * time.Second

func NewStore(fetcher Fetcher, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		fetcher: fetcher,
		ttl:     ttl,
		items:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(repo, releaseTag string) string { return repo + "@" + releaseTag }

// Get returns the cached allowlist or fetches and caches a fresh one.
func (s *Store) Get(repo, releaseTag string) (*Allowlist, error) {
	key := cacheKey(repo, releaseTag)

	s.mu.Lock()
	entry, ok := s.items[key]
	if ok && s.now().Sub(entry.fetchedAt) <= s.ttl {
		s.mu.Unlock()
		return entry.allowlist, nil
	}
	delete(s.items, key)
	s.mu.Unlock()

	allowlist, err := s.fetcher.Fetch(repo, releaseTag)
	if err != nil {
		return nil, err
	}
	if err := allowlist.Validate(); err != nil {
		return nil, &FetchError{Reason: err.Error()}
	}
	s.Put(repo, releaseTag, allowlist)
	return allowlist, nil
}

// Put stores an allowlist directly, stamping the fetch time.
func (s *Store) Put(repo, releaseTag string, allowlist *Allowlist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[cacheKey(repo, releaseTag)] = cacheEntry{allowlist: allowlist, fetchedAt: s.now()}
}

// GitHubFetcher locates the allowlist asset on the release with the given
// tag and downloads it.
type GitHubFetcher struct {
	AssetName string
	Token     string
	// APIBase overrides the GitHub API root, for tests.
	APIBase    string
	HTTPClient *http.Client
}

func (f *GitHubFetcher) apiBase() string {
	if f.APIBase != "" {
		return f.APIBase
	}
	return "https://api.github.com"
}

func (f *GitHubFetcher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (f *GitHubFetcher) get(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "easy-enclave-control-plane")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func (f *GitHubFetcher) Fetch(repo, releaseTag string) (*Allowlist, error) {
	releaseURL := fmt.Sprintf("%s/repos/%s/releases/tags/%s", f.apiBase(), repo, releaseTag)
	body, err := f.get(releaseURL)
	if err != nil {
		return nil, &FetchError{Reason: err.Error()}
	}

	var release struct {
		Assets []struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, &FetchError{Reason: "invalid release payload"}
	}

	assetURL := ""
	for _, asset := range release.Assets {
		if asset.Name == f.AssetName {
			assetURL = asset.BrowserDownloadURL
			break
		}
	}
	if assetURL == "" {
		return nil, &FetchError{Reason: "asset not found: " + f.AssetName}
	}

	data, err := f.get(assetURL)
	if err != nil {
		return nil, &FetchError{Reason: err.Error()}
	}
	var allowlist Allowlist
	if err := json.Unmarshal(data, &allowlist); err != nil {
		return nil, &FetchError{Reason: "invalid allowlist json"}
	}
	return &allowlist, nil
}
