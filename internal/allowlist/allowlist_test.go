package allowlist

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls     int
	allowlist *Allowlist
	err       error
}

func (f *stubFetcher) Fetch(repo, releaseTag string) (*Allowlist, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.allowlist, nil
}

func validAllowlist() *Allowlist {
	return &Allowlist{
		Version:    "1.0",
		ReleaseTag: "v1.0.0",
		Measurements: map[string]any{
			"vm_image_id":      "img-123",
			"agent_dir_sha256": "abc",
			"sealed":           true,
		},
		ReportData:        "00ff",
		QuoteMeasurements: map[string]string{"mrtd": "aa"},
	}
}

func TestValidateRequiresVMImageID(t *testing.T) {
	list := validAllowlist()
	require.NoError(t, list.Validate())

	delete(list.Measurements, "vm_image_id")
	assert.Error(t, list.Validate())
}

func TestStoreCachesWithinTTL(t *testing.T) {
	fetcher := &stubFetcher{allowlist: validAllowlist()}
	store := NewStore(fetcher, time.Minute)

	first, err := store.Get("acme/demo", "v1.0.0")
	require.NoError(t, err)
	second, err := store.Get("acme/demo", "v1.0.0")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.calls)

	// Different release tag is a different cache key.
	_, err = store.Get("acme/demo", "v2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestStoreExpiresEntries(t *testing.T) {
	fetcher := &stubFetcher{allowlist: validAllowlist()}
	store := NewStore(fetcher, time.Minute)

	_, err := store.Get("acme/demo", "v1.0.0")
	require.NoError(t, err)

	// Age the cache past the TTL.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = store.Get("acme/demo", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestStoreDoesNotCacheFailures(t *testing.T) {
	fetcher := &stubFetcher{err: &FetchError{Reason: "boom"}}
	store := NewStore(fetcher, time.Minute)

	_, err := store.Get("acme/demo", "v1.0.0")
	require.Error(t, err)
	_, err = store.Get("acme/demo", "v1.0.0")
	require.Error(t, err)
	assert.Equal(t, 2, fetcher.calls, "failures retry on the next call")
}

func TestStoreRejectsAllowlistWithoutVMImageID(t *testing.T) {
	bad := validAllowlist()
	delete(bad.Measurements, "vm_image_id")
	store := NewStore(&stubFetcher{allowlist: bad}, time.Minute)

	_, err := store.Get("acme/demo", "v1.0.0")
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Reason, "vm_image_id")
}

func TestGitHubFetcher(t *testing.T) {
	var assetURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/demo/releases/tags/v1.0.0", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{"assets":[
			{"name":"other.txt","browser_download_url":"%s/dl/other"},
			{"name":"agent-attestation-allowlist.json","browser_download_url":"%s/dl/allowlist"}
		]}`, assetURL, assetURL)
	})
	mux.HandleFunc("/dl/allowlist", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"version":"1.0","release_tag":"v1.0.0",
			"measurements":{"vm_image_id":"img-123"},
			"report_data":"00ff",
			"quote_measurements":{"mrtd":"aa"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	assetURL = srv.URL

	fetcher := &GitHubFetcher{
		AssetName: "agent-attestation-allowlist.json",
		Token:     "tok",
		APIBase:   srv.URL,
	}
	list, err := fetcher.Fetch("acme/demo", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", list.ReleaseTag)
	assert.Equal(t, "img-123", list.Measurements["vm_image_id"])
	assert.Equal(t, "aa", list.QuoteMeasurements["mrtd"])
}

func TestGitHubFetcherMissingAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"assets":[]}`)
	}))
	defer srv.Close()

	fetcher := &GitHubFetcher{AssetName: "agent-attestation-allowlist.json", APIBase: srv.URL}
	_, err := fetcher.Fetch("acme/demo", "v1.0.0")
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Reason, "asset not found")
}
