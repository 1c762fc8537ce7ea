package civitai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madeofus/scanner/internal/crawl"
	"github.com/madeofus/scanner/internal/errs"
	"github.com/madeofus/scanner/internal/ratelimit"
)

func testProvider(t *testing.T, baseURL string, opts Options) *Provider {
	t.Helper()
	opts.BaseURL = baseURL
	if opts.MaxPages == 0 {
		opts.MaxPages = 2
	}
	p := New(opts, ratelimit.NewRegistry(ratelimit.Limits{TokensPerSecond: 1000, Burst: 1000}, nil))
	p.retry = errs.RetryConfig{Attempts: 3, Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond}
	return p
}

func TestMaxPagesFollowsDamageTier(t *testing.T) {
	p := testProvider(t, "http://x", Options{
		MaxPages:          3,
		HighDamagePages:   10,
		MediumDamagePages: 5,
		LowDamagePages:    2,
		TagsHigh:          []string{"deepfake"},
		TagsMedium:        []string{"portrait"},
		TagsLow:           []string{"landscape"},
	})

	assert.Equal(t, 10, p.MaxPages("deepfake"))
	assert.Equal(t, 5, p.MaxPages("portrait"))
	assert.Equal(t, 2, p.MaxPages("landscape"))
	assert.Equal(t, 3, p.MaxPages("unknown-tag"))
}

func TestTagOrderHighDamageFirst(t *testing.T) {
	p := testProvider(t, "http://x", Options{
		TagsHigh:   []string{"a", "b"},
		TagsMedium: []string{"c"},
		TagsLow:    []string{"d"},
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, p.terms)
}

func TestDiscoverPaginatesAndMapsRows(t *testing.T) {
	next := "page-2-cursor"
	responses := []apiPage{
		{
			Items: []apiImage{
				{ID: 11, URL: "https://cdn.example/11.jpg", Width: 800, Height: 600},
				{ID: 12, URL: "https://cdn.example/12.jpg", Width: 1024, Height: 768},
			},
		},
		{
			Items: []apiImage{{ID: 13, URL: "https://cdn.example/13.jpg", Width: 512, Height: 512}},
		},
	}
	responses[0].Metadata.NextCursor = &next

	var gotCursors []string
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/images", r.URL.Path)
		assert.Equal(t, "deepfake", r.URL.Query().Get("tags"))
		gotCursors = append(gotCursors, r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(responses[call])
		call++
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL, Options{MaxPages: 5, TagsLow: []string{"deepfake"}, LowDamagePages: 5})

	result, err := p.Discover(context.Background(), crawl.Request{})
	require.NoError(t, err)

	require.Len(t, result.Images, 3)
	assert.Equal(t, "https://cdn.example/11.jpg", result.Images[0].SourceURL)
	assert.Equal(t, srv.URL+"/images/11", result.Images[0].PageURL)
	assert.Equal(t, "deepfake", result.Images[0].PageTitle)
	assert.Equal(t, SourceName, result.Images[0].Platform)
	require.NotNil(t, result.Images[0].Width)
	assert.Equal(t, 800, *result.Images[0].Width)

	assert.Equal(t, []string{"", "page-2-cursor"}, gotCursors)

	// Second page had no next cursor: the tag is exhausted.
	cur, ok := result.Cursors.Tags["deepfake"]
	require.True(t, ok)
	assert.Nil(t, cur)
	assert.Equal(t, 1, result.TagsAttempted)
}

func TestDiscoverEmptyPageEndsTerm(t *testing.T) {
	stale := "stale-cursor"
	page := apiPage{}
	page.Metadata.NextCursor = &stale

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL, Options{MaxPages: 3, TagsLow: []string{"t"}, LowDamagePages: 3})
	result, err := p.Discover(context.Background(), crawl.Request{})
	require.NoError(t, err)
	assert.Empty(t, result.Images)

	cur, ok := result.Cursors.Tags["t"]
	require.True(t, ok)
	assert.Nil(t, cur, "empty item page exhausts the tag even if a cursor came back")
}

func TestFetchPageRetriesTransientServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(apiPage{Items: []apiImage{{ID: 7, URL: "https://cdn.example/7.jpg"}}})
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL, Options{MaxPages: 1, TagsLow: []string{"t"}, LowDamagePages: 1})
	page, err := p.fetchPage(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, page.Images, 1)
}

func TestFetchPageDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := testProvider(t, srv.URL, Options{MaxPages: 1, TagsLow: []string{"t"}, LowDamagePages: 1})
	_, err := p.fetchPage(context.Background(), "t", nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDiscoverAPIFailureKeepsSavedCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	saved := "resume"
	p := testProvider(t, srv.URL, Options{MaxPages: 1, TagsLow: []string{"t"}, LowDamagePages: 1})
	result, err := p.Discover(context.Background(), crawl.Request{
		Cursor: crawl.CursorState{Tags: map[string]*string{"t": &saved}},
	})
	require.NoError(t, err, "per-term API errors are absorbed, not fatal")
	_, touched := result.Cursors.Tags["t"]
	assert.False(t, touched)
}

func TestProbeURLRewritesTransformSegment(t *testing.T) {
	var p Prober

	got, ok := p.ProbeURL("https://image.civitai.com/xG1n/abc-def/width=1024/img.jpeg")
	require.True(t, ok)
	assert.Equal(t, "https://image.civitai.com/xG1n/abc-def/width=450/img.jpeg", got)

	got, ok = p.ProbeURL("https://image.civitai.com/xG1n/abc-def/original.jpeg")
	require.True(t, ok)
	assert.Equal(t, "https://image.civitai.com/xG1n/abc-def/width=450/original.jpeg", got)

	_, ok = p.ProbeURL("https://image.civitai.com/xG1n/abc-def/")
	assert.False(t, ok)
}
