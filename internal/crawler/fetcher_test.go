package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/nuntius/internal/common"
)

func TestFetcher_FetchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nuntius-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><p>hello</p></body></html>"))
	}))
	defer server.Close()

	f := NewFetcher(common.CrawlerConfig{UserAgent: "nuntius-test"})
	result, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "text/html", result.ContentType)
	assert.True(t, result.HTML())
	assert.True(t, result.Success())
	assert.Contains(t, string(result.Body), "hello")
	assert.GreaterOrEqual(t, result.DurationMS, int64(1))
	assert.False(t, result.Truncated)
}

func TestFetcher_NonHTMLContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"not":"html"}`))
	}))
	defer server.Close()

	f := NewFetcher(common.CrawlerConfig{})
	result, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, "application/json", result.ContentType)
	assert.False(t, result.HTML())
	assert.False(t, result.Success())
}

func TestFetcher_HTTPErrorIsNotATransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(common.CrawlerConfig{})
	result, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.False(t, result.Success())
}

func TestFetcher_TruncatesOversizedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	f := NewFetcher(common.CrawlerConfig{MaxBodySize: 16})
	result, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Len(t, result.Body, 16)
}

func TestFetcher_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	f := NewFetcher(common.CrawlerConfig{})
	result, err := f.Fetch(context.Background(), url)
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestFetcher_MissingContentTypeAssumedHTML(t *testing.T) {
	result := &FetchResult{StatusCode: 200, ContentType: ""}
	assert.True(t, result.HTML())
	assert.True(t, result.Success())
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "text/html", mediaType("Text/HTML; charset=utf-8"))
	assert.Equal(t, "application/xhtml+xml", mediaType("application/xhtml+xml"))
	assert.Equal(t, "", mediaType(""))
}
