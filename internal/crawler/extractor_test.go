package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractor_TitleAndLinks(t *testing.T) {
	body := []byte(`<html>
<head><title> Example News </title></head>
<body>
	<main><h1>Headline</h1><p>Body text.</p></main>
	<a href="/local/story">story</a>
	<a href="https://Other.COM/path#section">elsewhere</a>
	<a href="#top">anchor</a>
	<a href="javascript:void(0)">script</a>
	<a href="mailto:desk@example.com">mail</a>
	<a href="tel:+1555">phone</a>
	<a href="/report.pdf">download</a>
	<a href="/local/story">duplicate</a>
</body>
</html>`)

	page, err := NewExtractor().Extract("https://example.com/section", body)
	require.NoError(t, err)

	assert.Equal(t, "Example News", page.Title)
	assert.Equal(t, []string{
		"https://example.com/local/story",
		"https://other.com/path",
	}, page.Links)
}

func TestExtractor_MarkdownFromMainRegion(t *testing.T) {
	body := []byte(`<html><body>
	<nav>site navigation junk</nav>
	<main><h1>Headline</h1><p>The story text.</p></main>
	<footer>copyright junk</footer>
</body></html>`)

	page, err := NewExtractor().Extract("https://example.com/article", body)
	require.NoError(t, err)

	assert.Contains(t, page.Markdown, "Headline")
	assert.Contains(t, page.Markdown, "The story text.")
	assert.NotContains(t, page.Markdown, "navigation junk")
	assert.NotContains(t, page.Markdown, "copyright junk")
}

func TestExtractor_FallsBackToStrippedBody(t *testing.T) {
	body := []byte(`<html><body>
	<nav>menu entries</nav>
	<div class="sidebar-widget">related junk</div>
	<p>Just a paragraph of story text.</p>
	<script>var tracking = 1;</script>
</body></html>`)

	page, err := NewExtractor().Extract("https://example.com/plain", body)
	require.NoError(t, err)

	assert.Contains(t, page.Markdown, "Just a paragraph of story text.")
	assert.NotContains(t, page.Markdown, "menu entries")
	assert.NotContains(t, page.Markdown, "related junk")
	assert.NotContains(t, page.Markdown, "tracking")
}

func TestExtractor_RelativeLinksResolveAgainstPage(t *testing.T) {
	body := []byte(`<html><body>
	<a href="nested/page">relative</a>
	<a href="../up">parent</a>
</body></html>`)

	page, err := NewExtractor().Extract("https://example.com/news/today/", body)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/news/today/nested/page",
		"https://example.com/news/up",
	}, page.Links)
}

func TestExtractor_EmptyBody(t *testing.T) {
	page, err := NewExtractor().Extract("https://example.com", nil)
	require.NoError(t, err)

	assert.Empty(t, page.Title)
	assert.Empty(t, page.Links)
}

func TestIsFileDownload(t *testing.T) {
	assert.True(t, isFileDownload("https://example.com/report.PDF"))
	assert.True(t, isFileDownload("https://example.com/photo.jpg"))
	assert.False(t, isFileDownload("https://example.com/news/article"))
}
