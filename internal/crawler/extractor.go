package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"
)

// Page is the extracted content of one fetched document
type Page struct {
	Title    string
	Markdown string
	Links    []string
}

// Extractor parses fetched HTML into the pieces the crawl persists: the
// title, a markdown rendering of the main content, and the outbound links.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses one page. Markdown conversion failures degrade to an empty
// markdown body rather than failing the page; a document with links but no
// rendered content still advances the crawl.
func (e *Extractor) Extract(pageURL string, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	page := &Page{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Links: extractLinks(doc, pageURL),
	}

	content := mainContent(doc)
	html, err := goquery.OuterHtml(content)
	if err != nil {
		log.Warn().Err(err).Str("url", pageURL).Msg("Failed to reserialize main content")
		return page, nil
	}

	converter := md.NewConverter(pageURL, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		log.Warn().Err(err).Str("url", pageURL).Msg("Failed to convert page to markdown")
		return page, nil
	}
	page.Markdown = strings.TrimSpace(markdown)
	return page, nil
}

// mainContent selects the content container: an explicit main/article region
// when the page has one, otherwise the body stripped of boilerplate.
func mainContent(doc *goquery.Document) *goquery.Selection {
	if main := doc.Find("main, article, [role=main]").First(); main.Length() > 0 {
		return main
	}

	doc.Find("nav, header, footer, aside, script, style, noscript").Remove()
	doc.Find("[class*=ad], [id*=ad], [class*=promo], [class*=sidebar]").Remove()

	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

var downloadExtensions = []string{
	".pdf", ".zip", ".tar", ".gz", ".exe", ".dmg",
	".pkg", ".deb", ".rpm", ".iso", ".rar", ".7z",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".mp3", ".mp4",
}

// extractLinks resolves every anchor against the page URL, dropping
// non-navigational schemes, fragments, and file downloads. Order follows
// document order with duplicates removed.
func extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}

		parsed, err := url.Parse(href)
		if err != nil {
			return
		}

		resolved := base.ResolveReference(parsed)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		resolved.Scheme = strings.ToLower(resolved.Scheme)
		resolved.Host = strings.ToLower(resolved.Host)

		link := resolved.String()
		if isFileDownload(link) || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})

	return links
}

func isFileDownload(link string) bool {
	lower := strings.ToLower(link)
	for _, ext := range downloadExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
