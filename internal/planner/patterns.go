package planner

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Path segment placeholders used in derived templates
const (
	segNum  = "{num}"
	segYear = "{year}"
	segSlug = "{slug}"
)

// DeriveTemplate generalizes a concrete URL into a reusable template and its
// path shape. "https://example.com/news/2024/flood-warning-issued" becomes
// template "https://example.com/news/{year}/{slug}" with path shape
// "/news/{year}/{slug}". The shape keys the cost estimator; the template is
// what the pattern store persists.
func DeriveTemplate(rawURL string) (template string, pathShape string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("cannot derive template: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", fmt.Errorf("cannot derive template from %q: missing scheme or host", rawURL)
	}

	pathShape = PathShape(parsed.Path)
	template = strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host) + pathShape
	return template, pathShape, nil
}

// PathShape rewrites a URL path with segment placeholders
func PathShape(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = classifySegment(segment)
	}
	return "/" + strings.Join(segments, "/")
}

// classifySegment maps one path segment to its placeholder class. Short
// plain words ("news", "world") stay literal; they are the stable section
// names templates pivot on.
func classifySegment(segment string) string {
	if segment == "" {
		return segment
	}
	if isYear(segment) {
		return segYear
	}
	if isDigits(segment) {
		return segNum
	}
	if strings.ContainsAny(segment, "-_.") || len(segment) > 24 {
		return segSlug
	}
	return strings.ToLower(segment)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isYear(s string) bool {
	if len(s) != 4 || !isDigits(s) {
		return false
	}
	return strings.HasPrefix(s, "19") || strings.HasPrefix(s, "20")
}

// InstantiateTemplate substitutes slug values into a template's placeholder
// segments, producing concrete candidate URLs. Templates without
// placeholders return themselves once; an empty slug list yields nothing
// for templates that need one.
func InstantiateTemplate(template string, slugs []string) []string {
	if !strings.Contains(template, "{") {
		return []string{template}
	}
	if len(slugs) == 0 {
		return nil
	}

	var out []string
	for _, slug := range slugs {
		candidate := strings.ReplaceAll(template, segSlug, slug)
		// Numeric placeholders cannot be guessed; skip templates that
		// still carry any after substitution
		if strings.Contains(candidate, "{") {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// RehostTemplate moves a template learned on one domain onto another,
// keeping the path shape. Used by cross-domain sharing. Templates carry
// literal placeholder braces, which url.URL would percent-encode on
// re-serialization, so the host swap is done on the raw string.
func RehostTemplate(template, newHost string) (string, error) {
	idx := strings.Index(template, "://")
	if idx < 0 || newHost == "" {
		return "", fmt.Errorf("cannot rehost template %q onto %q", template, newHost)
	}
	scheme := template[:idx]
	rest := template[idx+3:]
	path := "/"
	if slash := strings.Index(rest, "/"); slash >= 0 {
		path = rest[slash:]
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(newHost) + path, nil
}

func sortInt64s(values []int64) {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
}

func newPatternID() string {
	return uuid.New().String()
}

// urlPath returns the path component of a raw URL
func urlPath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return parsed.Path, nil
}
