package models

import "time"

// PlaceKind classifies gazetteer entries by administrative level
type PlaceKind string

const (
	PlaceKindContinent PlaceKind = "continent"
	PlaceKindCountry   PlaceKind = "country"
	PlaceKindRegion    PlaceKind = "region"
	PlaceKindCity      PlaceKind = "city"
)

// ValidPlaceKind reports whether a string names a known place kind
func ValidPlaceKind(s string) bool {
	switch PlaceKind(s) {
	case PlaceKindContinent, PlaceKindCountry, PlaceKindRegion, PlaceKindCity:
		return true
	}
	return false
}

// Place is one gazetteer entry. Stored in Badger via badgerhold; the
// badgerhold tags index the lookup fields hub guessing filters on.
type Place struct {
	ID          string    `json:"id" badgerhold:"key"`
	Kind        PlaceKind `json:"kind" badgerholdIndex:"Kind"`
	Name        string    `json:"name" badgerholdIndex:"Name"`
	CountryCode string    `json:"country_code,omitempty" badgerholdIndex:"CountryCode"`
	Aliases     []string  `json:"aliases,omitempty"`
	Population  int64     `json:"population,omitempty"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	Source      string    `json:"source,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Slug returns the URL-safe lowercase form of the place name
func (p *Place) Slug() string {
	return Slugify(p.Name)
}

// Place hub statuses
const (
	HubStatusCandidate = "candidate"
	HubStatusVerified  = "verified"
)

// PlaceHub is a (domain, place) landing page, either guessed (candidate) or
// confirmed by a successful crawl (verified). Verified hubs seed geographic
// crawls and count toward domain readiness.
type PlaceHub struct {
	ID        string                 `json:"id"`
	Domain    string                 `json:"domain"`
	PlaceKind PlaceKind              `json:"place_kind"`
	PlaceName string                 `json:"place_name"`
	URL       string                 `json:"url"`
	Status    string                 `json:"status"`
	Score     float64                `json:"score"`
	Evidence  map[string]interface{} `json:"evidence,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PlaceHubOptions parameterize a hub-guessing pass
type PlaceHubOptions struct {
	Domains []string      `json:"domains" validate:"required,min=1"`
	Kinds   []PlaceKind   `json:"kinds,omitempty"`
	Limit   int           `json:"limit,omitempty" validate:"omitempty,min=1"`
	Apply   bool          `json:"apply,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// PlaceHubDomainReport summarizes guessing for one domain
type PlaceHubDomainReport struct {
	Domain     string     `json:"domain"`
	Ready      bool       `json:"ready"`
	Candidates []PlaceHub `json:"candidates,omitempty"`
	Existing   int        `json:"existing"`
	Skipped    int        `json:"skipped"`
	SkipReason string     `json:"skip_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// PlaceHubReport is the full result of a hub-guessing pass
type PlaceHubReport struct {
	Domains         []PlaceHubDomainReport `json:"domains"`
	TotalCandidates int                    `json:"total_candidates"`
	TotalApplied    int                    `json:"total_applied"`
	Applied         bool                   `json:"applied"`
	Elapsed         time.Duration          `json:"elapsed"`
}

// Slugify lowercases a name and replaces separator runs with hyphens,
// dropping everything else non-alphanumeric.
func Slugify(name string) string {
	out := make([]rune, 0, len(name))
	lastHyphen := false
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
			lastHyphen = false
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			out = append(out, r)
			lastHyphen = false
		case r == ' ' || r == '-' || r == '_':
			if !lastHyphen && len(out) > 0 {
				out = append(out, '-')
				lastHyphen = true
			}
		}
	}
	// Trim a trailing hyphen left by a separator at the end
	if n := len(out); n > 0 && out[n-1] == '-' {
		out = out[:n-1]
	}
	return string(out)
}
