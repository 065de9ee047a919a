package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/planner"
)

// Hub guessing bounds. The probe timeout caps how long a synchronous guess
// may hold an HTTP request; callers wanting more run the placehub-guess
// background task instead.
const (
	maxProbeTimeout    = 10 * time.Second
	defaultHubLimit    = 20
	patternFloorScore  = 0.25
	verifiedShapeScore = 0.6
)

// readinessThresholds gate hub guessing per domain. A domain is ready when
// at least two of the three signals clear their threshold; requiring all
// three would leave a fresh domain permanently blocked, since verified hubs
// only appear after a first guessing pass.
type readinessThresholds struct {
	MinFetches      int
	FetchWindow     time.Duration
	MinVerifiedHubs int
	MinPatterns     int
}

func defaultReadinessThresholds() readinessThresholds {
	return readinessThresholds{
		MinFetches:      20,
		FetchWindow:     30 * 24 * time.Hour,
		MinVerifiedHubs: 1,
		MinPatterns:     2,
	}
}

// readinessJudgment is the cached per-domain readiness snapshot kept in the
// KV store so repeated guessing passes skip the counting queries.
type readinessJudgment struct {
	Domain       string    `json:"domain"`
	Ready        bool      `json:"ready"`
	Fetches      int       `json:"fetches"`
	VerifiedHubs int       `json:"verified_hubs"`
	Patterns     int       `json:"patterns"`
	CheckedAt    time.Time `json:"checked_at"`
}

func readinessKey(domain string) string {
	return "readiness:" + domain
}

// GuessPlaceHubs proposes place hub URLs for each requested domain by
// instantiating the domain's learned URL templates and the shapes of its
// verified hubs with gazetteer place slugs. apply=false previews the diff;
// apply=true upserts candidate rows. Domains below the readiness thresholds
// are skipped; when no requested domain is ready the call fails with
// ErrDomainNotReady.
func (s *Service) GuessPlaceHubs(ctx context.Context, opts models.PlaceHubOptions) (*models.PlaceHubReport, error) {
	if err := s.validate.Struct(&opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHubOptions, err)
	}

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = []models.PlaceKind{models.PlaceKindCountry, models.PlaceKindRegion, models.PlaceKindCity}
	}
	for _, kind := range kinds {
		if !models.ValidPlaceKind(string(kind)) {
			return nil, fmt.Errorf("%w: unknown place kind %q", ErrInvalidHubOptions, kind)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHubLimit
	}

	timeout := opts.Timeout
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	report := &models.PlaceHubReport{Applied: opts.Apply}

	ready := 0
	storeFailures := 0
	for _, raw := range dedupeDomains(opts.Domains) {
		domainReport := s.guessDomain(ctx, raw, kinds, limit, opts.Apply)
		if domainReport.Error != "" {
			storeFailures++
		}
		if domainReport.Ready {
			ready++
		}
		report.TotalCandidates += len(domainReport.Candidates)
		if opts.Apply {
			// A failed apply truncates Candidates to the rows that landed
			report.TotalApplied += len(domainReport.Candidates)
		}
		report.Domains = append(report.Domains, domainReport)
	}
	report.Elapsed = time.Since(started)

	if len(report.Domains) > 0 && ready == 0 {
		if storeFailures == len(report.Domains) {
			return nil, fmt.Errorf("%w: readiness checks failed for all %d domains", ErrStoreUnavailable, storeFailures)
		}
		return nil, fmt.Errorf("%w: none of the %d requested domains meet the readiness thresholds", ErrDomainNotReady, len(report.Domains))
	}

	s.logger.Info().
		Int("domains", len(report.Domains)).
		Int("candidates", report.TotalCandidates).
		Int("applied", report.TotalApplied).
		Bool("apply", opts.Apply).
		Msg("Place hub guessing finished")
	return report, nil
}

// guessDomain runs one domain's readiness check, candidate generation, and
// optional upsert. Failures land in the report instead of aborting the batch.
func (s *Service) guessDomain(ctx context.Context, domain string, kinds []models.PlaceKind, limit int, apply bool) models.PlaceHubDomainReport {
	domainReport := models.PlaceHubDomainReport{Domain: domain}

	judgment, err := s.checkReadiness(ctx, domain)
	if err != nil {
		domainReport.Error = err.Error()
		return domainReport
	}
	domainReport.Ready = judgment.Ready
	if !judgment.Ready {
		domainReport.SkipReason = fmt.Sprintf(
			"needs 2 of 3 readiness signals: %d/%d fetches, %d/%d verified hubs, %d/%d patterns",
			judgment.Fetches, s.thresholds.MinFetches,
			judgment.VerifiedHubs, s.thresholds.MinVerifiedHubs,
			judgment.Patterns, s.thresholds.MinPatterns,
		)
		return domainReport
	}

	templates, err := s.hubTemplates(ctx, domain)
	if err != nil {
		domainReport.Error = err.Error()
		return domainReport
	}

	existing, err := s.storage.PlaceHubs().GetHubs(ctx, domain)
	if err != nil {
		domainReport.Error = fmt.Sprintf("failed to load existing hubs: %v", err)
		return domainReport
	}
	domainReport.Existing = len(existing)
	known := make(map[string]struct{}, len(existing))
	for _, hub := range existing {
		known[hub.URL] = struct{}{}
	}

	places, err := s.hubPlaces(ctx, kinds, limit)
	if err != nil {
		domainReport.Error = err.Error()
		return domainReport
	}

	now := time.Now().UTC()
	emitted := make(map[string]struct{})
generate:
	for _, tmpl := range templates {
		for _, place := range places {
			for _, candidateURL := range planner.InstantiateTemplate(tmpl.template, []string{place.Slug()}) {
				if _, dup := emitted[candidateURL]; dup {
					continue
				}
				emitted[candidateURL] = struct{}{}
				if _, exists := known[candidateURL]; exists {
					domainReport.Skipped++
					continue
				}
				domainReport.Candidates = append(domainReport.Candidates, models.PlaceHub{
					ID:        uuid.New().String(),
					Domain:    domain,
					PlaceKind: place.Kind,
					PlaceName: place.Name,
					URL:       candidateURL,
					Status:    models.HubStatusCandidate,
					Score:     tmpl.score,
					Evidence: map[string]interface{}{
						"template": tmpl.template,
						"source":   tmpl.source,
						"place_id": place.ID,
					},
					CreatedAt: now,
					UpdatedAt: now,
				})
				if len(domainReport.Candidates) >= limit {
					break generate
				}
			}
		}
	}

	if apply {
		for i := range domainReport.Candidates {
			if err := s.storage.PlaceHubs().UpsertHub(ctx, &domainReport.Candidates[i]); err != nil {
				domainReport.Error = fmt.Sprintf("failed to apply candidates: %v", err)
				domainReport.Candidates = domainReport.Candidates[:i]
				break
			}
		}
	}
	return domainReport
}

// scoredTemplate is one URL shape hub guessing can instantiate
type scoredTemplate struct {
	template string
	score    float64
	source   string
}

// hubTemplates collects the domain's URL shapes: learned patterns first,
// then shapes derived from already-verified hub pages (hub-gap analysis:
// a shape that produced one verified hub likely covers sibling places).
func (s *Service) hubTemplates(ctx context.Context, domain string) ([]scoredTemplate, error) {
	best := make(map[string]scoredTemplate)

	patterns, err := s.storage.Patterns().GetPatterns(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	for _, p := range patterns {
		score := p.HitRate()
		if score < patternFloorScore {
			score = patternFloorScore
		}
		keepBestTemplate(best, scoredTemplate{template: p.Template, score: score, source: "pattern"})
	}

	verified, err := s.storage.PlaceHubs().GetVerifiedHubs(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load verified hubs: %w", err)
	}
	for _, hub := range verified {
		template, ok := hubShapeTemplate(hub)
		if !ok {
			continue
		}
		keepBestTemplate(best, scoredTemplate{template: template, score: verifiedShapeScore, source: "verified-hub"})
	}

	templates := make([]scoredTemplate, 0, len(best))
	for _, tmpl := range best {
		templates = append(templates, tmpl)
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].score != templates[j].score {
			return templates[i].score > templates[j].score
		}
		return templates[i].template < templates[j].template
	})
	return templates, nil
}

func keepBestTemplate(best map[string]scoredTemplate, tmpl scoredTemplate) {
	if existing, ok := best[tmpl.template]; ok && existing.score >= tmpl.score {
		return
	}
	best[tmpl.template] = tmpl
}

// hubShapeTemplate turns a verified hub URL back into a template by swapping
// the place's slug segment for the placeholder. Knowing which place the hub
// serves beats generic shape derivation: a single-word place name ("france")
// looks like a literal section name to the path classifier.
func hubShapeTemplate(hub *models.PlaceHub) (string, bool) {
	slug := models.Slugify(hub.PlaceName)
	if slug == "" {
		return "", false
	}
	if trimmed, found := strings.CutSuffix(hub.URL, "/"+slug); found {
		return trimmed + "/{slug}", true
	}
	// Slug mid-path ("/world/france/news"): replace that one segment
	marker := "/" + slug + "/"
	if idx := strings.Index(hub.URL, marker); idx >= 0 {
		return hub.URL[:idx] + "/{slug}/" + hub.URL[idx+len(marker):], true
	}
	// Fall back to generic derivation for hyphenated or long place slugs
	template, _, err := planner.DeriveTemplate(hub.URL)
	if err != nil || !strings.Contains(template, "{slug}") {
		return "", false
	}
	return template, true
}

// hubPlaces pulls gazetteer entries for the requested kinds, largest first
func (s *Service) hubPlaces(ctx context.Context, kinds []models.PlaceKind, limit int) ([]*models.Place, error) {
	var places []*models.Place
	for _, kind := range kinds {
		found, err := s.storage.Places().FindPlaces(ctx, kind, "", limit)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s places: %w", kind, err)
		}
		places = append(places, found...)
	}
	return places, nil
}

// checkReadiness returns the domain's readiness judgment, recomputing it when
// the cached copy is missing or older than the TTL.
func (s *Service) checkReadiness(ctx context.Context, domain string) (*readinessJudgment, error) {
	var cached readinessJudgment
	err := s.storage.KV().Get(ctx, readinessKey(domain), &cached)
	if err == nil && time.Since(cached.CheckedAt) < s.readinessTTL {
		return &cached, nil
	}
	if err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
		s.logger.Debug().Err(err).Str("domain", domain).Msg("Readiness cache read failed, recomputing")
	}

	fetches, err := s.storage.FetchHistory().CountFetches(ctx, domain, time.Now().Add(-s.thresholds.FetchWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count fetches for %s: %w", domain, err)
	}
	verified, err := s.storage.PlaceHubs().CountHubs(ctx, domain, models.HubStatusVerified)
	if err != nil {
		return nil, fmt.Errorf("failed to count verified hubs for %s: %w", domain, err)
	}
	patterns, err := s.storage.Patterns().GetPatterns(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns for %s: %w", domain, err)
	}

	judgment := &readinessJudgment{
		Domain:       domain,
		Fetches:      fetches,
		VerifiedHubs: verified,
		Patterns:     len(patterns),
		CheckedAt:    time.Now().UTC(),
	}
	signals := 0
	if judgment.Fetches >= s.thresholds.MinFetches {
		signals++
	}
	if judgment.VerifiedHubs >= s.thresholds.MinVerifiedHubs {
		signals++
	}
	if judgment.Patterns >= s.thresholds.MinPatterns {
		signals++
	}
	judgment.Ready = signals >= 2

	if err := s.storage.KV().Set(ctx, readinessKey(domain), judgment); err != nil {
		s.logger.Debug().Err(err).Str("domain", domain).Msg("Readiness cache write failed")
	}
	return judgment, nil
}

// dedupeDomains lowercases, trims, and de-duplicates while keeping order
func dedupeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
