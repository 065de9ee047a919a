package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
)

// Stage names recorded with every planning decision
const (
	StageSeed     = "seed"
	StageDiscover = "discover"
	StageAdjust   = "adjust"
	StageRetire   = "retire"
	StageReplan   = "replan"
)

// Base priorities per candidate source. Discovered links decay with depth so
// breadth-first order falls out of priority alone when every flag is off.
const (
	prioritySeed        = 100.0
	priorityHub         = 80.0
	priorityPattern     = 70.0
	priorityCrossDomain = 65.0
	priorityDiscover    = 60.0
	priorityFloor       = 10.0
	depthDecay          = 10.0
)

// StageSink receives one record per planning decision
type StageSink func(stage models.PlannerStage)

// ProblemSink receives planner-raised problems (cost deviations)
type ProblemSink func(problem models.Problem)

// Deps are the planner's storage handles and emitters. Storage fields may be
// nil; the corresponding candidate sources are then skipped.
type Deps struct {
	Patterns interfaces.PatternStorage
	Hubs     interfaces.PlaceHubStorage
	History  interfaces.FetchHistoryStorage

	// Category groups domains for cross-domain template sharing
	Category string

	StageSink   StageSink
	ProblemSink ProblemSink
}

// PageObservation is what the crawl loop reports after fetching one page
type PageObservation struct {
	URL     string
	Depth   int
	Links   []string
	Success bool
}

// Planner proposes frontier candidates. With all feature flags off it emits
// a static seed plan and plain breadth-first link discovery; each flag
// switches on one adaptive behavior.
type Planner struct {
	config    common.PlannerConfig
	deps      Deps
	estimator *CostEstimator

	mu         sync.Mutex
	hostBias   map[string]float64 // priority depression from problem-rate signals
	deviations map[string]int     // consecutive cost deviations per host
	pressure   float64            // frontier growth over drain rate
}

// New creates a planner from the feature-flag config
func New(config *common.PlannerConfig, deps Deps) *Planner {
	cfg := common.PlannerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxBranches <= 0 {
		cfg.MaxBranches = 16
	}
	if cfg.PatternCap <= 0 {
		cfg.PatternCap = 512
	}
	if cfg.RetireHitRate <= 0 {
		cfg.RetireHitRate = 0.1
	}
	if cfg.CostDeviation <= 0 {
		cfg.CostDeviation = 0.5
	}
	if cfg.EstimatorWindow <= 0 {
		cfg.EstimatorWindow = 100
	}

	return &Planner{
		config:     cfg,
		deps:       deps,
		estimator:  NewCostEstimator(cfg.EstimatorWindow, deps.History),
		hostBias:   make(map[string]float64),
		deviations: make(map[string]int),
	}
}

// Estimator exposes the cost estimator for the crawl loop's candidate costing
func (p *Planner) Estimator() *CostEstimator {
	return p.estimator
}

// SeedPlan builds the initial candidate set for a crawl: the start URL,
// the domain's verified place hubs, stored pattern URLs, and, with sharing
// enabled, templates proven on sibling domains of the same category.
func (p *Planner) SeedPlan(ctx context.Context, seedURL string) (*models.Plan, error) {
	domain := models.HostOf(seedURL)
	if domain == "" {
		return nil, fmt.Errorf("cannot plan seed: invalid URL %q", seedURL)
	}

	candidates := []models.Candidate{{
		URL:      seedURL,
		Depth:    0,
		Priority: prioritySeed,
		Source:   models.CandidateSourceSeed,
	}}

	var hubSlugs []string
	hubCount := 0
	if p.deps.Hubs != nil {
		hubs, err := p.deps.Hubs.GetVerifiedHubs(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("cannot plan seed: %w", err)
		}
		for _, hub := range hubs {
			candidates = append(candidates, models.Candidate{
				URL:      hub.URL,
				Depth:    0,
				Priority: priorityHub,
				Source:   models.CandidateSourcePlaceHub,
			})
			hubSlugs = append(hubSlugs, models.Slugify(hub.PlaceName))
		}
		hubCount = len(hubs)
	}

	patternCount := p.appendPatternCandidates(ctx, &candidates, domain, hubSlugs)
	sharedCount := p.appendSharedCandidates(ctx, &candidates, domain, hubSlugs)

	p.attachEstimates(ctx, candidates)

	decision := "breadth-first"
	if patternCount+sharedCount > 0 {
		decision = "pattern-guided"
	}
	plan := &models.Plan{
		Stage:      StageSeed,
		Candidates: candidates,
		Rationale: fmt.Sprintf("1 start URL, %d verified hubs, %d pattern URLs, %d shared",
			hubCount, patternCount, sharedCount),
		Decision: decision,
	}
	p.emitStage(plan, 0)
	return plan, nil
}

// appendPatternCandidates adds URLs instantiated from the domain's own
// stored templates. Returns how many were added.
func (p *Planner) appendPatternCandidates(ctx context.Context, candidates *[]models.Candidate, domain string, slugs []string) int {
	if !p.config.PatternDiscovery || p.deps.Patterns == nil {
		return 0
	}
	patterns, err := p.deps.Patterns.GetPatterns(ctx, domain)
	if err != nil {
		return 0
	}

	added := 0
	for _, pattern := range patterns {
		if pattern.MissCount > pattern.HitCount {
			continue
		}
		for _, url := range InstantiateTemplate(pattern.Template, slugs) {
			if added >= p.config.MaxBranches {
				return added
			}
			*candidates = append(*candidates, models.Candidate{
				URL:      url,
				Depth:    1,
				Priority: priorityPattern,
				Source:   models.CandidateSourcePattern,
			})
			added++
		}
	}
	return added
}

// appendSharedCandidates adds URLs from templates proven on other domains of
// the same category, rehosted onto this domain.
func (p *Planner) appendSharedCandidates(ctx context.Context, candidates *[]models.Candidate, domain string, slugs []string) int {
	if !p.config.CrossDomainSharing || p.deps.Patterns == nil || p.deps.Category == "" {
		return 0
	}
	shared, err := p.deps.Patterns.GetPatternsByCategory(ctx, p.deps.Category, domain)
	if err != nil {
		return 0
	}

	added := 0
	for _, pattern := range shared {
		rehosted, err := RehostTemplate(pattern.Template, domain)
		if err != nil {
			continue
		}
		for _, url := range InstantiateTemplate(rehosted, slugs) {
			if added >= p.config.MaxBranches {
				return added
			}
			*candidates = append(*candidates, models.Candidate{
				URL:       url,
				Depth:     1,
				Priority:  priorityCrossDomain,
				Source:    models.CandidateSourceCrossDomain,
				Rationale: "template from " + pattern.Domain,
			})
			added++
		}
	}
	return added
}

// Propose turns one fetched page's outbound links into frontier candidates.
// Without adaptive branching every link lands at the next depth; with it the
// proposals spread over a lookahead distribution that shifts shallow while
// the frontier grows faster than it drains.
func (p *Planner) Propose(ctx context.Context, page PageObservation) *models.Plan {
	if len(page.Links) == 0 {
		return nil
	}

	links := page.Links
	if len(links) > p.config.MaxBranches {
		links = links[:p.config.MaxBranches]
	}

	candidates := make([]models.Candidate, 0, len(links))
	decision := "breadth-first"
	if p.config.AdaptiveBranching {
		decision = p.proposeLookahead(page, links, &candidates)
	} else {
		for _, link := range links {
			candidates = append(candidates, models.Candidate{
				URL:      link,
				Depth:    page.Depth + 1,
				Priority: p.discoverPriority(link, page.Depth+1),
				Source:   models.CandidateSourceDiscovered,
			})
		}
	}

	p.attachEstimates(ctx, candidates)

	plan := &models.Plan{
		Stage:      StageDiscover,
		Candidates: candidates,
		Rationale:  fmt.Sprintf("%d links from %s at depth %d", len(links), page.URL, page.Depth),
		Decision:   decision,
	}
	p.emitStage(plan, 0)
	return plan
}

// proposeLookahead distributes links across the next three depths, 40/40/20
// by default, 60/30/10 under queue pressure.
func (p *Planner) proposeLookahead(page PageObservation, links []string, candidates *[]models.Candidate) string {
	p.mu.Lock()
	pressure := p.pressure
	p.mu.Unlock()

	near, mid := 40, 40
	decision := "lookahead-40-40-20"
	if pressure > 1.5 {
		near, mid = 60, 30
		decision = "lookahead-60-30-10"
	}

	total := len(links)
	nearEnd := (total*near + 99) / 100
	midEnd := nearEnd + (total*mid)/100
	if midEnd > total {
		midEnd = total
	}

	for i, link := range links {
		depth := page.Depth + 1
		switch {
		case i < nearEnd:
		case i < midEnd:
			depth = page.Depth + 2
		default:
			depth = page.Depth + 3
		}
		*candidates = append(*candidates, models.Candidate{
			URL:      link,
			Depth:    depth,
			Priority: p.discoverPriority(link, depth),
			Source:   models.CandidateSourceDiscovered,
		})
	}
	return decision
}

// discoverPriority decays with depth and carries any live host demotion
func (p *Planner) discoverPriority(link string, depth int) float64 {
	priority := priorityDiscover - depthDecay*float64(depth)
	if priority < priorityFloor {
		priority = priorityFloor
	}

	if p.config.RealTimeAdjustment {
		p.mu.Lock()
		priority -= p.hostBias[models.HostOf(link)]
		p.mu.Unlock()
		if priority < priorityFloor {
			priority = priorityFloor
		}
	}
	return priority
}

// attachEstimates fills EstimatedCostMS on candidates when cost-aware
// priority is active.
func (p *Planner) attachEstimates(ctx context.Context, candidates []models.Candidate) {
	if !p.config.CostAwarePriority {
		return
	}
	for i := range candidates {
		host := models.HostOf(candidates[i].URL)
		shape := shapeOf(candidates[i].URL)
		if est := p.estimator.Estimate(ctx, host, shape); est > 0 {
			candidates[i].EstimatedCostMS = est
		}
	}
}

// ObserveFetch records one fetch outcome: the estimator learns the duration,
// pattern scores update, and a large estimate miss raises a cost-deviation
// problem. Sustained deviation with dynamic replanning enabled returns a
// replan; callers enqueue its candidates.
func (p *Planner) ObserveFetch(ctx context.Context, obs models.FetchObservation, success bool) *models.Plan {
	estimate := p.estimator.Estimate(ctx, obs.Host, obs.PathShape)
	p.estimator.Observe(obs.Host, obs.PathShape, obs.DurationMS)

	var replanTrigger string
	if p.config.CostAwarePriority && estimate > 0 {
		if dev := Deviation(estimate, obs.DurationMS); dev > p.config.CostDeviation {
			p.emitProblem(models.Problem{
				TaskID:    obs.TaskID,
				Timestamp: time.Now().UTC(),
				Kind:      string(models.ProblemKindCostDeviation),
				Scope:     "host",
				Target:    obs.Host,
				Message: fmt.Sprintf("fetch took %dms against an estimate of %dms (%.0f%% off)",
					obs.DurationMS, estimate, dev*100),
				Details: map[string]interface{}{
					"estimated_ms": estimate,
					"actual_ms":    obs.DurationMS,
					"path_shape":   obs.PathShape,
				},
			})
			p.mu.Lock()
			p.deviations[obs.Host]++
			sustained := p.deviations[obs.Host] >= 3
			p.mu.Unlock()
			if sustained {
				replanTrigger = "sustained cost deviation on " + obs.Host
			}
		} else {
			p.mu.Lock()
			p.deviations[obs.Host] = 0
			p.mu.Unlock()
		}
	}

	if collapsed := p.scorePattern(ctx, obs, success); collapsed {
		replanTrigger = "pattern collapse on " + obs.Host
	}

	if replanTrigger != "" && p.config.DynamicReplanning {
		p.mu.Lock()
		p.deviations[obs.Host] = 0
		p.mu.Unlock()
		return p.replan(ctx, obs.Host, replanTrigger)
	}
	return nil
}

// scorePattern updates the matching template's hit/miss counts, discovering
// a new template on first sight and retiring ones whose hit rate collapsed.
// Returns true when a retirement indicates pattern collapse.
func (p *Planner) scorePattern(ctx context.Context, obs models.FetchObservation, success bool) bool {
	if !p.config.PatternDiscovery || p.deps.Patterns == nil {
		return false
	}

	patterns, err := p.deps.Patterns.GetPatterns(ctx, obs.Host)
	if err != nil {
		return false
	}

	template := templateFor(obs)
	if template == "" {
		return false
	}

	for _, pattern := range patterns {
		if pattern.Template != template {
			continue
		}
		if err := p.deps.Patterns.RecordPatternResult(ctx, pattern.ID, success); err != nil {
			return false
		}
		total := pattern.HitCount + pattern.MissCount + 1
		hits := pattern.HitCount
		if success {
			hits++
		}
		if total >= 5 && float64(hits)/float64(total) < p.config.RetireHitRate {
			if err := p.deps.Patterns.RetirePattern(ctx, pattern.ID); err == nil {
				p.emitStageRecord(StageRetire,
					fmt.Sprintf("hit rate %.2f below %.2f after %d fetches", float64(hits)/float64(total), p.config.RetireHitRate, total),
					"retire "+pattern.Template, 0)
				return true
			}
		}
		return false
	}

	// First sight of this shape; only successful pages seed new templates
	if !success {
		return false
	}
	_ = p.deps.Patterns.UpsertPattern(ctx, &models.PatternTemplate{
		ID:       newPatternID(),
		Domain:   obs.Host,
		Category: p.deps.Category,
		Template: template,
	})
	_, _ = p.deps.Patterns.EvictLRU(ctx, obs.Host, p.config.PatternCap)
	return false
}

// ReactToSignal folds runtime feedback into planning state. Problem-rate
// signals demote a host, queue-pressure signals shift the lookahead
// distribution, and collapse/deviation signals trigger a replan when dynamic
// replanning is enabled.
func (p *Planner) ReactToSignal(ctx context.Context, signal models.PlannerSignal) *models.Plan {
	switch signal.Kind {
	case models.SignalProblemRate:
		if !p.config.RealTimeAdjustment {
			return nil
		}
		p.mu.Lock()
		p.hostBias[signal.Host] += depthDecay * signal.Value
		bias := p.hostBias[signal.Host]
		p.mu.Unlock()
		p.emitStageRecord(StageAdjust,
			fmt.Sprintf("problem rate %.2f on %s", signal.Value, signal.Host),
			fmt.Sprintf("demote host by %.1f", bias), 0)
		return nil

	case models.SignalQueuePressure:
		if !p.config.AdaptiveBranching {
			return nil
		}
		p.mu.Lock()
		p.pressure = signal.Value
		p.mu.Unlock()
		decision := "lookahead-40-40-20"
		if signal.Value > 1.5 {
			decision = "lookahead-60-30-10"
		}
		p.emitStageRecord(StageAdjust,
			fmt.Sprintf("frontier pressure %.2f", signal.Value), decision, 0)
		return nil

	case models.SignalPatternCollapse, models.SignalCostDeviation:
		if !p.config.DynamicReplanning {
			return nil
		}
		return p.replan(ctx, signal.Host, signal.Detail)
	}
	return nil
}

// replan retires failing templates and re-seeds from verified hubs
func (p *Planner) replan(ctx context.Context, domain, reason string) *models.Plan {
	retired := 0
	if p.deps.Patterns != nil {
		patterns, err := p.deps.Patterns.GetPatterns(ctx, domain)
		if err == nil {
			for _, pattern := range patterns {
				total := pattern.HitCount + pattern.MissCount
				if total >= 5 && pattern.HitRate() < p.config.RetireHitRate {
					if err := p.deps.Patterns.RetirePattern(ctx, pattern.ID); err == nil {
						retired++
					}
				}
			}
		}
	}

	var candidates []models.Candidate
	if p.deps.Hubs != nil {
		hubs, err := p.deps.Hubs.GetVerifiedHubs(ctx, domain)
		if err == nil {
			for _, hub := range hubs {
				candidates = append(candidates, models.Candidate{
					URL:      hub.URL,
					Depth:    0,
					Priority: priorityHub,
					Source:   models.CandidateSourcePlaceHub,
				})
			}
		}
	}

	plan := &models.Plan{
		Stage:      StageReplan,
		Candidates: candidates,
		Rationale:  reason,
		Decision:   fmt.Sprintf("retired %d templates, re-seeded %d hubs", retired, len(candidates)),
	}
	p.emitStage(plan, 0)
	return plan
}

func (p *Planner) emitStage(plan *models.Plan, estimatedCostMS int64) {
	p.emitStageRecord(plan.Stage, plan.Rationale, plan.Decision, estimatedCostMS)
}

func (p *Planner) emitStageRecord(stage, rationale, decision string, estimatedCostMS int64) {
	if p.deps.StageSink == nil {
		return
	}
	p.deps.StageSink(models.PlannerStage{
		Timestamp:       time.Now().UTC(),
		Stage:           stage,
		Rationale:       rationale,
		Decision:        decision,
		EstimatedCostMS: estimatedCostMS,
	})
}

func (p *Planner) emitProblem(problem models.Problem) {
	if p.deps.ProblemSink == nil {
		return
	}
	p.deps.ProblemSink(problem)
}

// templateFor derives the template key for an observation's URL shape
func templateFor(obs models.FetchObservation) string {
	if obs.Host == "" || obs.PathShape == "" {
		return ""
	}
	return "https://" + obs.Host + obs.PathShape
}

func shapeOf(rawURL string) string {
	parsed, err := urlPath(rawURL)
	if err != nil {
		return "/"
	}
	return PathShape(parsed)
}
