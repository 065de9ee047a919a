package models

import "time"

// CandidateSource names where a frontier candidate came from
type CandidateSource string

const (
	CandidateSourceSeed        CandidateSource = "seed"
	CandidateSourcePlaceHub    CandidateSource = "place-hub"
	CandidateSourceDiscovered  CandidateSource = "discovered"
	CandidateSourcePattern     CandidateSource = "pattern"
	CandidateSourceCrossDomain CandidateSource = "cross-domain"
)

// Candidate is one URL the planner proposes for the frontier
type Candidate struct {
	URL             string          `json:"url"`
	Depth           int             `json:"depth"`
	Priority        float64         `json:"priority"`
	Source          CandidateSource `json:"source"`
	EstimatedCostMS int64           `json:"estimated_cost_ms,omitempty"`
	Rationale       string          `json:"rationale,omitempty"`
}

// Plan is the output of a planning pass: candidates to enqueue plus the
// stage record explaining them.
type Plan struct {
	Stage      string      `json:"stage"`
	Candidates []Candidate `json:"candidates"`
	Rationale  string      `json:"rationale,omitempty"`
	Decision   string      `json:"decision,omitempty"`
}

// PlannerSignalKind classifies runtime feedback the planner reacts to
type PlannerSignalKind string

const (
	SignalProblemRate     PlannerSignalKind = "problem-rate"
	SignalPatternCollapse PlannerSignalKind = "pattern-collapse"
	SignalCostDeviation   PlannerSignalKind = "cost-deviation"
	SignalQueuePressure   PlannerSignalKind = "queue-pressure"
)

// PlannerSignal carries one runtime observation into ReactToSignal
type PlannerSignal struct {
	Kind   PlannerSignalKind `json:"kind"`
	Host   string            `json:"host,omitempty"`
	Value  float64           `json:"value"`
	Detail string            `json:"detail,omitempty"`
}

// PatternTemplate is a learned URL shape, e.g.
// "https://{host}/news/{country}/{slug}". Hit/miss counts drive retirement
// and LRU eviction keeps the store bounded.
type PatternTemplate struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	Category   string    `json:"category,omitempty"`
	Template   string    `json:"template"`
	HitCount   int64     `json:"hit_count"`
	MissCount  int64     `json:"miss_count"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// HitRate returns hits/(hits+misses), or zero without observations
func (p *PatternTemplate) HitRate() float64 {
	total := p.HitCount + p.MissCount
	if total == 0 {
		return 0
	}
	return float64(p.HitCount) / float64(total)
}

// FetchObservation is one recorded fetch used by the cost estimator and the
// domain readiness check.
type FetchObservation struct {
	ID         int64     `json:"id"`
	Host       string    `json:"host"`
	PathShape  string    `json:"path_shape"`
	DurationMS int64     `json:"duration_ms"`
	StatusCode int       `json:"status_code"`
	TaskID     string    `json:"task_id,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}
