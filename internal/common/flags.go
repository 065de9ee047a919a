package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseFlagValue coerces a raw flag string into a typed value. The CLI and
// the crawl-type definition loader share this single implementation so a
// value spelled the same way always lands as the same type.
//
// Coercion order: bool, int, float, duration, string.
func ParseFlagValue(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	if lower == "true" || lower == "false" {
		b, _ := strconv.ParseBool(lower)
		return b
	}

	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}

	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}

	// Durations like "500ms" or "2m" parse as int/float above only when
	// unitless, so a unit suffix lands here.
	if d, err := time.ParseDuration(trimmed); err == nil {
		return d.String()
	}

	return trimmed
}

// ParseKeyValuePairs turns repeated "key=value" flag occurrences into a
// typed config map. Malformed entries (no "=", empty key) return an error.
func ParseKeyValuePairs(pairs []string) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		idx := strings.Index(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		key := strings.TrimSpace(pair[:idx])
		if key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		result[key] = ParseFlagValue(pair[idx+1:])
	}
	return result, nil
}

// FlagBool reads a bool from a flag map, tolerating the string form a JSON
// round-trip or argv passing may leave behind.
func FlagBool(flags map[string]interface{}, key string) (bool, bool) {
	val, ok := flags[key]
	if !ok {
		return false, false
	}
	switch v := val.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// FlagInt reads an int from a flag map; JSON decoding stores numbers as
// float64, so both forms are accepted.
func FlagInt(flags map[string]interface{}, key string) (int, bool) {
	val, ok := flags[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// FlagFloat reads a float from a flag map
func FlagFloat(flags map[string]interface{}, key string) (float64, bool) {
	val, ok := flags[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ApplyPlannerFlags overlays planner feature flags and caps from a crawl's
// flag map onto a planner config. Keys match the toml names so a flag
// spelled in nuntius.toml, a crawl-type definition, or --flag all mean the
// same thing. Unknown keys are ignored; they may belong to the worker
// (use_cache) or a future consumer.
func ApplyPlannerFlags(cfg *PlannerConfig, flags map[string]interface{}) {
	if cfg == nil || len(flags) == 0 {
		return
	}
	if v, ok := FlagBool(flags, "cost_aware_priority"); ok {
		cfg.CostAwarePriority = v
	}
	if v, ok := FlagBool(flags, "pattern_discovery"); ok {
		cfg.PatternDiscovery = v
	}
	if v, ok := FlagBool(flags, "adaptive_branching"); ok {
		cfg.AdaptiveBranching = v
	}
	if v, ok := FlagBool(flags, "real_time_adjustment"); ok {
		cfg.RealTimeAdjustment = v
	}
	if v, ok := FlagBool(flags, "dynamic_replanning"); ok {
		cfg.DynamicReplanning = v
	}
	if v, ok := FlagBool(flags, "cross_domain_sharing"); ok {
		cfg.CrossDomainSharing = v
	}
	if v, ok := FlagInt(flags, "max_branches"); ok && v > 0 {
		cfg.MaxBranches = v
	}
	if v, ok := FlagInt(flags, "pattern_cap"); ok && v > 0 {
		cfg.PatternCap = v
	}
	if v, ok := FlagFloat(flags, "retire_hit_rate"); ok && v > 0 {
		cfg.RetireHitRate = v
	}
	if v, ok := FlagFloat(flags, "cost_deviation"); ok && v > 0 {
		cfg.CostDeviation = v
	}
	if v, ok := FlagInt(flags, "estimator_window"); ok && v > 0 {
		cfg.EstimatorWindow = v
	}
}
