package routing

import (
	"math"
	"sort"
	"time"
)

const defaultLatencyMs = 500

// ProviderSnapshot is the data the engine needs from the provider registry
// for one provider, decoupled from the registry package's own types so this
// package stays free of that import.
type ProviderSnapshot struct {
	Provider         string
	Available        bool
	RateLimitRemain  int
	RateLimitResetAt time.Time
	LatencyEMA       float64
	HaveLatency      bool
	LatencyP95       float64
}

// Engine drives the full candidate-ranking pipeline: filter, build
// candidates, match rules, apply exclusions, score, sort. It holds the
// static routing rules and model pricing table; per-request it is handed a
// fresh snapshot of provider state.
type Engine struct {
	rules     []Rule
	pricing   []ModelPricing
	evaluator *Evaluator
}

// NewEngine constructs a routing engine over a fixed rule set and pricing
// table. Rules are sorted by descending priority once, at construction.
func NewEngine(rules []Rule, pricing []ModelPricing) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	return &Engine{
		rules:     sorted,
		pricing:   pricing,
		evaluator: NewEvaluator(),
	}
}

// Rank executes the full pipeline: filter → build candidates → evaluate
// rules → exclude → score → sort descending. Returns an empty slice (not
// an error) when no candidate survives — callers translate that into
// no-provider-available.
func (eng *Engine) Rank(meta RequestMeta, snapshots []ProviderSnapshot) []RankedProvider {
	available := eng.filterAvailable(snapshots)
	if len(available) == 0 {
		return nil
	}

	candidates := eng.buildCandidates(meta, available)
	if len(candidates) == 0 {
		return nil
	}

	matched := make([][]string, len(candidates))
	for i, c := range candidates {
		matched[i] = eng.matchedRules(c)
	}

	candidates, matched = eng.applyExclusions(meta, candidates, matched)
	if len(candidates) == 0 {
		return nil
	}

	ranked := eng.score(meta, candidates, matched)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		// Tie-break by latency EMA ascending (lower first).
		return eng.snapshotByProvider(available, ranked[i].Provider).LatencyEMA <
			eng.snapshotByProvider(available, ranked[j].Provider).LatencyEMA
	})

	return ranked
}

// filterAvailable applies step 1: available AND (rateLimitRemaining > 0 OR
// rateLimitResetAt < now).
func (eng *Engine) filterAvailable(snapshots []ProviderSnapshot) []ProviderSnapshot {
	now := time.Now()
	out := make([]ProviderSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if !s.Available {
			continue
		}
		if s.RateLimitRemain > 0 || s.RateLimitResetAt.Before(now) {
			out = append(out, s)
		}
	}
	return out
}

func (eng *Engine) snapshotByProvider(snaps []ProviderSnapshot, provider string) ProviderSnapshot {
	for _, s := range snaps {
		if s.Provider == provider {
			return s
		}
	}
	return ProviderSnapshot{}
}

type candidate struct {
	provider string
	modelID  string
	pricing  ModelPricing
	snap     ProviderSnapshot
}

// buildCandidates implements step 2: (provider x model) pairs from pricing
// data, keeping only those whose capability set satisfies the request's
// required capabilities and includes streaming support when stream=true.
func (eng *Engine) buildCandidates(meta RequestMeta, snapshots []ProviderSnapshot) []candidate {
	byProvider := make(map[string]ProviderSnapshot, len(snapshots))
	for _, s := range snapshots {
		byProvider[s.Provider] = s
	}

	out := make([]candidate, 0, len(eng.pricing))
	for _, p := range eng.pricing {
		snap, ok := byProvider[p.Provider]
		if !ok {
			continue
		}
		if meta.Stream && !p.SupportsStream {
			continue
		}
		if !coversCapabilities(p.Capabilities, meta.RequiredCapabilities) {
			continue
		}
		out = append(out, candidate{provider: p.Provider, modelID: p.ModelID, pricing: p, snap: snap})
	}
	return out
}

func coversCapabilities(have, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// matchedRules implements step 3: evaluate every rule against this
// candidate, collecting matched rule ids.
func (eng *Engine) matchedRules(c candidate) []string {
	facts := candidateFacts{
		provider:         c.provider,
		modelID:          c.modelID,
		pricing:          eng.pricing,
		p95Latency:       c.snap.LatencyP95,
		haveLatency:      c.snap.HaveLatency,
		modelCapabilites: c.pricing.Capabilities,
	}

	var ids []string
	for _, r := range eng.rules {
		if eng.evaluator.Evaluate(r, facts) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// applyExclusions implements step 4: drop candidates that are in
// excludeProviders of any rule that both matched and is relevant to the
// request's hints.
func (eng *Engine) applyExclusions(meta RequestMeta, candidates []candidate, matched [][]string) ([]candidate, [][]string) {
	rulesByID := make(map[string]Rule, len(eng.rules))
	for _, r := range eng.rules {
		rulesByID[r.ID] = r
	}

	outC := make([]candidate, 0, len(candidates))
	outM := make([][]string, 0, len(candidates))

	for i, c := range candidates {
		excluded := false
		for _, id := range matched[i] {
			r, ok := rulesByID[id]
			if !ok || !r.relevantToHints(meta.Hints) {
				continue
			}
			if containsStr(r.ExcludeProviders, c.provider) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		outC = append(outC, c)
		outM = append(outM, matched[i])
	}
	return outC, outM
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// scoreWeights returns the (cost, latency, capability) weights for a
// strategy. Balanced is the default (0.3/0.4/0.3); the other
// strategies bias the same three-term formula toward the dimension the
// client asked to optimize for — one scoring function per strategy,
// dispatched once per request, rather than a single hardcoded formula.
func scoreWeights(strategy RoutingStrategy) (cost, latency, capability float64) {
	switch strategy {
	case StrategyCost:
		return 0.6, 0.2, 0.2
	case StrategyLatency:
		return 0.2, 0.6, 0.2
	case StrategyCapability:
		return 0.2, 0.2, 0.6
	default:
		return 0.3, 0.4, 0.3
	}
}

// score implements step 5: normalize cost/latency over the candidate set,
// combine with the strategy-dispatched weights, add the preference boost.
func (eng *Engine) score(meta RequestMeta, candidates []candidate, matched [][]string) []RankedProvider {
	costs := make([]float64, len(candidates))
	latencies := make([]float64, len(candidates))
	for i, c := range candidates {
		costs[i] = (c.pricing.InputPer1k + c.pricing.OutputPer1k) / 2
		if c.snap.HaveLatency {
			latencies[i] = c.snap.LatencyEMA
		} else {
			latencies[i] = defaultLatencyMs
		}
	}

	normCost := normalize(costs)
	normLatency := normalize(latencies)

	rulesByID := make(map[string]Rule, len(eng.rules))
	for _, r := range eng.rules {
		rulesByID[r.ID] = r
	}

	wCost, wLatency, wCap := scoreWeights(meta.Hints.Strategy)

	out := make([]RankedProvider, len(candidates))
	for i, c := range candidates {
		costScore := 1 - normCost[i]
		latencyScore := 1 - normLatency[i]

		var capScore float64
		if len(meta.RequiredCapabilities) > 0 {
			capScore = float64(countCovered(c.pricing.Capabilities, meta.RequiredCapabilities)) / float64(len(meta.RequiredCapabilities))
		} else {
			capScore = math.Min(float64(len(c.pricing.Capabilities))/5, 1)
		}

		score := wCost*costScore + wLatency*latencyScore + wCap*capScore

		var boost float64
		for _, id := range matched[i] {
			r, ok := rulesByID[id]
			if !ok {
				continue
			}
			if containsStr(r.PreferredProviders, c.provider) {
				boost += float64(r.Priority) * 0.05
			}
		}
		if meta.Hints.PreferProvider != "" && meta.Hints.PreferProvider == c.provider {
			// A client-supplied preferred provider gets a flat +1.0, more
			// than the whole weighted-score range, so among survivors only
			// a larger rule-derived boost can outrank it. It never bypasses
			// the earlier capability/exclusion filtering.
			boost += 1.0
		}
		score += boost

		out[i] = RankedProvider{
			Provider:   c.provider,
			ModelID:    c.modelID,
			Score:      score,
			MatchedIDs: matched[i],
		}
	}
	return out
}

func countCovered(have, required []string) int {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	n := 0
	for _, r := range required {
		if _, ok := set[r]; ok {
			n++
		}
	}
	return n
}

// normalize maps values to [0,1]. When max==min every value normalizes to
// 0 (a tie is scored as the best outcome).
func normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
