// Package selector is the thin orchestrator sitting above the routing
// engine and the fallback handler.
package selector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hollowbrook/gatekeep/internal/fallback"
	"github.com/hollowbrook/gatekeep/internal/registry"
	"github.com/hollowbrook/gatekeep/internal/routing"
)

// ErrNoProviderAvailable is returned by SelectProvider when ranking yields
// no survivor. The gateway treats it as "no ranked pick" and falls back to
// its static model-alias resolution.
var ErrNoProviderAvailable = errors.New("selector: no-provider-available")

// Selection is the outcome of SelectProvider: the winning candidate plus
// the full ranked list (needed by SelectWithFallback for the ordered
// fallback chain).
type Selection struct {
	Top   routing.RankedProvider
	Ranks []routing.RankedProvider
}

// Selector composes a provider registry with a routing engine.
type Selector struct {
	registry *registry.ProviderRegistry
	engine   *routing.Engine
}

// New builds a Selector over reg and engine.
func New(reg *registry.ProviderRegistry, engine *routing.Engine) *Selector {
	return &Selector{registry: reg, engine: engine}
}

func (s *Selector) snapshots() []routing.ProviderSnapshot {
	states := s.registry.GetProviderStates()
	out := make([]routing.ProviderSnapshot, 0, len(states))
	for _, st := range states {
		out = append(out, routing.ProviderSnapshot{
			Provider:         st.ID,
			Available:        st.Available,
			RateLimitRemain:  st.RateLimitRemain,
			RateLimitResetAt: st.RateLimitResetAt,
			LatencyEMA:       st.Latency.EMA,
			HaveLatency:      st.Latency.SampleCount > 0,
			LatencyP95:       st.Latency.P95,
		})
	}
	return out
}

// SelectProvider ranks every candidate and returns the top one. Ties are
// already broken by latency EMA ascending inside Engine.Rank.
func (s *Selector) SelectProvider(meta routing.RequestMeta) (Selection, error) {
	ranked := s.engine.Rank(meta, s.snapshots())
	if len(ranked) == 0 {
		return Selection{}, ErrNoProviderAvailable
	}
	return Selection{Top: ranked[0], Ranks: ranked}, nil
}

// UpstreamCall is the adapter supplied by the chat route handler: it turns
// (provider, modelID, token) into the actual LLM request.
type UpstreamCall func(ctx context.Context, provider, modelID string) (any, error)

// SelectWithFallback ranks candidates then drives the whole ordered list
// through the fallback handler, wrapping the execute adapter so that
// success/error automatically updates the registry's circuit-breaker and
// latency state — the caller never has to call ReportSuccess/ReportError
// itself.
func (s *Selector) SelectWithFallback(ctx context.Context, meta routing.RequestMeta, call UpstreamCall, opts fallback.Options) (any, string, []fallback.Attempt, error) {
	sel, err := s.SelectProvider(meta)
	if err != nil {
		return nil, "", nil, err
	}

	modelByProvider := make(map[string]string, len(sel.Ranks))
	order := make([]string, 0, len(sel.Ranks))
	for _, r := range sel.Ranks {
		modelByProvider[r.Provider] = r.ModelID
		order = append(order, r.Provider)
	}

	execute := func(attemptCtx context.Context, provider string) (any, error) {
		if !s.registry.IsAvailable(provider) {
			return nil, fmt.Errorf("selector: provider %s unavailable", provider)
		}
		if s.registry.StateLabel(provider) == "half_open" {
			if !s.registry.TryClaimProbe(provider) {
				return nil, fmt.Errorf("selector: provider %s half-open probe busy", provider)
			}
		}

		start := time.Now()
		v, err := call(attemptCtx, provider, modelByProvider[provider])
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			s.registry.ReportError(provider, modelByProvider[provider], latencyMs)
			return nil, err
		}
		s.registry.ReportSuccess(provider, modelByProvider[provider], latencyMs)
		return v, nil
	}

	return fallback.Run(ctx, order, execute, opts)
}
