package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollowbrook/gatekeep/internal/fallback"
	"github.com/hollowbrook/gatekeep/internal/providers"
)

// stateLabelToInt converts a registry.ProviderRegistry state label into the
// int64 gauge value expected by metrics.SetCircuitBreaker — 0=closed,
// 1=open, 2=half_open, matching the old cbState ordering so existing
// dashboards keep working.
func stateLabelToInt(label string) int64 {
	switch label {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// classifyError converts an error into a short human-readable category
// string used in log fields and metrics labels.
func classifyError(err error) string {
	if err == nil {
		return "success"
	}
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// buildCandidateList returns an ordered slice starting with primary,
// followed by the remaining providers in providers.DefaultFallbackOrder
// (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// requestWithFailover walks the ordered candidate list (primary first, then
// providers.DefaultFallbackOrder) through the fallback handler, gating each
// attempt on the provider registry's circuit-breaker state and feeding every
// outcome back into it so the breaker and latency tracker stay current for
// the next request.
//
// This replaces the package's former direct CircuitBreaker.Allow/RecordX
// pair: that breaker flipped open->half-open and claimed the probe slot as
// a side effect of what looked like a read (Allow), so two requests racing
// Allow() could both believe they owned the probe. registry.TryClaimProbe
// makes that claim an explicit, single-winner operation instead.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
) (*providers.ProxyResponse, string, error) {
	order := buildCandidateList(primary)
	// Only offer providers that are actually configured.
	configured := order[:0]
	for _, name := range order {
		if _, ok := g.providers[name]; ok {
			configured = append(configured, name)
		}
	}
	order = configured

	execute := func(attemptCtx context.Context, provider string) (any, error) {
		if g.registry != nil {
			if !g.registry.IsAvailable(provider) {
				return nil, fmt.Errorf("provider %s circuit open", provider)
			}
			if g.registry.StateLabel(provider) == "half_open" && !g.registry.TryClaimProbe(provider) {
				return nil, fmt.Errorf("provider %s half-open probe busy", provider)
			}
		}

		p := g.providers[provider]
		start := time.Now()
		resp, err := p.Request(attemptCtx, req)
		latencyMs := time.Since(start).Milliseconds()

		if g.registry != nil {
			if err != nil {
				g.registry.ReportError(provider, req.Model, latencyMs)
			} else {
				g.registry.ReportSuccess(provider, req.Model, latencyMs)
			}
		}
		return resp, err
	}

	opts := fallback.Options{
		Streaming:   req.Stream,
		MaxRetries:  g.maxRetries - 1,
		BaseBackoff: g.failoverBaseBackoff,
		MaxBackoff:  g.failoverMaxBackoff,
	}

	val, usedProvider, attempts, err := fallback.Run(ctx, order, execute, opts)

	var prevProvider, prevReason string
	for i, a := range attempts {
		reason := classifyError(a.Err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(a.Provider, route, reason, time.Duration(a.LatencyMs)*time.Millisecond)
			if a.Err != nil {
				g.metrics.RecordError(a.Provider, reason)
			}
			if g.registry != nil {
				g.metrics.SetCircuitBreaker(a.Provider, stateLabelToInt(g.registry.StateLabel(a.Provider)))
				st := g.registry.Latency().GetStats(a.Provider)
				g.metrics.SetProviderLatency(a.Provider, st.EMA, st.P95)
			}
		}
		if a.Err != nil {
			g.log.WarnContext(ctx, "provider_attempt_failed",
				slog.String("request_id", req.RequestID),
				slog.String("from", primary),
				slog.String("to", a.Provider),
				slog.String("reason", reason),
				slog.Int64("latency_ms", a.LatencyMs),
				slog.String("error", a.Err.Error()),
			)
		}
		if i > 0 && prevProvider != "" && prevProvider != a.Provider && g.metrics != nil {
			g.metrics.RecordFailover(primary, prevProvider, a.Provider, prevReason)
		}
		prevProvider, prevReason = a.Provider, reason
	}

	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordFailoverExhausted(primary)
		}
		return nil, "", err
	}

	if usedProvider != primary {
		g.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", usedProvider),
		)
		if g.metrics != nil {
			g.metrics.RecordFailoverSuccess(primary, usedProvider)
		}
	}

	resp, _ := val.(*providers.ProxyResponse)
	return resp, usedProvider, nil
}
