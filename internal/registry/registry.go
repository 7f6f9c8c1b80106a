package registry

import (
	"log/slog"
	"sync"
	"time"
)

// cbState is the circuit breaker state for one provider.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the circuit breaker and token bucket defaults applied to
// every provider entry. Zero values fall back to package defaults.
type Config struct {
	// ErrorThreshold is the number of consecutive errors that trips the
	// breaker. Default: 5.
	ErrorThreshold int
	// Cooldown is how long the breaker stays open before a half-open probe
	// is allowed. Default: 30s.
	Cooldown time.Duration
	// WindowSize is the latency tracker's rolling sample window. Default: 100.
	WindowSize int
	// EMAAlpha is the latency tracker's EMA weight. Default: 0.3.
	EMAAlpha float64
	// DefaultBucketMax / DefaultBucketRefill seed the per-provider token
	// bucket lazily constructed on first reference. Default: 60 / 1.
	DefaultBucketMax    float64
	DefaultBucketRefill float64
}

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return 5
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return 30 * time.Second
}

func (c Config) bucketMax() float64 {
	if c.DefaultBucketMax > 0 {
		return c.DefaultBucketMax
	}
	return 60
}

func (c Config) bucketRefill() float64 {
	if c.DefaultBucketRefill > 0 {
		return c.DefaultBucketRefill
	}
	return 1
}

// entry is the mutable per-provider record.
type entry struct {
	mu sync.Mutex

	id string

	state           cbState
	consecutiveErrs int
	lastErrorAt     time.Time
	openedAt        time.Time
	probeInFlight   bool

	rlRemaining int
	rlResetAt   time.Time

	bucket *TokenBucket
}

// ProviderState is the immutable snapshot handed to the routing engine.
type ProviderState struct {
	ID               string
	Available        bool
	RateLimitRemain  int
	RateLimitResetAt time.Time
	Latency          LatencyStats
	LastErrorAt      time.Time
	ConsecutiveErrs  int
}

// ProviderRegistry owns every provider's mutable state: circuit breaker,
// rate-limit counters, and (by composition) the token bucket and latency
// tracker. It is the single process-wide source of truth constructed at
// startup — see internal/app — and is safe for concurrent use.
type ProviderRegistry struct {
	cfg     Config
	log     *slog.Logger
	latency *LatencyTracker

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewProviderRegistry creates a registry seeded with the given provider
// names. Additional providers referenced later (via UpdateRateLimit,
// ReportSuccess, ...) are created lazily.
func NewProviderRegistry(providerNames []string, cfg Config, log *slog.Logger) *ProviderRegistry {
	if log == nil {
		log = slog.Default()
	}
	r := &ProviderRegistry{
		cfg:     cfg,
		log:     log,
		latency: NewLatencyTracker(cfg.WindowSize, cfg.EMAAlpha),
		entries: make(map[string]*entry),
	}
	for _, name := range providerNames {
		r.entries[name] = &entry{id: name}
	}
	return r
}

func (r *ProviderRegistry) get(provider string) *entry {
	r.mu.RLock()
	e, ok := r.entries[provider]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[provider]; ok {
		return e
	}
	e = &entry{id: provider}
	r.entries[provider] = e
	return e
}

// Bucket returns the lazily-constructed token bucket for provider.
func (r *ProviderRegistry) Bucket(provider string) *TokenBucket {
	e := r.get(provider)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bucket == nil {
		// Defaults are always valid (>0), so the error path never triggers.
		b, _ := NewTokenBucket(r.cfg.bucketMax(), r.cfg.bucketRefill())
		e.bucket = b
	}
	return e.bucket
}

// Latency exposes the shared latency tracker so callers can record
// provider-level samples without reaching into the registry's entries.
func (r *ProviderRegistry) Latency() *LatencyTracker { return r.latency }

// IsAvailable implements the three-state availability rule: closed is
// always available; open is unavailable until the cooldown elapses;
// half-open allows exactly one concurrent caller through via TryClaimProbe.
func (r *ProviderRegistry) IsAvailable(provider string) bool {
	e := r.get(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(e.openedAt) < r.cfg.cooldown() {
			return false
		}
		// Cooldown elapsed: transition to half-open. The caller still needs
		// TryClaimProbe to actually send the probe request — this method is
		// a pure query and must not itself claim the slot.
		e.state = cbHalfOpen
		return true
	case cbHalfOpen:
		return !e.probeInFlight
	}
	return true
}

// TryClaimProbe atomically claims the single half-open probe slot for
// provider. Returns false if a probe is already in flight or the breaker
// is not half-open. Call this explicitly after ranking — never as a side
// effect of a read.
func (r *ProviderRegistry) TryClaimProbe(provider string) bool {
	e := r.get(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != cbHalfOpen {
		return false
	}
	if e.probeInFlight {
		return false
	}
	e.probeInFlight = true
	return true
}

// ReportSuccess resets consecutive-errors to zero, closes the circuit,
// clears any in-flight probe claim, and records a success sample in the
// latency tracker.
func (r *ProviderRegistry) ReportSuccess(provider, modelID string, latencyMs int64) {
	e := r.get(provider)

	e.mu.Lock()
	e.consecutiveErrs = 0
	wasOpen := e.state != cbClosed
	e.state = cbClosed
	e.probeInFlight = false
	e.openedAt = time.Time{}
	e.mu.Unlock()

	if wasOpen {
		r.log.Info("breaker_closed", slog.String("provider", provider))
	}
	r.latency.Record(provider, modelID, latencyMs, true)
}

// ReportError increments consecutive-errors, records the failure time, and
// opens the circuit once the threshold is reached. A half-open probe that
// fails reopens the circuit with openedAt reset to now. No EMA/percentile
// update occurs — see LatencyTracker.Record.
func (r *ProviderRegistry) ReportError(provider, modelID string, errLatencyMs int64) {
	e := r.get(provider)

	now := time.Now()
	var opened bool

	e.mu.Lock()
	e.consecutiveErrs++
	e.lastErrorAt = now
	e.probeInFlight = false
	if e.state == cbHalfOpen {
		e.state = cbOpen
		e.openedAt = now
		opened = true
	} else if e.state == cbClosed && e.consecutiveErrs >= r.cfg.errorThreshold() {
		e.state = cbOpen
		e.openedAt = now
		opened = true
	}
	e.mu.Unlock()

	if opened {
		r.log.Warn("breaker_opened", slog.String("provider", provider))
	}
	r.latency.Record(provider, modelID, errLatencyMs, false)
}

// UpdateRateLimit replaces the provider's rate-limit counters, typically
// parsed from upstream response headers.
func (r *ProviderRegistry) UpdateRateLimit(provider string, remaining int, resetAt time.Time) {
	e := r.get(provider)

	e.mu.Lock()
	e.rlRemaining = remaining
	e.rlResetAt = resetAt
	e.mu.Unlock()
}

// GetProviderStates returns an immutable snapshot for every provider known
// to the registry.
func (r *ProviderRegistry) GetProviderStates() []ProviderState {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()

	out := make([]ProviderState, 0, len(names))
	for _, n := range names {
		out = append(out, r.snapshot(n))
	}
	return out
}

func (r *ProviderRegistry) snapshot(provider string) ProviderState {
	e := r.get(provider)

	e.mu.Lock()
	available := true
	switch e.state {
	case cbOpen:
		if time.Since(e.openedAt) < r.cfg.cooldown() {
			available = false
		}
	case cbHalfOpen:
		available = !e.probeInFlight
	}
	st := ProviderState{
		ID:               provider,
		Available:        available,
		RateLimitRemain:  e.rlRemaining,
		RateLimitResetAt: e.rlResetAt,
		LastErrorAt:      e.lastErrorAt,
		ConsecutiveErrs:  e.consecutiveErrs,
	}
	e.mu.Unlock()

	st.Latency = r.latency.GetStats(provider)
	return st
}

// StateLabel returns "closed" | "open" | "half_open" for metrics export.
func (r *ProviderRegistry) StateLabel(provider string) string {
	e := r.get(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.String()
}
