// Package costs tracks per-provider spend derived from reported token
// usage and the static model pricing catalog. Totals are served as an
// authenticated JSON snapshot at GET /metrics/costs.
package costs

import (
	"sync"
	"time"

	"github.com/hollowbrook/gatekeep/internal/routing"
)

// recentCapacity bounds the ring of most-recent request costs retained
// for the snapshot.
const recentCapacity = 256

// RequestCost is one request's computed spend.
type RequestCost struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	At           time.Time `json:"at"`
}

// ProviderTotals accumulates one provider's lifetime counters.
type ProviderTotals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary is the snapshot served at /metrics/costs. All fields are deep
// copies — mutating a Summary never touches tracker state.
type Summary struct {
	TotalUSD  float64                   `json:"total_usd"`
	Providers map[string]ProviderTotals `json:"providers"`
	Recent    []RequestCost             `json:"recent"`
}

// Tracker is safe for concurrent use. Recent requests live in a
// fixed-capacity ring indexed modulo capacity, never a shift-from-head
// slice.
type Tracker struct {
	mu      sync.Mutex
	pricing map[string]routing.ModelPricing
	totals  map[string]*ProviderTotals
	recent  []RequestCost
	head    int
	count   int
}

// New builds a tracker over the given pricing catalog. Models absent from
// the catalog record zero cost but still count toward request/token totals.
func New(pricing []routing.ModelPricing) *Tracker {
	idx := make(map[string]routing.ModelPricing, len(pricing))
	for _, p := range pricing {
		idx[p.Provider+"/"+p.ModelID] = p
	}
	return &Tracker{
		pricing: idx,
		totals:  make(map[string]*ProviderTotals),
		recent:  make([]RequestCost, recentCapacity),
	}
}

// Record accumulates one request's usage against provider/model.
func (t *Tracker) Record(provider, model string, inputTokens, outputTokens int) {
	var cost float64
	if p, ok := t.pricing[provider+"/"+model]; ok {
		cost = float64(inputTokens)/1000*p.InputPer1k + float64(outputTokens)/1000*p.OutputPer1k
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tot := t.totals[provider]
	if tot == nil {
		tot = &ProviderTotals{}
		t.totals[provider] = tot
	}
	tot.Requests++
	tot.InputTokens += int64(inputTokens)
	tot.OutputTokens += int64(outputTokens)
	tot.CostUSD += cost

	idx := (t.head + t.count) % len(t.recent)
	t.recent[idx] = RequestCost{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		At:           time.Now(),
	}
	if t.count < len(t.recent) {
		t.count++
	} else {
		t.head = (t.head + 1) % len(t.recent)
	}
}

// Snapshot returns a deep copy of the current totals and the recent ring
// in insertion order (oldest first).
func (t *Tracker) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Summary{
		Providers: make(map[string]ProviderTotals, len(t.totals)),
		Recent:    make([]RequestCost, t.count),
	}
	for name, tot := range t.totals {
		out.Providers[name] = *tot
		out.TotalUSD += tot.CostUSD
	}
	for i := 0; i < t.count; i++ {
		out.Recent[i] = t.recent[(t.head+i)%len(t.recent)]
	}
	return out
}
