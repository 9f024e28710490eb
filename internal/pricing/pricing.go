// Package pricing converts token usage into USD cost. Rates are USD
// per million tokens, keyed by model-name prefix so one entry covers a
// model family's dated releases.
package pricing

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Rate is the USD price per one million input and output tokens.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Table maps model-name prefixes to rates. Lookups pick the longest
// matching prefix, so "claude-sonnet-4-5" resolves via "claude-sonnet"
// unless a more specific entry exists. Safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate

	reload singleflight.Group
}

// defaultRates cover the model families the built-in providers speak.
// Local models (ollama) cost nothing.
var defaultRates = map[string]Rate{
	"claude-opus":   {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku":  {InputPerMTok: 1, OutputPerMTok: 5},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10},
	"gpt-4.1":       {InputPerMTok: 2, OutputPerMTok: 8},
	"o3":            {InputPerMTok: 2, OutputPerMTok: 8},
	"ollama":        {},
	"llama":         {},
}

// NewTable returns a table seeded with the default rates.
func NewTable() *Table {
	rates := make(map[string]Rate, len(defaultRates))
	for k, v := range defaultRates {
		rates[k] = v
	}
	return &Table{rates: rates}
}

// Cost prices a single exchange. Unknown models cost zero; billing for
// a model we cannot price is worse than undercounting.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*rate.InputPerMTok +
		float64(outputTokens)/1e6*rate.OutputPerMTok
}

// Lookup resolves the rate for a model by longest-prefix match.
func (t *Table) Lookup(model string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	model = normalize(model)
	var (
		best    Rate
		bestLen = -1
	)
	for prefix, rate := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = rate, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Set adds or replaces one rate entry.
func (t *Table) Set(modelPrefix string, rate Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[normalize(modelPrefix)] = rate
}

// Replace swaps in a full rate map, keeping defaults for families the
// new map does not mention.
func (t *Table) Replace(rates map[string]Rate) {
	next := make(map[string]Rate, len(defaultRates)+len(rates))
	for k, v := range defaultRates {
		next[k] = v
	}
	for k, v := range rates {
		next[normalize(k)] = v
	}
	t.mu.Lock()
	t.rates = next
	t.mu.Unlock()
}

// Reload fetches fresh rates and applies them. Concurrent calls
// collapse into one fetch; every caller observes the same result.
func (t *Table) Reload(fetch func() (map[string]Rate, error)) error {
	_, err, _ := t.reload.Do("rates", func() (any, error) {
		rates, err := fetch()
		if err != nil {
			return nil, err
		}
		t.Replace(rates)
		return nil, nil
	})
	return err
}

// normalize strips an optional provider prefix like "anthropic:" or
// "ollama/".
func normalize(model string) string {
	if _, after, ok := strings.Cut(model, ":"); ok {
		model = after
	}
	if _, after, ok := strings.Cut(model, "/"); ok {
		model = after
	}
	return model
}
