// Package catalog holds the static model catalog served by GET /v1/models
// and consulted by the validator and the model selector.
//
// The catalog is loaded once at process start and never mutated afterwards,
// so lookups are safe from any goroutine without locking.
package catalog

import (
	"sort"
)

// Auto is the sentinel model name instructing the selector to choose a
// concrete model for the request.
const Auto = "auto"

// ModelSpec is a single catalog entry.
type ModelSpec struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	Created         int64   `json:"created"`
	OwnedBy         string  `json:"owned_by"`
	ContextLength   int     `json:"context_length"`
	PricePer1K      float64 `json:"-"`
	Priority        int     `json:"-"`
	Pricing         Pricing `json:"pricing"`
}

// Pricing mirrors the OpenAI models endpoint pricing block.
type Pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// Catalog is an immutable set of ModelSpecs indexed by id.
type Catalog struct {
	byID    map[string]ModelSpec
	ordered []ModelSpec // sorted by ContextLength descending
}

// Default returns the built-in catalog of the three serving tiers.
func Default() *Catalog {
	return New([]ModelSpec{
		{
			ID:            "mixtral-8x7b",
			Object:        "model",
			Created:       1700000000,
			OwnedBy:       "mistralai",
			ContextLength: 32768,
			PricePer1K:    0.002,
			Priority:      1,
			Pricing:       Pricing{Prompt: 0.002, Completion: 0.002},
		},
		{
			ID:            "llama-3-70b",
			Object:        "model",
			Created:       1700000000,
			OwnedBy:       "meta",
			ContextLength: 8192,
			PricePer1K:    0.003,
			Priority:      2,
			Pricing:       Pricing{Prompt: 0.003, Completion: 0.003},
		},
		{
			ID:            "phi-3-mini",
			Object:        "model",
			Created:       1700000000,
			OwnedBy:       "microsoft",
			ContextLength: 4096,
			PricePer1K:    0.0005,
			Priority:      0,
			Pricing:       Pricing{Prompt: 0.0005, Completion: 0.0005},
		},
	})
}

// New builds a Catalog from specs. The slice is copied; callers may reuse it.
func New(specs []ModelSpec) *Catalog {
	c := &Catalog{
		byID:    make(map[string]ModelSpec, len(specs)),
		ordered: make([]ModelSpec, len(specs)),
	}
	copy(c.ordered, specs)

	// Capability order: larger context first; price breaks ties (cheaper first).
	sort.SliceStable(c.ordered, func(i, j int) bool {
		if c.ordered[i].ContextLength != c.ordered[j].ContextLength {
			return c.ordered[i].ContextLength > c.ordered[j].ContextLength
		}
		return c.ordered[i].PricePer1K < c.ordered[j].PricePer1K
	})

	for _, s := range c.ordered {
		c.byID[s.ID] = s
	}
	return c
}

// ByID looks up a model. The second return value reports whether it exists.
func (c *Catalog) ByID(id string) (ModelSpec, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Has reports whether id names a catalog model.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// List returns all models in capability order (largest context first).
func (c *Catalog) List() []ModelSpec {
	out := make([]ModelSpec, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// TopTier returns the highest-capability model (largest context window).
func (c *Catalog) TopTier() ModelSpec {
	return c.ordered[0]
}

// MidTier returns the middle model by capability order.
func (c *Catalog) MidTier() ModelSpec {
	return c.ordered[len(c.ordered)/2]
}

// Economy returns the cheapest model by prompt price.
func (c *Catalog) Economy() ModelSpec {
	best := c.ordered[0]
	for _, s := range c.ordered[1:] {
		if s.PricePer1K < best.PricePer1K {
			best = s
		}
	}
	return best
}

// WidestContext returns the largest context window in the catalog. Used as
// the token-budget ceiling when the request leaves model selection to "auto".
func (c *Catalog) WidestContext() int {
	return c.ordered[0].ContextLength
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.ordered)
}
