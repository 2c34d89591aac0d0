// Package model is the registry of agent models the engine can run:
// display names, providers, per-token pricing, and whether usage is
// covered by a subscription instead of API billing.
package model

import (
	"errors"
	"sort"

	"github.com/repolens/repolens/pkg/wire"
)

// ErrUnknownModel is returned by Lookup for ids not in the registry.
var ErrUnknownModel = errors.New("unknown model")

// DefaultModelID is used when the caller does not pick a model.
const DefaultModelID = "claude-sonnet-4-5"

// Pricing is USD per million tokens.
type Pricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Model is one registry entry.
type Model struct {
	ID             string
	Name           string
	Provider       string
	IsSubscription bool
	Pricing        Pricing
}

// Cost prices a usage report against this model. Subscription models
// cost nothing per token.
func (m Model) Cost(u wire.Usage) float64 {
	if m.IsSubscription {
		return 0
	}
	p := m.Pricing
	tokens := float64(u.Input)*p.Input +
		float64(u.Output)*p.Output +
		float64(u.CacheRead)*p.CacheRead +
		float64(u.CacheWrite)*p.CacheWrite
	return tokens / 1e6
}

func builtinModels() []Model {
	return []Model{
		{
			ID:       "claude-opus-4-5",
			Name:     "Claude Opus 4.5",
			Provider: "anthropic",
			Pricing:  Pricing{Input: 5, Output: 25, CacheRead: 0.50, CacheWrite: 6.25},
		},
		{
			ID:       "claude-sonnet-4-5",
			Name:     "Claude Sonnet 4.5",
			Provider: "anthropic",
			Pricing:  Pricing{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75},
		},
		{
			ID:       "claude-haiku-4-5",
			Name:     "Claude Haiku 4.5",
			Provider: "anthropic",
			Pricing:  Pricing{Input: 1, Output: 5, CacheRead: 0.10, CacheWrite: 1.25},
		},
		{
			ID:       "gpt-5",
			Name:     "GPT-5",
			Provider: "openai",
			Pricing:  Pricing{Input: 1.25, Output: 10, CacheRead: 0.125},
		},
		{
			// The agent CLI accepts bare aliases when running on a
			// subscription login; usage is not billed per token.
			ID:             "opus",
			Name:           "Claude Opus (subscription)",
			Provider:       "claude",
			IsSubscription: true,
		},
		{
			ID:             "sonnet",
			Name:           "Claude Sonnet (subscription)",
			Provider:       "claude",
			IsSubscription: true,
		},
	}
}

// Registry holds the known models.
type Registry struct {
	models []Model
	index  map[string]int
}

// NewRegistry builds a registry with the built-in catalog.
func NewRegistry() *Registry {
	return NewRegistryWith(builtinModels())
}

// NewRegistryWith builds a registry from an explicit catalog.
func NewRegistryWith(models []Model) *Registry {
	r := &Registry{
		models: make([]Model, len(models)),
		index:  make(map[string]int, len(models)),
	}
	copy(r.models, models)
	for i, m := range r.models {
		r.index[m.ID] = i
	}
	return r
}

// Lookup returns the model with the given id.
func (r *Registry) Lookup(id string) (Model, error) {
	i, ok := r.index[id]
	if !ok {
		return Model{}, ErrUnknownModel
	}
	return r.models[i], nil
}

// Resolve is Lookup with auto-selection: an empty id picks the default
// model.
func (r *Registry) Resolve(id string) (Model, error) {
	if id == "" {
		return r.Default(), nil
	}
	return r.Lookup(id)
}

// Default returns the model used when none is requested.
func (r *Registry) Default() Model {
	if m, err := r.Lookup(DefaultModelID); err == nil {
		return m
	}
	return r.models[0]
}

// List returns the catalog sorted by provider then name.
func (r *Registry) List() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Infos renders the catalog for the /models route, flagging the active
// model.
func (r *Registry) Infos(activeID string) []wire.ModelInfo {
	models := r.List()
	out := make([]wire.ModelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, wire.ModelInfo{
			ID:             m.ID,
			Name:           m.Name,
			Provider:       m.Provider,
			IsSubscription: m.IsSubscription,
			Active:         m.ID == activeID,
		})
	}
	return out
}
