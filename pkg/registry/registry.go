// Package registry resolves spec.md §6.1's optional models.json against a
// set of built-in provider/model definitions: a provider entry carrying
// only baseUrl/headers overrides the built-in (URL/headers rewritten,
// models kept), while one carrying a models array replaces the built-in
// entirely. Grounded on pkg/store/jsonl/manager.go's own JSON-file-per-
// record style (read/unmarshal into a plain struct, no config library).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Cost is a model's per-million-token pricing, spec.md §6.1's "cost" field.
type Cost struct {
	InputPerMTok      float64 `json:"inputPerMTok,omitempty"`
	OutputPerMTok     float64 `json:"outputPerMTok,omitempty"`
	CacheReadPerMTok  float64 `json:"cacheReadPerMTok,omitempty"`
	CacheWritePerMTok float64 `json:"cacheWritePerMTok,omitempty"`
}

// Model describes one entry in a provider's "models" array, spec.md §6.1
// verbatim.
type Model struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Reasoning     bool     `json:"reasoning,omitempty"`
	Input         []string `json:"input,omitempty"`
	Cost          *Cost    `json:"cost,omitempty"`
	ContextWindow int      `json:"contextWindow,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
}

// Provider is one entry of models.json's top-level "providers" map.
type Provider struct {
	BaseURL   string            `json:"baseUrl,omitempty"`
	APIKeyEnv string            `json:"apiKey-env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	API       string            `json:"api,omitempty"`
	Models    []Model           `json:"models,omitempty"`
}

// isOverrideOnly reports whether p carries only connection details (no
// models array), spec.md §6.1's distinction between an override and a
// replacement.
func (p Provider) isOverrideOnly() bool {
	return len(p.Models) == 0
}

// File is models.json's top-level shape.
type File struct {
	Providers map[string]Provider `json:"providers"`
}

// LoadFile reads path, returning an empty File if it doesn't exist (the
// models file is entirely optional per spec.md §6.1).
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("registry: parsing %s: %w", path, err)
	}
	return f, nil
}

// Registry holds the effective set of providers: built-ins as constructed
// by New, with any models.json entries layered on top via Apply.
type Registry struct {
	providers map[string]Provider
}

// New constructs a Registry seeded with builtins (e.g. the compiled-in
// anthropic/openai/gemini/codex provider definitions from cmd/forge's
// builtinProviders).
func New(builtins map[string]Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(builtins))}
	for name, p := range builtins {
		r.providers[name] = p
	}
	return r
}

// Apply layers f's providers onto r, per spec.md §6.1: a provider entry
// with a non-empty "models" array replaces the built-in outright; one with
// only baseUrl/headers overrides those fields on the existing built-in
// (or, if the provider has no built-in, is taken as-is); everything else
// is left untouched.
func (r *Registry) Apply(f File) {
	for name, incoming := range f.Providers {
		existing, ok := r.providers[name]
		switch {
		case !incoming.isOverrideOnly():
			r.providers[name] = incoming
		case !ok:
			r.providers[name] = incoming
		default:
			if incoming.BaseURL != "" {
				existing.BaseURL = incoming.BaseURL
			}
			if incoming.APIKeyEnv != "" {
				existing.APIKeyEnv = incoming.APIKeyEnv
			}
			if incoming.Headers != nil {
				existing.Headers = incoming.Headers
			}
			if incoming.API != "" {
				existing.API = incoming.API
			}
			r.providers[name] = existing
		}
	}
}

// Provider returns the effective configuration for name.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ProviderNames returns every known provider name, sorted.
func (r *Registry) ProviderNames() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model finds modelID within provider's Models list.
func (r *Registry) Model(provider, modelID string) (Model, bool) {
	p, ok := r.providers[provider]
	if !ok {
		return Model{}, false
	}
	for _, m := range p.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve finds a model by id across every provider, for CLI surfaces
// (spec.md §6.4 "--model") that accept a bare model id without a provider
// prefix. Returns the first match in ProviderNames order.
func (r *Registry) Resolve(modelID string) (provider string, model Model, ok bool) {
	for _, name := range r.ProviderNames() {
		if m, found := r.Model(name, modelID); found {
			return name, m, true
		}
	}
	return "", Model{}, false
}

// List returns every model across every provider, for spec.md §6.4's
// "--list-models [pattern]".
func (r *Registry) List() []ModelRef {
	var refs []ModelRef
	for _, name := range r.ProviderNames() {
		for _, m := range r.providers[name].Models {
			refs = append(refs, ModelRef{Provider: name, Model: m})
		}
	}
	return refs
}

// ModelRef pairs a Model with the provider it belongs to.
type ModelRef struct {
	Provider string
	Model    Model
}
