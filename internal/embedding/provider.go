// Package embedding obtains vectors for text from remote embedding models,
// caching results per (model, text) and producing placeholder vectors when
// the remote service is unavailable.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"kbrag/internal/domain"
	"kbrag/internal/embedding/openai"
)

// Model is an embedding model reachable through an OpenAI-compatible API.
type Model struct {
	ID         string `json:"id"`
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"-"`
	Dimensions int    `json:"dimensions"`
}

// Provider embeds text with a registered model. It owns its Cache.
type Provider struct {
	client *openai.Client
	cache  *Cache
	models map[string]Model
	log    *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithCache replaces the default cache, e.g. to use a small capacity.
func WithCache(c *Cache) Option { return func(p *Provider) { p.cache = c } }

// WithLogger sets the logger used for cache and request diagnostics.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.log = l } }

// NewProvider creates a provider that knows the given models.
func NewProvider(client *openai.Client, models []Model, opts ...Option) *Provider {
	p := &Provider{
		client: client,
		cache:  NewCache(DefaultCacheCapacity),
		models: make(map[string]Model, len(models)),
		log:    slog.Default(),
	}
	for _, m := range models {
		p.models[m.ID] = m
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = openai.NewClient(openai.Config{})
	}
	return p
}

// Model returns the registered model with the given id.
func (p *Provider) Model(id string) (Model, bool) {
	m, ok := p.models[id]
	return m, ok
}

// Models lists registered models sorted by id.
func (p *Provider) Models() []Model {
	out := make([]Model, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Embed returns the vector for text under modelID. A cache hit skips the
// network. Unknown models and missing credentials fail with domain.ErrConfig;
// remote failures are returned as domain.ErrRemote and are never replaced
// by a placeholder here.
func (p *Provider) Embed(ctx context.Context, text, modelID string) ([]float64, error) {
	if v, ok := p.cache.Get(modelID, text); ok {
		return v, nil
	}
	m, ok := p.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown embedding model %q", domain.ErrConfig, modelID)
	}
	if m.APIKey == "" {
		return nil, fmt.Errorf("%w: model %q has no API key", domain.ErrConfig, modelID)
	}
	if m.BaseURL == "" {
		return nil, fmt.Errorf("%w: model %q has no base URL", domain.ErrConfig, modelID)
	}
	v, err := p.client.Embed(ctx, openai.Endpoint{BaseURL: m.BaseURL, APIKey: m.APIKey, Model: m.ID}, text)
	if err != nil {
		p.log.Error("embedding request failed", "model", modelID, "err", err)
		return nil, err
	}
	p.cache.Put(modelID, text, v)
	p.log.Debug("embedded text", "model", modelID, "dimensions", len(v), "cached", p.cache.Len())
	return v, nil
}
