// ABOUTME: Model catalog with context windows and per-million-token prices
// ABOUTME: Built-in defaults can be overridden from a TOML models file

package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/biznet-io/coday/internal/thread"
)

// ErrModelNotFound indicates no model matches a name or alias.
var ErrModelNotFound = errors.New("model not found")

// Price is the cost per million tokens for each token kind.
type Price struct {
	Input      float64 `toml:"input" yaml:"input"`
	Output     float64 `toml:"output" yaml:"output"`
	CacheWrite float64 `toml:"cache_write" yaml:"cache_write"`
	CacheRead  float64 `toml:"cache_read" yaml:"cache_read"`
}

// Model describes one backend model.
type Model struct {
	Name          string `toml:"name"`
	Alias         string `toml:"alias"`
	Provider      string `toml:"provider"`
	ContextWindow int    `toml:"context_window"`
	Price         Price  `toml:"price"`
}

// Cost converts raw token counts into a price.
func (m Model) Cost(u thread.Usage) float64 {
	return (float64(u.InputTokens)*m.Price.Input +
		float64(u.OutputTokens)*m.Price.Output +
		float64(u.CacheWriteTokens)*m.Price.CacheWrite +
		float64(u.CacheReadTokens)*m.Price.CacheRead) / 1_000_000
}

// DefaultModels is the built-in catalog.
func DefaultModels() []Model {
	return []Model{
		{
			Name:          "claude-sonnet-4-20250514",
			Alias:         "BIG",
			Provider:      "anthropic",
			ContextWindow: 200000,
			Price:         Price{Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.3},
		},
		{
			Name:          "claude-3-5-haiku-latest",
			Alias:         "SMALL",
			Provider:      "anthropic",
			ContextWindow: 200000,
			Price:         Price{Input: 0.8, Output: 4, CacheWrite: 1, CacheRead: 0.08},
		},
	}
}

// Catalog resolves model names and aliases. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	models []Model
}

// NewCatalog creates a catalog holding models.
func NewCatalog(models []Model) *Catalog {
	c := &Catalog{}
	for _, m := range models {
		c.Put(m)
	}
	return c
}

// Put adds m, replacing any model with the same name.
func (c *Catalog) Put(m Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.models {
		if c.models[i].Name == m.Name {
			c.models[i] = m
			return
		}
	}
	c.models = append(c.models, m)
}

// Lookup finds a model by exact name or case-insensitive alias. When
// provider is non-empty the alias must belong to that provider.
func (c *Catalog) Lookup(provider, name string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.models {
		if m.Name == name {
			return m, nil
		}
	}
	for _, m := range c.models {
		if m.Alias != "" && strings.EqualFold(m.Alias, name) && (provider == "" || m.Provider == provider) {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

// Models returns a copy of the catalog.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

type modelsFile struct {
	Models []Model `toml:"models"`
}

// LoadCatalog returns the default catalog overlaid with the models declared
// in the TOML file at path. An empty path yields the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog(DefaultModels())
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading models file: %w", err)
	}

	var f modelsFile
	if _, err := toml.Decode(os.ExpandEnv(string(data)), &f); err != nil {
		return nil, fmt.Errorf("parsing models file: %w", err)
	}
	for _, m := range f.Models {
		if m.Name == "" {
			return nil, errors.New("models file: model name is required")
		}
		if m.ContextWindow <= 0 {
			return nil, fmt.Errorf("models file: %s: context_window must be positive", m.Name)
		}
		c.Put(m)
	}
	return c, nil
}
