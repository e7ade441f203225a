// ABOUTME: Catalog of configured agents with case-insensitive prefix lookup
// ABOUTME: Agents are registered once at startup and shared by every session

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultAgentName is used when nothing else selects an agent.
const DefaultAgentName = "coday"

// ErrAgentAlreadyRegistered indicates an agent with the same name exists.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates no agent matches the requested name.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAmbiguousAgent indicates a prefix matches several agents.
var ErrAmbiguousAgent = errors.New("ambiguous agent name")

// ErrNoAgentsAvailable indicates the catalog is empty.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Definition describes one agent.
type Definition struct {
	Name         string
	Description  string
	Instructions string
	Provider     string
	Model        string
	// Temperature nil means the provider default.
	Temperature *float64
	MaxTokens   int
	// Tools restricts the agent to the named tools; empty means all.
	Tools []string
}

// Catalog holds agent definitions keyed by lower-cased name.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]*Definition
	order  []string
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		agents: make(map[string]*Definition),
		logger: logger.With("component", "agents"),
	}
}

// Register adds def. Names are unique ignoring case.
func (c *Catalog) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("agent name is required")
	}
	key := strings.ToLower(def.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[key]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, def.Name)
	}
	c.agents[key] = &def
	c.order = append(c.order, key)

	c.logger.Info("=== AGENT REGISTERED ===",
		"name", def.Name,
		"provider", def.Provider,
		"model", def.Model,
		"total_agents", len(c.agents),
	)
	return nil
}

// Get returns the agent with exactly this name, ignoring case.
func (c *Catalog) Get(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.agents[strings.ToLower(name)]
	return def, ok
}

// FindAll returns every agent whose name starts with prefix, ignoring case,
// in registration order.
func (c *Catalog) FindAll(prefix string) []*Definition {
	p := strings.ToLower(prefix)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Definition
	for _, key := range c.order {
		if strings.HasPrefix(key, p) {
			out = append(out, c.agents[key])
		}
	}
	return out
}

// Find resolves prefix to a single agent. An exact name wins over other
// prefix matches.
func (c *Catalog) Find(prefix string) (*Definition, error) {
	matches := c.FindAll(prefix)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, prefix)
	case 1:
		return matches[0], nil
	}
	if def, ok := c.Get(prefix); ok {
		return def, nil
	}
	return nil, fmt.Errorf("%w: '%s' matches %s", ErrAmbiguousAgent, prefix, joinNames(matches))
}

// List returns the definitions in registration order.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Definition, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.agents[key])
	}
	return out
}

// Len returns the number of agents.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

func joinNames(defs []*Definition) string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return strings.Join(names, ", ")
}
