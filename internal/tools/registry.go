// ABOUTME: Explicit registry of callable tools grouped into packs
// ABOUTME: Enforces unique tool names and exposes definitions for provider requests

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrPackAlreadyRegistered indicates a pack with the same ID exists.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// Func implements a tool. args holds the positional arguments decoded from
// the request JSON.
type Func func(ctx context.Context, args []any) (any, error)

// Definition is the schema advertised to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition Definition
	Func       Func
	// Timeout overrides the dispatcher timeout when positive.
	Timeout time.Duration
}

// Pack is a named group of tools registered together.
type Pack struct {
	ID    string
	Tools []*Tool
}

type entry struct {
	tool   *Tool
	packID string
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string]*Pack
	tools  map[string]*entry
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string]*Pack),
		tools:  make(map[string]*entry),
		logger: logger.With("component", "tools"),
	}
}

// RegisterPack adds every tool of pack. Nothing is registered if any name
// collides with an existing tool or with another tool in the same pack.
func (r *Registry) RegisterPack(pack *Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[pack.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, pack.ID)
	}

	seen := make(map[string]bool, len(pack.Tools))
	for _, tool := range pack.Tools {
		name := tool.Definition.Name
		if existing, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
				ErrToolCollision, name, existing.packID)
		}
		if seen[name] {
			return fmt.Errorf("%w: tool '%s' appears twice in pack '%s'",
				ErrToolCollision, name, pack.ID)
		}
		seen[name] = true
	}

	for _, tool := range pack.Tools {
		r.tools[tool.Definition.Name] = &entry{tool: tool, packID: pack.ID}
		r.order = append(r.order, tool.Definition.Name)
	}
	r.packs[pack.ID] = pack

	r.logger.Info("=== PACK REGISTERED ===",
		"pack_id", pack.ID,
		"tool_count", len(pack.Tools),
		"total_packs", len(r.packs),
		"total_tools", len(r.tools),
	)
	return nil
}

// Register adds a single tool under the given pack ID, creating the pack if
// needed.
func (r *Registry) Register(packID string, tool *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Definition.Name
	if existing, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
			ErrToolCollision, name, existing.packID)
	}

	pack, ok := r.packs[packID]
	if !ok {
		pack = &Pack{ID: packID}
		r.packs[packID] = pack
	}
	pack.Tools = append(pack.Tools, tool)
	r.tools[name] = &entry{tool: tool, packID: packID}
	r.order = append(r.order, name)
	return nil
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool
	}
	return nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].tool.Definition)
	}
	return defs
}

// CharLength is the size of the JSON-encoded definitions. Providers subtract
// it from the context budget.
func (r *Registry) CharLength() int {
	data, err := json.Marshal(r.Definitions())
	if err != nil {
		return 0
	}
	return len(data)
}

// Subset returns a new registry holding only the named tools. Unknown names
// are skipped. An empty names list selects every tool.
func (r *Registry) Subset(names []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	sub := &Registry{
		packs:  make(map[string]*Pack),
		tools:  make(map[string]*entry),
		logger: r.logger,
	}
	for _, name := range r.order {
		if len(names) > 0 && !want[name] {
			continue
		}
		e := r.tools[name]
		sub.tools[name] = e
		sub.order = append(sub.order, name)
		pack, ok := sub.packs[e.packID]
		if !ok {
			pack = &Pack{ID: e.packID}
			sub.packs[e.packID] = pack
		}
		pack.Tools = append(pack.Tools, e.tool)
	}
	return sub
}
