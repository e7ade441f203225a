// ABOUTME: Base pack provides default tools for all agents: current_time, list_agents
// ABOUTME: Tools receive positional arguments decoded by the dispatcher; current_time answers a protobuf Struct

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/biznet-io/coday/internal/agent"
	"github.com/biznet-io/coday/internal/tools"
)

// BasePackID identifies the base pack in the registry.
const BasePackID = "builtin:base"

// BasePack creates the base pack. now is the clock current_time reads.
func BasePack(catalog *agent.Catalog, now func() time.Time) *tools.Pack {
	if now == nil {
		now = time.Now
	}
	b := &baseHandlers{catalog: catalog, now: now}
	return &tools.Pack{
		ID: BasePackID,
		Tools: []*tools.Tool{
			{
				Definition: tools.Definition{
					Name:        "current_time",
					Description: "Return the current date and time",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA zone name, e.g. Europe/Paris"}}}`),
				},
				Func: b.CurrentTime,
			},
			{
				Definition: tools.Definition{
					Name:        "list_agents",
					Description: "List the agents that can be delegated to",
					InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				},
				Func: b.ListAgents,
			},
		},
	}
}

type baseHandlers struct {
	catalog *agent.Catalog
	now     func() time.Time
}

type currentTimeInput struct {
	Timezone string `json:"timezone"`
}

func (b *baseHandlers) CurrentTime(_ context.Context, args []any) (any, error) {
	var in currentTimeInput
	if err := decodeInput(args, &in); err != nil {
		return nil, err
	}

	t := b.now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", in.Timezone, err)
		}
		t = t.In(loc)
	}
	return structpb.NewStruct(map[string]any{
		"time":    t.Format(time.RFC3339),
		"weekday": t.Weekday().String(),
		"unix":    t.Unix(),
	})
}

type agentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

func (b *baseHandlers) ListAgents(_ context.Context, _ []any) (any, error) {
	defs := b.catalog.List()
	out := make([]agentInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, agentInfo{Name: d.Name, Description: d.Description, Model: d.Model})
	}
	return map[string]any{"agents": out, "count": len(out)}, nil
}

// decodeInput maps the first positional argument onto v. A missing argument
// leaves v at its zero value.
func decodeInput(args []any, v any) error {
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}
