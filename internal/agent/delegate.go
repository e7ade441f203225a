// ABOUTME: The delegate tool: hands a task to another agent on a forked thread
// ABOUTME: Bounded by the delegation budget; lookup failures are returned as tool output

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/provider"
	"github.com/biznet-io/coday/internal/thread"
	"github.com/biznet-io/coday/internal/tools"
)

const (
	delegatePackID   = "builtin:delegate"
	delegateToolName = "delegate"
	// delegateTimeout bounds a whole delegated run, tool loop included.
	delegateTimeout = 30 * time.Minute
	// delegatedPrefix marks text produced by a delegated agent.
	delegatedPrefix = "-> "
)

var delegateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "What the other agent should do, with enough context to act on it."},
		"agentName": {"type": "string", "description": "Name or name prefix of the agent. Defaults to coday."}
	},
	"required": ["task"]
}`)

func (r *Runtime) delegateTool(state *runState, th *thread.Thread, caller *Definition, budget thread.Budget, emit provider.Emitter) *tools.Tool {
	return &tools.Tool{
		Definition: tools.Definition{
			Name:        delegateToolName,
			Description: "Delegate a task to another agent. It works on a copy of this conversation and its final answer is returned.",
			InputSchema: delegateSchema,
		},
		Timeout: delegateTimeout,
		Func: func(ctx context.Context, args []any) (any, error) {
			task, agentName, err := delegateArgs(args)
			if err != nil {
				return nil, err
			}
			return r.delegate(ctx, state, th, caller, budget, emit, task, agentName)
		},
	}
}

func (r *Runtime) delegate(ctx context.Context, state *runState, th *thread.Thread, caller *Definition, budget thread.Budget, emit provider.Emitter, task, agentName string) (string, error) {
	if budget.Remaining() <= 0 {
		return thread.DelegationDenied, nil
	}

	say := func(text string) {
		if err := emit.Emit(events.Text(caller.Name, text)); err != nil {
			r.logger.Debug("event not delivered", "error", err)
		}
	}
	say(fmt.Sprintf("DELEGATING to agent %s the task:\n%s", displayName(agentName), task))

	var target *Definition
	childName := ""
	if agentName != "" {
		matches := r.catalog.FindAll(agentName)
		switch len(matches) {
		case 0:
			out := fmt.Sprintf("Agent %s not found.", agentName)
			say(out)
			return out, nil
		case 1:
			target = matches[0]
		default:
			out := fmt.Sprintf("Multiple agents found for: '%s', possible matches: %s.", agentName, joinNames(matches))
			say(out)
			return out, nil
		}
		childName = target.Name
	} else {
		def, ok := r.catalog.Get(DefaultAgentName)
		if !ok {
			out := fmt.Sprintf("No default agent '%s' found", DefaultAgentName)
			say(out)
			return out + ", select one or avoid delegation.", nil
		}
		target = def
	}

	r.logger.Info("delegating", "from", caller.Name, "to", target.Name, "remaining_depth", budget.Remaining())

	child := prefixSpeaker(emit)
	return thread.Delegate(ctx, th, budget, childName, func(ctx context.Context, fork *thread.Thread, b thread.Budget) error {
		if err := fork.Append(thread.NewText(thread.RoleUser, r.conv.Username(), thread.FormatTask(task))); err != nil {
			return err
		}
		return r.runAgent(ctx, state, fork, target, b, child)
	})
}

func delegateArgs(args []any) (task, agentName string, err error) {
	if len(args) == 0 {
		return "", "", fmt.Errorf("missing task")
	}
	switch v := args[0].(type) {
	case map[string]any:
		task, _ = v["task"].(string)
		agentName, _ = v["agentName"].(string)
	case string:
		task = v
		if len(args) > 1 {
			agentName, _ = args[1].(string)
		}
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return "", "", fmt.Errorf("missing task")
	}
	return task, strings.TrimSpace(agentName), nil
}

func displayName(name string) string {
	if name == "" {
		return DefaultAgentName
	}
	return name
}

// prefixSpeaker marks text events of a delegated run.
func prefixSpeaker(emit provider.Emitter) provider.Emitter {
	return emitterFunc(func(e events.Event) error {
		if e.Type == events.TypeText && !strings.HasPrefix(e.Speaker, delegatedPrefix) {
			e.Speaker = delegatedPrefix + e.Speaker
		}
		return emit.Emit(e)
	})
}
