// Package builtins provides the tool packs the gateway registers for every
// agent.
//
// # Tool Packs
//
// Base Pack (builtin:base):
//
//   - current_time: the gateway's clock in RFC 3339, optionally in a named zone
//   - list_agents: the configured agents with their descriptions
//
// The delegate tool is not part of this package; the agent runtime adds it
// per run because it needs the caller's thread and delegation budget.
//
// # Usage
//
//	registry := tools.NewRegistry(logger)
//	if err := registry.RegisterPack(builtins.BasePack(catalog, time.Now)); err != nil {
//	    return err
//	}
package builtins
