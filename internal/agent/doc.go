// Package agent runs configured AI agents against conversation threads.
//
// # Overview
//
// Agents are declared in configuration and held in a Catalog shared by all
// sessions. Each session owns one Runtime, which executes user input one
// run at a time:
//
//	rt := agent.NewRuntime(agent.RuntimeConfig{
//		Catalog:      catalog,
//		Providers:    clients,
//		Conversation: conversation.New(store, username, logger),
//		Events:       channel,
//	})
//	err := rt.Start("@reviewer look at this diff")
//
// # Selection
//
// A leading "@name" picks the agent by case-insensitive name prefix. Without
// one, the Selector falls back to the last used agent, the configured
// preferred agent, "coday", and finally the first registered agent.
//
// # Runs
//
// A run appends the user text to the active thread, drives the provider
// client until the model stops calling tools, saves the thread and records
// usage. Input arriving during a run is rejected with ErrRunActive. Stop
// cancels the run; Kill also closes the event channel for good.
//
// # Delegation
//
// Every agent gets a "delegate" tool. It forks the thread, runs the target
// agent on the fork with one less unit of delegation budget and merges the
// fork back. Text produced by the delegated agent is emitted with a "-> "
// speaker prefix. Lookup failures and an exhausted budget are returned to
// the model as the tool output.
package agent
