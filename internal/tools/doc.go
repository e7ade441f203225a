// Package tools resolves and executes the function calls a model requests.
//
// # Registry
//
// A Registry is built once per process (or per agent via Subset) and passed
// to the components that need it. Tools are grouped in packs; a tool name
// must be unique across all packs:
//
//	reg := tools.NewRegistry(logger)
//	err := reg.RegisterPack(&tools.Pack{ID: "core", Tools: []*tools.Tool{delegate}})
//
// # Dispatch
//
// Dispatcher.Run executes one request exactly once. Arguments arrive as JSON;
// an array is spread into positional arguments, anything else becomes the
// single argument. Failures come back as ErrToolNotFound or *ExecutionError.
//
// RunAsData never fails: it turns those errors into response text so the
// model can read the failure and react.
package tools
