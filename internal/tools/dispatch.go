// ABOUTME: Executes a model-requested tool call against a Registry exactly once
// ABOUTME: Normalizes arguments and outputs, converts failures to response text

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// Request is a tool call requested by the model.
type Request struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Response is the text result of a tool call.
type Response struct {
	ID     string
	Output string
}

// ExecutionError wraps a failure raised by a tool implementation.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Error executing tool '%s': %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DispatcherConfig contains configuration options for the Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Dispatcher runs tool requests.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher with the given configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		logger:   logger.With("component", "dispatcher"),
		timeout:  timeout,
	}
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Run resolves req.Name and executes it once. It returns ErrToolNotFound for
// an unknown name and *ExecutionError for anything the tool raises,
// including panics and malformed arguments.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Response, error) {
	tool := d.registry.Get(req.Name)
	if tool == nil {
		d.logger.Debug("tool not found in registry", "tool_name", req.Name, "request_id", req.ID)
		return Response{}, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}

	args, err := decodeArgs(req.Args)
	if err != nil {
		return Response{}, &ExecutionError{Tool: req.Name, Err: fmt.Errorf("invalid arguments: %w", err)}
	}

	d.logger.Info("→ dispatching tool", "tool_name", req.Name, "request_id", req.ID)

	timeout := d.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := invoke(ctx, tool.Func, args)
	if err != nil {
		d.logger.Warn("tool error", "tool_name", req.Name, "request_id", req.ID, "error", err)
		return Response{}, &ExecutionError{Tool: req.Name, Err: err}
	}

	output, err := formatOutput(req.Name, result)
	if err != nil {
		return Response{}, &ExecutionError{Tool: req.Name, Err: err}
	}

	d.logger.Info("← tool responded", "tool_name", req.Name, "request_id", req.ID, "output_len", len(output))
	return Response{ID: req.ID, Output: output}, nil
}

// RunAsData executes req and folds any failure into the response text.
func (d *Dispatcher) RunAsData(ctx context.Context, req Request) Response {
	resp, err := d.Run(ctx, req)
	if err == nil {
		return resp
	}

	var execErr *ExecutionError
	switch {
	case errors.Is(err, ErrToolNotFound):
		return Response{ID: req.ID, Output: fmt.Sprintf("Tool '%s' not found", req.Name)}
	case errors.As(err, &execErr):
		return Response{ID: req.ID, Output: execErr.Error()}
	default:
		return Response{ID: req.ID, Output: fmt.Sprintf("Error executing tool '%s': %v", req.Name, err)}
	}
}

func invoke(ctx context.Context, fn Func, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("tool panic", "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

func decodeArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}

func formatOutput(name string, result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return finishedWithoutError(name), nil
	case string:
		if v == "" {
			return finishedWithoutError(name), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return finishedWithoutError(name), nil
		}
		return string(v), nil
	case proto.Message:
		data, err := protojson.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal proto output: %w", err)
		}
		return string(data), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal output: %w", err)
		}
		return string(data), nil
	}
}

func finishedWithoutError(name string) string {
	return fmt.Sprintf("Tool function %s finished without error.", name)
}
