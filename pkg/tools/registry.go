package tools

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

// Registry maps tool names to tools and mediates invocation: lenient
// argument parsing, per-call timeout, panic recovery. Invoke never returns
// an error to the caller; failures become Error: observations the model can
// read and react to.
type Registry struct {
	order   []string
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. timeout bounds each tool call;
// zero means no bound.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Last registration wins on name collision.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe renders the tool catalogue for the system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.order {
		tool := r.tools[name]
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(tool.Description())
		b.WriteString("\n")
		params := tool.Parameters()
		if len(params) == 0 {
			continue
		}
		b.WriteString("  Arguments: ")
		parts := make([]string, 0, len(params))
		for _, p := range params {
			part := fmt.Sprintf("%s (%s", p.Name, p.Type)
			if p.Required {
				part += ", required"
			}
			part += ")"
			parts = append(parts, part)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// Invoke runs a tool by name with a raw argument string, either a JSON
// object or positional CSV. The returned observation is always safe to feed
// back to the model.
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) (observation string) {
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q. Available tools: %s", name, strings.Join(r.order, ", "))
	}

	args, err := parseArguments(tool.Parameters(), rawArgs)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec, "stack", string(debug.Stack()))
			observation = fmt.Sprintf("Error: tool %s failed unexpectedly", name)
		}
	}()

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err, "duration", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("Error: tool %s timed out", name)
		}
		return fmt.Sprintf("Error: %v", err)
	}
	r.logger.Debug("tool succeeded", "tool", name, "duration", time.Since(start))
	return result
}

// parseArguments binds a raw argument string to the declared parameters.
// A string opening with { is treated as a JSON object keyed by parameter
// name; anything else as one positional CSV record.
func parseArguments(params []Parameter, raw string) (Arguments, error) {
	raw = strings.TrimSpace(raw)
	args := make(Arguments, len(params))

	if strings.HasPrefix(raw, "{") {
		var object map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &object); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %v", err)
		}
		for _, p := range params {
			value, ok := object[p.Name]
			if !ok {
				continue
			}
			coerced, err := coerce(p, fmt.Sprint(value), value)
			if err != nil {
				return nil, err
			}
			args[p.Name] = coerced
		}
	} else if raw != "" {
		reader := csv.NewReader(strings.NewReader(raw))
		reader.TrimLeadingSpace = true
		record, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("invalid arguments %q: %v", raw, err)
		}
		if len(record) > len(params) {
			// Commas inside the first string argument are a common
			// model mistake; fold the overflow back in when the
			// schema has a single parameter.
			if len(params) == 1 && params[0].Type == TypeString {
				record = []string{strings.Join(record, ",")}
			} else {
				return nil, fmt.Errorf("too many arguments: got %d, expected at most %d", len(record), len(params))
			}
		}
		for i, field := range record {
			p := params[i]
			coerced, err := coerce(p, field, nil)
			if err != nil {
				return nil, err
			}
			args[p.Name] = coerced
		}
	}

	for _, p := range params {
		if p.Required {
			if _, ok := args[p.Name]; !ok {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
		}
	}
	return args, nil
}

// coerce converts one raw field to the parameter's declared type. jsonValue
// carries the already-typed JSON value when available.
func coerce(p Parameter, field string, jsonValue interface{}) (interface{}, error) {
	field = strings.TrimSpace(field)
	switch p.Type {
	case TypeString:
		if s, ok := jsonValue.(string); ok {
			return s, nil
		}
		return strings.Trim(field, `"`), nil
	case TypeInteger:
		if n, ok := jsonValue.(float64); ok {
			return int(n), nil
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("argument %q must be an integer, got %q", p.Name, field)
		}
		return n, nil
	case TypeNumber:
		if n, ok := jsonValue.(float64); ok {
			return n, nil
		}
		n, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q must be a number, got %q", p.Name, field)
		}
		return n, nil
	case TypeBoolean:
		if b, ok := jsonValue.(bool); ok {
			return b, nil
		}
		b, err := strconv.ParseBool(field)
		if err != nil {
			return nil, fmt.Errorf("argument %q must be a boolean, got %q", p.Name, field)
		}
		return b, nil
	default:
		return field, nil
	}
}
