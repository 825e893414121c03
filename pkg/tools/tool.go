// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tools provides the tool registry the reasoning engine invokes,
// plus the built-in tools: knowledge search, web search, weather, geo
// services and email.
package tools

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ragkit/sage/pkg/protocol"
)

// Parameter types a tool may declare.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Parameter describes one tool argument. Order matters: positional CSV
// arguments bind in declaration order.
type Parameter struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Arguments holds parsed, type-coerced tool arguments keyed by parameter
// name.
type Arguments map[string]interface{}

// String returns the named argument as a string, or def when absent.
func (a Arguments) String(name, def string) string {
	if v, ok := a[name]; ok {
		return fmt.Sprint(v)
	}
	return def
}

// Int returns the named argument as an int, or def when absent or
// unparseable.
func (a Arguments) Int(name string, def int) int {
	v, ok := a[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// Float returns the named argument as a float64, or def when absent or
// unparseable.
func (a Arguments) Float(name string, def float64) float64 {
	v, ok := a[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return def
}

// Bool returns the named argument as a bool, or def when absent or
// unparseable.
func (a Arguments) Bool(name string, def bool) bool {
	v, ok := a[name]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Tool is one callable capability. Execute returns an observation string;
// errors are rendered to the model as Error: observations by the registry.
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Execute(ctx context.Context, args Arguments) (string, error)
}

// Invocation carries per-request state into tool executions: the caller's
// permission level and the citation side channel knowledge search reports
// into. Safe for concurrent use.
type Invocation struct {
	Admin bool

	mu        sync.Mutex
	citations []protocol.DocumentRef
	seen      map[string]bool
}

// NewInvocation creates the per-request invocation state.
func NewInvocation(admin bool) *Invocation {
	return &Invocation{Admin: admin, seen: make(map[string]bool)}
}

// AddCitations records document references, deduplicated by id, first
// citation order preserved.
func (inv *Invocation) AddCitations(refs ...protocol.DocumentRef) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, ref := range refs {
		if ref.UUID == "" || inv.seen[ref.UUID] {
			continue
		}
		inv.seen[ref.UUID] = true
		inv.citations = append(inv.citations, ref)
	}
}

// Citations returns the recorded references in first-citation order.
func (inv *Invocation) Citations() []protocol.DocumentRef {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]protocol.DocumentRef, len(inv.citations))
	copy(out, inv.citations)
	return out
}

type invocationKey struct{}

// WithInvocation attaches invocation state to a context.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts invocation state, or nil when absent.
func InvocationFrom(ctx context.Context) *Invocation {
	inv, _ := ctx.Value(invocationKey{}).(*Invocation)
	return inv
}
