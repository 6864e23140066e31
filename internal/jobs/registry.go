package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	logx "workerd/pkg/logx"
)

// Func does one unit of work. detail is a short human summary of the result.
type Func func(ctx context.Context) (detail string, err error)

// Deps are the shared services a job may use.
type Deps struct {
	Log logx.Logger
}

// Factory builds the Func for one configured worker. options is the raw
// "options" block of the worker entry and may be empty.
type Factory func(name string, options json.RawMessage, deps Deps) (Func, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows every built-in kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindHeartbeat, NewHeartbeat)
	r.Register(KindPrune, NewPrune)
	r.Register(KindUnits, NewUnits)
	r.Register(KindSpeedtest, NewSpeedtest)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[normKind(kind)] = f
	r.mu.Unlock()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Build(kind, name string, options json.RawMessage, deps Deps) (Func, error) {
	r.mu.RLock()
	f, ok := r.factories[normKind(kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workers.%s.kind: unknown kind %q (known: %s)", name, kind, strings.Join(r.Kinds(), ", "))
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	fn, err := f(name, options, deps)
	if err != nil {
		return nil, fmt.Errorf("workers.%s.options: %w", name, err)
	}
	return fn, nil
}

func normKind(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

// DecodeOptions strictly decodes raw into dst. Empty raw leaves dst untouched.
func DecodeOptions(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("trailing data after options")
	}
	return nil
}
