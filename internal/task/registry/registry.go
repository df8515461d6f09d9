// Package registry maps key tuples to executor factories.
//
// A registry declares a fixed set of key fields. Every entry supplies a value
// for exactly those fields; a dispatcher built on top must use the same set.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
)

// Wildcard matches any value of a field. Strategies with an optional name
// retry with name set to Wildcard.
const Wildcard = "*"

var (
	ErrExecutorNotFound = errors.New("executor not found")
	ErrInvalidEntry     = errors.New("invalid registry entry")
)

// Match is a key tuple: field name to value.
type Match map[string]string

// String renders the match in field order, e.g. "category=a,name=b".
func (m Match) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}

// Factory builds the unit of work for a matched schedule.
type Factory func(s *model.Schedule, m Match) (executor.Runner, error)

type entry struct {
	match   Match
	factory Factory
}

// Builder collects entries and validates them on Build.
type Builder struct {
	fields  []string
	entries []entry
}

// NewBuilder declares the key fields of the registry being built.
func NewBuilder(fields ...string) *Builder {
	return &Builder{fields: normalizeFields(fields)}
}

// Add registers factory under match. Errors are reported by Build.
func (b *Builder) Add(m Match, f Factory) *Builder {
	cp := make(Match, len(m))
	for k, v := range m {
		cp[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	b.entries = append(b.entries, entry{match: cp, factory: f})
	return b
}

func (b *Builder) Build() (*Registry, error) {
	if len(b.fields) == 0 {
		return nil, fmt.Errorf("%w: no key fields declared", ErrInvalidEntry)
	}
	r := &Registry{fields: b.fields, byKey: make(map[string]Factory, len(b.entries))}
	var errs []error
	for i, e := range b.entries {
		if e.factory == nil {
			errs = append(errs, fmt.Errorf("%w: entry %d (%s): nil factory", ErrInvalidEntry, i, e.match))
			continue
		}
		if !SameFields(b.fields, fieldsOf(e.match)) {
			errs = append(errs, fmt.Errorf("%w: entry %d (%s): fields %v, registry declares %v", ErrInvalidEntry, i, e.match, fieldsOf(e.match), b.fields))
			continue
		}
		k := r.key(e.match)
		if _, dup := r.byKey[k]; dup {
			errs = append(errs, fmt.Errorf("%w: entry %d: duplicate key %s", ErrInvalidEntry, i, e.match))
			continue
		}
		r.byKey[k] = e.factory
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Registry is read-only after Build and safe for concurrent use.
type Registry struct {
	fields []string
	byKey  map[string]Factory
}

// Fields returns the declared key fields, sorted.
func (r *Registry) Fields() []string {
	return append([]string(nil), r.fields...)
}

func (r *Registry) Len() int { return len(r.byKey) }

// Lookup returns the factory registered for m. Fields missing from m are
// looked up as empty values.
func (r *Registry) Lookup(m Match) (Factory, error) {
	if f, ok := r.byKey[r.key(m)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, m)
}

func (r *Registry) key(m Match) string {
	var sb strings.Builder
	for i, f := range r.fields {
		if i > 0 {
			sb.WriteByte(0)
		}
		sb.WriteString(m[f])
	}
	return sb.String()
}

// SameFields reports whether a and b hold the same field names.
func SameFields(a, b []string) bool {
	a, b = normalizeFields(a), normalizeFields(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fieldsOf(m Match) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return normalizeFields(out)
}

func normalizeFields(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
