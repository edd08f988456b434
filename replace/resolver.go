// Package replace resolves client identifiers through the session's
// replacement mapping. A replacement records that one client document has
// been substituted by another, e.g. after a reconnect under a new id.
package replace

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jinzhu/copier"
)

// DefaultMaxHops bounds chain traversal.
const DefaultMaxHops = 10

// ErrCycleExceeded is returned when a chain does not end within the hop bound.
var ErrCycleExceeded = errors.New("replacement chain exceeded hop bound, check for circular replacements")

// CycleError reports the chain that failed to terminate.
type CycleError struct {
	Start   string
	MaxHops int
}

// Error implements the error interface
func (e *CycleError) Error() string {
	return fmt.Sprintf("resolving %q: no replacement sink within %d hops", e.Start, e.MaxHops)
}

// Is reports ErrCycleExceeded equivalence.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleExceeded
}

// Unwrap returns the underlying error
func (e *CycleError) Unwrap() error {
	return ErrCycleExceeded
}

// Mapping maps an old client id to the id that replaced it.
type Mapping map[string]string

// Resolve follows start through m with the default hop bound.
func Resolve(m Mapping, start string) (string, error) {
	return ResolveN(m, start, DefaultMaxHops)
}

// ResolveN follows start through m until it reaches an id that is not itself
// replaced. An id absent from m resolves to itself.
func ResolveN(m Mapping, start string, maxHops int) (string, error) {
	cur := start
	for hop := 0; hop < maxHops; hop++ {
		next, ok := m[cur]
		if !ok {
			return cur, nil
		}
		cur = next
	}
	if _, ok := m[cur]; !ok {
		return cur, nil
	}
	return "", &CycleError{Start: start, MaxHops: maxHops}
}

// Resolver resolves ids against a fixed mapping.
// A disabled resolver is the identity function.
type Resolver struct {
	mapping Mapping
	maxHops int
	enabled bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxHops overrides DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// New creates a resolver over m. The mapping is copied.
func New(m Mapping, opts ...Option) *Resolver {
	r := &Resolver{
		mapping: make(Mapping, len(m)),
		maxHops: DefaultMaxHops,
		enabled: true,
	}
	_ = copier.Copy(&r.mapping, m)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Disabled returns a resolver that treats the mapping as empty.
func Disabled() *Resolver {
	return &Resolver{mapping: Mapping{}, maxHops: DefaultMaxHops}
}

// Enabled reports whether replacements are applied.
func (r *Resolver) Enabled() bool {
	return r != nil && r.enabled
}

// Resolve returns the canonical id for id.
func (r *Resolver) Resolve(id string) (string, error) {
	if !r.Enabled() {
		return id, nil
	}
	return ResolveN(r.mapping, id, r.maxHops)
}

// Flatten resolves every key so each maps directly to its sink.
// A single malformed chain fails the whole mapping.
func (r *Resolver) Flatten() (Mapping, error) {
	out := make(Mapping)
	if !r.Enabled() {
		return out, nil
	}
	for k := range r.mapping {
		sink, err := ResolveN(r.mapping, k, r.maxHops)
		if err != nil {
			return nil, err
		}
		out[k] = sink
	}
	return out, nil
}

// Sources returns the ids, in sorted order, whose chains end at target.
// target itself is not included.
func (r *Resolver) Sources(target string) ([]string, error) {
	flat, err := r.Flatten()
	if err != nil {
		return nil, err
	}
	var out []string
	for k, v := range flat {
		if v == target && k != target {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsReplaced reports whether id has been substituted by another id.
func (r *Resolver) IsReplaced(id string) bool {
	if !r.Enabled() {
		return false
	}
	_, ok := r.mapping[id]
	return ok
}
