package lifecycle

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrMissingValue is returned by [ValueAs] when no task has produced the requested name.
	ErrMissingValue = errors.New("lifecycle: no value with that name")
	// ErrValueType is returned by [ValueAs] when the stored value has a different type.
	ErrValueType = errors.New("lifecycle: value has unexpected type")
)

// Values is the accumulated output of every task resolved so far, keyed by task name.
//
// A Values is an immutable snapshot: resolving a Group produces a new Values with the group's
// results added, and never modifies the one its tasks were given. That's what lets every member
// of a Group share a single snapshot while the Resolver moves on. Keys are never removed.
//
// The zero value is empty and ready to use.
type Values struct {
	m map[string]any
}

// Get returns the value produced by the task with the name, or nil if there isn't one.
func (v Values) Get(name string) any {
	return v.m[name]
}

// Lookup returns the value produced by the task with the name, and whether it was present.
//
// Lookup distinguishes between a task that returned nil and a task that hasn't run.
func (v Values) Lookup(name string) (any, bool) {
	val, ok := v.m[name]
	return val, ok
}

// Len returns the number of values.
func (v Values) Len() int {
	return len(v.m)
}

// Keys returns the names of all values, sorted.
func (v Values) Keys() []string {
	keys := maps.Keys(v.m)
	slices.Sort(keys)
	return keys
}

// Map returns a copy of the underlying values.
func (v Values) Map() map[string]any {
	return maps.Clone(v.m)
}

// with returns a new Values containing everything in v, plus results. Names in results replace
// any existing value with the same name.
func (v Values) with(results map[string]any) Values {
	if len(results) == 0 {
		return v
	}

	m := make(map[string]any, len(v.m)+len(results))
	for k, val := range v.m {
		m[k] = val
	}
	for k, val := range results {
		m[k] = val
	}
	return Values{m: m}
}

// ValueAs fetches the value with the name and asserts that it has type T.
//
// The returned error wraps [ErrMissingValue] or [ErrValueType].
func ValueAs[T any](v Values, name string) (T, error) {
	var zero T

	val, ok := v.m[name]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrMissingValue, name)
	}
	t, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, not %T", ErrValueType, name, val, zero)
	}
	return t, nil
}
