package lifecycle

import (
	"context"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Task is a single named unit of work. It receives the [Values] produced by everything that was
// resolved before it, and returns a value to be stored under its own name.
//
// Tasks are never canceled by the Resolver. The context.Context is the one passed to the
// Controller's entrypoint (or to [Resolve]), and carries the logger; see [LoggerFrom].
type Task func(ctx context.Context, v Values) (any, error)

// Spec describes which tasks run and in what order. It is exactly one of:
//
//   - [Group], a set of tasks that run concurrently, or
//   - [Sequence], a list of Specs that run one after another.
//
// Specs nest to arbitrary depth. There are no other implementations.
type Spec interface {
	isSpec()
}

// Group is a set of tasks, keyed by name, that all run concurrently against the same [Values].
//
// None of a Group's results are visible to its own members; only results from Specs that were
// resolved earlier.
type Group map[string]Task

// Sequence is an ordered list of Specs. Each element sees the Values produced by all of the
// elements before it.
type Sequence []Spec

func (Group) isSpec()    {}
func (Sequence) isSpec() {}

// Append returns the result of registering next after existing, without modifying either.
//
// If next is a [Sequence], each of its elements becomes a new step that runs strictly after
// everything in existing. If next is a [Group], its tasks join the last step of existing, running
// concurrently with whatever was most recently registered. Tasks in next replace tasks with the
// same name in the group they're merged into.
//
// A nil existing Spec is treated as an empty Group.
func Append(existing, next Spec) Spec {
	if existing == nil {
		existing = Group{}
	}

	switch n := next.(type) {
	case nil:
		return existing
	case Sequence:
		var steps Sequence
		switch e := existing.(type) {
		case Sequence:
			steps = append(steps, e...)
		case Group:
			if len(e) != 0 {
				steps = append(steps, e)
			}
		}
		return append(steps, n...)
	case Group:
		switch e := existing.(type) {
		case Group:
			return union(e, n)
		case Sequence:
			if len(e) == 0 {
				return Sequence{union(nil, n)}
			}
			steps := slices.Clone(e)
			steps[len(steps)-1] = Append(steps[len(steps)-1], n)
			return steps
		}
	}

	panic("lifecycle: unknown Spec implementation")
}

func union(a, b Group) Group {
	g := make(Group, len(a)+len(b))
	maps.Copy(g, a)
	maps.Copy(g, b)
	return g
}

// Tasks returns the names of every task in the Spec, in resolution order. Names within a single
// Group are sorted.
func Tasks(spec Spec) []string {
	var names []string
	var walk func(Spec)
	walk = func(s Spec) {
		switch s := s.(type) {
		case Group:
			keys := maps.Keys(s)
			slices.Sort(keys)
			names = append(names, keys...)
		case Sequence:
			for _, step := range s {
				walk(step)
			}
		}
	}
	walk(spec)
	return names
}
