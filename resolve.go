package lifecycle

import (
	"context"
	"errors"
	"time"
)

// ResolveOption configures a call to [Resolve].
type ResolveOption func(*resolver)

// WithTracker records every task started by [Resolve] in the Tracker, until it returns.
func WithTracker(t *Tracker) ResolveOption {
	return func(r *resolver) {
		r.tracker = t
	}
}

// WithResolveHooks calls the hooks as tasks start and finish.
func WithResolveHooks(h Hooks) ResolveOption {
	return func(r *resolver) {
		r.hooks = r.hooks.Merge(h)
	}
}

// Resolve runs every task in the Spec, returning v with all of their results added.
//
// A [Sequence] is resolved one element at a time, each seeing the results of the ones before it.
// A [Group] starts all of its tasks at once, with the same v, and waits for them to finish.
//
// If any task fails, Resolve returns a [*TaskFailure] as soon as that failure is observed. It does
// not wait for the failed task's siblings, nor does it cancel them: they keep running in the
// background, and their results are discarded. Results from steps that already finished are kept
// in the returned Values; nothing is rolled back.
//
// A task that panics fails with a [*PanicError] as its cause.
func Resolve(ctx context.Context, spec Spec, v Values, opts ...ResolveOption) (Values, error) {
	r := &resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r.resolve(ctx, spec, v)
}

type resolver struct {
	stage   Stage
	tracker *Tracker
	hooks   Hooks
}

func (r *resolver) resolve(ctx context.Context, spec Spec, v Values) (Values, error) {
	switch s := spec.(type) {
	case nil:
		return v, nil
	case Group:
		return r.group(ctx, s, v)
	case Sequence:
		for _, step := range s {
			var err error
			if v, err = r.resolve(ctx, step, v); err != nil {
				return v, err
			}
		}
		return v, nil
	default:
		panic("lifecycle: unknown Spec implementation")
	}
}

type taskResult struct {
	name  string
	value any
	err   error
}

func (r *resolver) group(ctx context.Context, g Group, v Values) (Values, error) {
	if len(g) == 0 {
		return v, nil
	}

	// Buffered so that abandoned tasks can always deliver their result and exit.
	results := make(chan taskResult, len(g))
	spawn := GetStackTrace(nil, 0)

	for name, task := range g {
		if r.tracker != nil {
			r.tracker.Add(name)
		}
		go func(name string, task Task) {
			if r.tracker != nil {
				defer r.tracker.Done(name)
			}
			value, err := r.call(ctx, name, task, v, &spawn)
			results <- taskResult{name: name, value: value, err: err}
		}(name, task)
	}

	merged := make(map[string]any, len(g))
	for i := 0; i < len(g); i += 1 {
		res := <-results
		if res.err != nil {
			return v, &TaskFailure{Name: res.name, Cause: res.err}
		}
		merged[res.name] = res.value
	}

	return v.with(merged), nil
}

// call runs the task and its hooks. Panics from either become a *PanicError, with the stack that
// started the task's goroutine as the parent.
func (r *resolver) call(ctx context.Context, name string, task Task, v Values, spawn *StackTrace) (any, error) {
	event := TaskEvent{Stage: r.stage, Name: name, Started: time.Now()}
	if err := r.hooks.OnStart.call(ctx, event, spawn); err != nil {
		return nil, err
	}

	value, err := runTask(ctx, task, v, spawn)

	event.Duration = time.Since(event.Started)
	event.Value, event.Err = value, err
	if err != nil {
		if herr := r.hooks.OnFailure.call(ctx, event, spawn); herr != nil {
			return nil, errors.Join(err, herr)
		}
		return nil, err
	}
	if herr := r.hooks.OnSuccess.call(ctx, event, spawn); herr != nil {
		return nil, herr
	}
	return value, nil
}

func runTask(ctx context.Context, task Task, v Values, spawn *StackTrace) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: GetStackTrace(spawn, 1)}
		}
	}()
	return task(ctx, v)
}
