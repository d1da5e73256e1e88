package lifecycle

import (
	"context"
	"time"
)

// TaskEvent describes the progress of a single task, passed to [Hooks].
type TaskEvent struct {
	Stage    Stage // zero if resolved directly with Resolve
	Name     string
	Started  time.Time
	Duration time.Duration // zero for OnStart
	Value    any
	Err      error
}

// HookFunc is invoked for task lifecycle notifications.
type HookFunc func(context.Context, TaskEvent)

// Hooks are optional callbacks invoked as tasks run. Hooks are called from the task's own
// goroutine, so they may be called concurrently.
//
// OnFailure is still called for tasks that were abandoned because a sibling failed first.
//
// A hook that panics fails the task it was called for, exactly as if the task itself had
// panicked. A panicking OnStart prevents the task from running.
type Hooks struct {
	OnStart   HookFunc
	OnSuccess HookFunc
	OnFailure HookFunc
}

// Merge combines two sets of hooks, running the receiver's first.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart:   chainHooks(h.OnStart, other.OnStart),
		OnSuccess: chainHooks(h.OnSuccess, other.OnSuccess),
		OnFailure: chainHooks(h.OnFailure, other.OnFailure),
	}
}

func chainHooks(first, second HookFunc) HookFunc {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	default:
		return func(ctx context.Context, event TaskEvent) {
			first(ctx, event)
			second(ctx, event)
		}
	}
}

// call runs the hook, returning a *PanicError if it panics.
func (f HookFunc) call(ctx context.Context, event TaskEvent, spawn *StackTrace) (err error) {
	if f == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: GetStackTrace(spawn, 1)}
		}
	}()
	f(ctx, event)
	return nil
}
