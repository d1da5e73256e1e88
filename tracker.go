package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Tracker counts running tasks by name, in a hierarchy of named groups. It's similar to a
// [sync.WaitGroup], except that:
//
//  1. Tasks are named, added one at a time with [Tracker.Add]
//  2. Each Tracker has named subgroups (one per stage, for the Controller's), and waiting on a
//     parent also waits for its subgroups
//  3. [Tracker.Wait] returns a channel, so it can be selected over
//  4. The set of running tasks can be fetched with [Tracker.Tree]
//
// The Resolver uses a Tracker so that tasks abandoned after a sibling failed can still be seen
// (and optionally waited for) after they're no longer part of any resolution.
type Tracker struct {
	mu *sync.Mutex // shared by the entire tree

	parent    *Tracker
	name      string
	tasks     map[string]uint
	subgroups map[string]*Tracker
	pending   uint // running tasks here and in all subgroups
	allDone   chan struct{}
}

// TaskTree is a snapshot of the running tasks in a [Tracker], returned by [Tracker.Tree].
type TaskTree struct {
	Name      string     `json:"name"`
	Tasks     []TaskInfo `json:"tasks"`
	Subgroups []TaskTree `json:"subgroups"`
}

// TaskInfo describes the running tasks with a particular name. Count is never zero.
type TaskInfo struct {
	Name  string `json:"name"`
	Count uint   `json:"count"`
}

var alwaysClosed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewTracker creates a new root Tracker with the given name.
func NewTracker(name string) *Tracker {
	return &Tracker{
		mu:        &sync.Mutex{},
		name:      name,
		tasks:     make(map[string]uint),
		subgroups: make(map[string]*Tracker),
	}
}

// Name returns the name of the Tracker.
func (t *Tracker) Name() string {
	return t.name
}

// Sub returns the subgroup with the name, creating it if it doesn't exist yet.
func (t *Tracker) Sub(name string) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sg, ok := t.subgroups[name]; ok {
		return sg
	}

	sg := &Tracker{
		mu:        t.mu,
		parent:    t,
		name:      name,
		tasks:     make(map[string]uint),
		subgroups: make(map[string]*Tracker),
	}
	t.subgroups[name] = sg
	return sg
}

// Add records that a task with the name has started. The same name may be added more than once.
func (t *Tracker) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tasks[name] += 1
	for g := t; g != nil; g = g.parent {
		g.pending += 1
	}
}

// Done records that a task with the name has finished.
//
// Done panics if there is no running task with the name.
func (t *Tracker) Done(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.tasks[name]
	if c == 0 {
		panic(fmt.Sprintf("lifecycle: no running tasks named %q in %q", name, t.name))
	} else if c == 1 {
		delete(t.tasks, name)
	} else {
		t.tasks[name] = c - 1
	}

	for g := t; g != nil; g = g.parent {
		g.pending -= 1
		if g.pending == 0 && g.allDone != nil {
			close(g.allDone)
			g.allDone = nil
		}
	}
}

// Wait returns a channel that is closed once there are no running tasks in the Tracker or any of
// its subgroups.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == 0 {
		return alwaysClosed
	}
	if t.allDone == nil {
		t.allDone = make(chan struct{})
	}
	return t.allDone
}

// TryWait waits on the Tracker, returning early with ctx.Err() if the context is canceled.
//
// If the context is already canceled when TryWait is called, it always returns the context's
// error.
func (t *Tracker) TryWait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Wait():
		return nil
	}
}

// Finished returns whether there are no running tasks, i.e. if waiting would immediately complete.
func (t *Tracker) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending == 0
}

// Tree returns a snapshot of all running tasks. Subgroups with nothing running are omitted, and
// all names are sorted.
func (t *Tracker) Tree() TaskTree {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree()
}

func (t *Tracker) tree() TaskTree {
	tree := TaskTree{Name: t.name}

	names := maps.Keys(t.tasks)
	slices.Sort(names)
	for _, name := range names {
		tree.Tasks = append(tree.Tasks, TaskInfo{Name: name, Count: t.tasks[name]})
	}

	sgNames := maps.Keys(t.subgroups)
	slices.Sort(sgNames)
	for _, name := range sgNames {
		sg := t.subgroups[name]
		if sg.pending != 0 {
			tree.Subgroups = append(tree.Subgroups, sg.tree())
		}
	}

	return tree
}
