package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharnoff/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGroupUnion(t *testing.T) {
	t.Parallel()

	g := lifecycle.Group{}
	want := map[string]any{}
	for i := 0; i < 50; i += 1 {
		name := fmt.Sprintf("task-%d", i)
		delay := time.Duration(rand.Intn(2000)) * time.Microsecond
		g[name] = func(context.Context, lifecycle.Values) (any, error) {
			time.Sleep(delay)
			return name, nil
		}
		want[name] = name
	}

	base := lifecycle.Values{}
	v, err := lifecycle.Resolve(context.Background(), g, base)
	require.NoError(t, err)
	assert.Equal(t, want, v.Map())
	assert.Zero(t, base.Len(), "the input snapshot is never modified")
}

func TestResolveGroupSharesSnapshot(t *testing.T) {
	t.Parallel()

	var sawSibling atomic.Bool
	observe := func(sibling string) lifecycle.Task {
		return func(_ context.Context, v lifecycle.Values) (any, error) {
			time.Sleep(time.Millisecond)
			if _, ok := v.Lookup(sibling); ok {
				sawSibling.Store(true)
			}
			return true, nil
		}
	}

	_, err := lifecycle.Resolve(context.Background(), lifecycle.Group{
		"a": observe("b"),
		"b": observe("a"),
	}, lifecycle.Values{})
	require.NoError(t, err)
	assert.False(t, sawSibling.Load())
}

func TestResolveSequenceVisibility(t *testing.T) {
	t.Parallel()

	double := func(from string) lifecycle.Task {
		return func(_ context.Context, v lifecycle.Values) (any, error) {
			n, err := lifecycle.ValueAs[int](v, from)
			if err != nil {
				return nil, err
			}
			return n * 2, nil
		}
	}

	spec := lifecycle.Sequence{
		lifecycle.Group{"a": constant(1)},
		lifecycle.Sequence{
			lifecycle.Group{"b": double("a")},
			lifecycle.Sequence{
				lifecycle.Group{"c": double("b"), "c2": double("a")},
			},
		},
		lifecycle.Group{"d": double("c")},
	}

	v, err := lifecycle.Resolve(context.Background(), spec, lifecycle.Values{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 4, "c2": 2, "d": 8}, v.Map())
}

// bar reads foo if it's there; with a bare-group append it never is.
func fooTimesTwo(_ context.Context, v lifecycle.Values) (any, error) {
	foo, ok := v.Lookup("foo")
	if !ok {
		return nil, nil
	}
	return foo.(int) * 2, nil
}

func TestResolveConcurrentAppendCannotSeeSibling(t *testing.T) {
	t.Parallel()

	stage := lifecycle.Append(nil, lifecycle.Group{"foo": constant(42)})
	stage = lifecycle.Append(stage, lifecycle.Group{"bar": fooTimesTwo})

	v, err := lifecycle.Resolve(context.Background(), stage, lifecycle.Values{})
	require.NoError(t, err)
	assert.Equal(t, 42, v.Get("foo"))
	bar, ok := v.Lookup("bar")
	assert.True(t, ok)
	assert.Nil(t, bar)
}

func TestResolveSequenceAppendSeesEarlier(t *testing.T) {
	t.Parallel()

	stage := lifecycle.Append(nil, lifecycle.Group{"foo": constant(42)})
	stage = lifecycle.Append(stage, lifecycle.Sequence{lifecycle.Group{"bar": fooTimesTwo}})

	v, err := lifecycle.Resolve(context.Background(), stage, lifecycle.Values{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": 42, "bar": 84}, v.Map())
}

func TestResolveFailFastWithoutCanceling(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	release := make(chan struct{})
	var slowFinished atomic.Bool

	tracker := lifecycle.NewTracker(t.Name())
	spec := lifecycle.Group{
		"fail": func(context.Context, lifecycle.Values) (any, error) {
			return nil, boom
		},
		"slow": func(ctx context.Context, _ lifecycle.Values) (any, error) {
			<-release
			slowFinished.Store(true)
			return "late", nil
		},
	}

	start := time.Now()
	v, err := lifecycle.Resolve(context.Background(), spec, lifecycle.Values{}, lifecycle.WithTracker(tracker))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "must not wait for the slow sibling")

	var tf *lifecycle.TaskFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "fail", tf.Name)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v.Len())

	// the sibling is still running, not canceled
	assert.False(t, slowFinished.Load())
	assert.Contains(t, tracker.Tree().Tasks, lifecycle.TaskInfo{Name: "slow", Count: 1})

	close(release)
	<-tracker.Wait()
	assert.True(t, slowFinished.Load())
}

func TestResolveSequenceAbortsWithoutRollback(t *testing.T) {
	t.Parallel()

	var ranAfter atomic.Bool
	spec := lifecycle.Sequence{
		lifecycle.Group{"a": constant("kept")},
		lifecycle.Group{"b": func(context.Context, lifecycle.Values) (any, error) {
			return nil, errors.New("nope")
		}},
		lifecycle.Group{"c": func(context.Context, lifecycle.Values) (any, error) {
			ranAfter.Store(true)
			return nil, nil
		}},
	}

	v, err := lifecycle.Resolve(context.Background(), spec, lifecycle.Values{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `task "b" failed`)
	assert.Equal(t, map[string]any{"a": "kept"}, v.Map())
	assert.False(t, ranAfter.Load())
}

func TestResolvePanicBecomesTaskFailure(t *testing.T) {
	t.Parallel()

	_, err := lifecycle.Resolve(context.Background(), lifecycle.Group{
		"explode": func(context.Context, lifecycle.Values) (any, error) {
			panic("kaboom")
		},
	}, lifecycle.Values{})

	var tf *lifecycle.TaskFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "explode", tf.Name)

	var pe *lifecycle.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Contains(t, pe.Stack.String(), "TestResolvePanicBecomesTaskFailure")
}

func hasFrame(st *lifecycle.StackTrace, suffix string) bool {
	for _, f := range st.Frames {
		if strings.HasSuffix(f.Function, suffix) {
			return true
		}
	}
	return false
}

func TestResolvePanicLinksSpawningStack(t *testing.T) {
	t.Parallel()

	_, err := lifecycle.Resolve(context.Background(), lifecycle.Sequence{lifecycle.Group{
		"explode": func(context.Context, lifecycle.Values) (any, error) { panic("kaboom") },
	}}, lifecycle.Values{})

	var pe *lifecycle.PanicError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, pe.Stack.Parent)
	assert.True(t, hasFrame(pe.Stack.Parent, "lifecycle.Resolve"), pe.Stack.String())
	assert.True(t, hasFrame(pe.Stack.Parent, "TestResolvePanicLinksSpawningStack"), pe.Stack.String())
	assert.Nil(t, pe.Stack.Parent.Parent)
}

func TestResolveHookPanicFailsTask(t *testing.T) {
	t.Parallel()

	explode := func(context.Context, lifecycle.TaskEvent) { panic("hook exploded") }

	tests := []struct {
		name    string
		hooks   lifecycle.Hooks
		taskRan bool
	}{
		{"on start", lifecycle.Hooks{OnStart: explode}, false},
		{"on success", lifecycle.Hooks{OnSuccess: explode}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran atomic.Bool
			v, err := lifecycle.Resolve(context.Background(), lifecycle.Group{
				"task": func(context.Context, lifecycle.Values) (any, error) {
					ran.Store(true)
					return 1, nil
				},
			}, lifecycle.Values{}, lifecycle.WithResolveHooks(tt.hooks))

			var tf *lifecycle.TaskFailure
			require.ErrorAs(t, err, &tf)
			assert.Equal(t, "task", tf.Name)
			var pe *lifecycle.PanicError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "hook exploded", pe.Value)
			assert.Equal(t, tt.taskRan, ran.Load())
			assert.Zero(t, v.Len())
		})
	}

	t.Run("on failure", func(t *testing.T) {
		cause := errors.New("cause")
		_, err := lifecycle.Resolve(context.Background(), lifecycle.Group{
			"task": func(context.Context, lifecycle.Values) (any, error) { return nil, cause },
		}, lifecycle.Values{}, lifecycle.WithResolveHooks(lifecycle.Hooks{OnFailure: explode}))

		assert.ErrorIs(t, err, cause)
		var pe *lifecycle.PanicError
		assert.ErrorAs(t, err, &pe)
	})
}

func TestResolvePanicWithErrorUnwraps(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")
	_, err := lifecycle.Resolve(context.Background(), lifecycle.Group{
		"x": func(context.Context, lifecycle.Values) (any, error) { panic(sentinel) },
	}, lifecycle.Values{})
	assert.ErrorIs(t, err, sentinel)
}

func TestResolveHooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	events := map[string][]string{}
	record := func(kind string) lifecycle.HookFunc {
		return func(_ context.Context, e lifecycle.TaskEvent) {
			mu.Lock()
			defer mu.Unlock()
			events[e.Name] = append(events[e.Name], kind)
		}
	}

	hooks := lifecycle.Hooks{OnStart: record("start"), OnSuccess: record("ok")}
	hooks = hooks.Merge(lifecycle.Hooks{OnFailure: record("fail"), OnSuccess: record("ok2")})

	_, err := lifecycle.Resolve(context.Background(), lifecycle.Sequence{
		lifecycle.Group{"good": constant(1)},
		lifecycle.Group{"bad": func(context.Context, lifecycle.Values) (any, error) {
			return nil, errors.New("bad")
		}},
	}, lifecycle.Values{}, lifecycle.WithResolveHooks(hooks))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "ok", "ok2"}, events["good"])
	assert.Equal(t, []string{"start", "fail"}, events["bad"])
}

func TestResolveEmpty(t *testing.T) {
	t.Parallel()

	for _, spec := range []lifecycle.Spec{nil, lifecycle.Group{}, lifecycle.Sequence{}, lifecycle.Sequence{lifecycle.Group{}}} {
		v, err := lifecycle.Resolve(context.Background(), spec, lifecycle.Values{})
		require.NoError(t, err)
		assert.Zero(t, v.Len())
	}
}
