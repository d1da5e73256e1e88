package lifecycle_test

import (
	"strings"
	"testing"

	"github.com/sharnoff/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackFormatVarieties(t *testing.T) {
	t.Parallel()

	expected := strings.Join([]string{
		"packagename.foo(...)",
		"\t/path/to/package/foo.go:37",
		"packagename.bar(...)",
		"\t/path/to/package/bar.go",
		"packagename.qux(...)",
		"\t<unknown file>",
		"<unknown function>",
		"\t/unknown/function/path.go:45",
		"<unknown function>",
		"\t<unknown file>",
		"",
	}, "\n")

	st := lifecycle.StackTrace{
		Frames: []lifecycle.StackFrame{
			{Function: "packagename.foo", File: "/path/to/package/foo.go", Line: 37},
			{Function: "packagename.bar", File: "/path/to/package/bar.go"},
			{Function: "packagename.qux", Line: 29}, // Line has no effect without File
			{File: "/unknown/function/path.go", Line: 45},
			{},
		},
	}

	assert.Equal(t, expected, st.String())
}

func TestStackParentsFormat(t *testing.T) {
	t.Parallel()

	st := lifecycle.StackTrace{
		Frames: []lifecycle.StackFrame{
			{Function: "pkg.Child", File: "/pkg/child.go", Line: 10},
		},
		Parent: &lifecycle.StackTrace{
			Parent: &lifecycle.StackTrace{
				Frames: []lifecycle.StackFrame{
					{Function: "pkg.Root", File: "/pkg/root.go", Line: 3},
				},
			},
		},
	}

	expected := "pkg.Child(...)\n\t/pkg/child.go:10\n<empty stack>\npkg.Root(...)\n\t/pkg/root.go:3\n"
	assert.Equal(t, expected, st.String())
}

func TestStackBasicCreation(t *testing.T) {
	t.Parallel()

	inner := func() lifecycle.StackTrace {
		return lifecycle.GetStackTrace(nil, 0)
	}
	outer := func() lifecycle.StackTrace {
		return inner()
	}

	st := outer()
	require.GreaterOrEqual(t, len(st.Frames), 3)
	assert.Contains(t, st.Frames[0].Function, "TestStackBasicCreation.func1")
	assert.Contains(t, st.Frames[1].Function, "TestStackBasicCreation.func2")
	assert.Contains(t, st.Frames[2].Function, "TestStackBasicCreation")
	assert.True(t, strings.HasSuffix(st.Frames[0].File, "stack_test.go"))
	assert.NotZero(t, st.Frames[0].Line)
	assert.Nil(t, st.Parent)
}

func TestStackSkip(t *testing.T) {
	t.Parallel()

	var st lifecycle.StackTrace
	inner := func() {
		st = lifecycle.GetStackTrace(nil, 1)
	}
	outer := func() {
		inner()
	}
	outer()

	require.NotEmpty(t, st.Frames)
	assert.Contains(t, st.Frames[0].Function, "TestStackSkip.func2")
}

func TestStackParentLink(t *testing.T) {
	t.Parallel()

	parent := lifecycle.GetStackTrace(nil, 0)
	done := make(chan lifecycle.StackTrace)
	go func() {
		done <- lifecycle.GetStackTrace(&parent, 0)
	}()

	child := <-done
	require.NotNil(t, child.Parent)
	assert.Contains(t, child.String(), "TestStackParentLink.func1")
	assert.Contains(t, child.String(), "TestStackParentLink(...)")
}
