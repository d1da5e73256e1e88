package lifecycle

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// StackTrace is a captured call stack, optionally linked to the stack of the goroutine that
// started the one it was captured in.
//
// Panic reports from tasks and from [Controller.Go] carry the stack of the goroutine that panicked,
// with the stack that started it as the parent.
type StackTrace struct {
	Frames []StackFrame
	Parent *StackTrace
}

// StackFrame is a single function call in a [StackTrace].
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// GetStackTrace returns the stack of the calling goroutine, skipping the innermost skip frames
// above the caller. The parent, if not nil, is printed after it.
func GetStackTrace(parent *StackTrace, skip uint) StackTrace {
	return StackTrace{Frames: callerFrames(skip + 1), Parent: parent}
}

// String formats the stack trace in roughly the same format as a Go panic, including all parent
// stacks.
func (st StackTrace) String() string {
	var sb strings.Builder

	for cur := &st; cur != nil; cur = cur.Parent {
		if len(cur.Frames) == 0 {
			sb.WriteString("<empty stack>\n")
			continue
		}

		for _, f := range cur.Frames {
			if f.Function == "" {
				sb.WriteString("<unknown function>")
			} else {
				sb.WriteString(f.Function)
				sb.WriteString("(...)")
			}

			sb.WriteString("\n\t")
			if f.File == "" {
				sb.WriteString("<unknown file>")
			} else {
				sb.WriteString(f.File)
				if f.Line != 0 {
					sb.WriteByte(':')
					sb.WriteString(strconv.Itoa(f.Line))
				}
			}
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

var pcPool = sync.Pool{
	New: func() any {
		buf := make([]uintptr, 64)
		return &buf
	},
}

func callerFrames(skip uint) []StackFrame {
	bufp := pcPool.Get().(*[]uintptr)
	defer func() {
		// don't hold on to unusually large buffers
		if len(*bufp) <= 1024 {
			pcPool.Put(bufp)
		}
	}()

	// Grow until everything fits. +2 skips runtime.Callers and callerFrames itself.
	var pcs []uintptr
	for {
		n := runtime.Callers(int(skip)+2, *bufp)
		if n < len(*bufp) {
			pcs = (*bufp)[:n]
			break
		}
		*bufp = make([]uintptr, 2*len(*bufp))
	}

	if len(pcs) == 0 {
		return nil
	}

	frames := make([]StackFrame, 0, len(pcs))
	iter := runtime.CallersFrames(pcs)
	for {
		frame, more := iter.Next()
		frames = append(frames, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return frames
}
