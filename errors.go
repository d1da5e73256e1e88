package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrStageStarted is returned by [Controller.Register] when the stage has already begun
	// resolving; tasks registered that late would never run.
	ErrStageStarted = errors.New("lifecycle: stage already started")
	// ErrAlreadyRunning is returned by [Controller.RunExec] and [Controller.RunUp] if the
	// Controller has already been started.
	ErrAlreadyRunning = errors.New("lifecycle: controller already started")
)

// Process exit codes used by the Controller.
const (
	ExitOK       = 0
	ExitSetup    = 1
	ExitBoot     = 2
	ExitShutdown = 3
)

// TaskFailure is returned by [Resolve] when a task fails. It identifies the task and wraps the
// task's error.
type TaskFailure struct {
	Name  string
	Cause error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %q failed: %s", e.Name, e.Cause)
}

func (e *TaskFailure) Unwrap() error { return e.Cause }

// PanicError is the cause of a [TaskFailure], or the payload of an uncaught exception fault, when
// the function panicked instead of returning.
type PanicError struct {
	Value any
	Stack StackTrace
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value if it was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// StageError is returned by [Controller.RunExec] and [Controller.RunUp] when one of the stages
// fails. Code is the exit code the Controller terminated with.
type StageError struct {
	Stage Stage
	Code  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (exit code %d): %s", e.Stage, e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
