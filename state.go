package lifecycle

import (
	"fmt"
	"strings"
)

// Stage identifies one of the Controller's registration slots.
type Stage int

const (
	Setup Stage = iota + 1
	Boot
	Shutdown
)

// Stages returns all stages, in the order they run.
func Stages() []Stage {
	return []Stage{Setup, Boot, Shutdown}
}

func (s Stage) String() string {
	switch s {
	case Setup:
		return "setup"
	case Boot:
		return "boot"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// ParseStage returns the Stage with the name, as produced by [Stage.String]. Case is ignored.
func ParseStage(name string) (Stage, error) {
	for _, s := range Stages() {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("lifecycle: unknown stage %q", name)
}

func (s Stage) exitCode() int {
	switch s {
	case Setup:
		return ExitSetup
	case Boot:
		return ExitBoot
	case Shutdown:
		return ExitShutdown
	default:
		panic(fmt.Sprintf("lifecycle: no exit code for %s", s))
	}
}

// State is the position of a Controller in its lifecycle.
type State int

const (
	Idle State = iota
	SetupRunning
	BootRunning
	RunTaskRunning        // RunExec's entrypoint is running
	WaitingForTermination // RunUp's entrypoint has been started; waiting for a fault
	FailureTriggered      // a fault arrived; shutdown is about to start
	ShutdownRunning
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SetupRunning:
		return "setup-running"
	case BootRunning:
		return "boot-running"
	case RunTaskRunning:
		return "run-task-running"
	case WaitingForTermination:
		return "waiting-for-termination"
	case FailureTriggered:
		return "failure-triggered"
	case ShutdownRunning:
		return "shutdown-running"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further stage will run from the state.
func (s State) IsTerminal() bool {
	return s == Terminated
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Idle:
		return to == SetupRunning
	case SetupRunning:
		return to == BootRunning || to == Terminated
	case BootRunning:
		return to == RunTaskRunning || to == WaitingForTermination || to == ShutdownRunning
	case RunTaskRunning, WaitingForTermination:
		return to == FailureTriggered || to == ShutdownRunning
	case FailureTriggered:
		return to == ShutdownRunning
	case ShutdownRunning:
		return to == Terminated
	default:
		return false
	}
}
