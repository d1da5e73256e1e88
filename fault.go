package lifecycle

import (
	"context"
	"os"
	"syscall"
)

// Channel names a source of asynchronous faults. Every fault delivered to the Controller arrives
// on exactly one Channel, and is handled by the [Policy] entry for it.
type Channel string

const (
	// Fallback is not a source of faults. As a [Policy] key, it sets the handler used for every
	// channel without its own entry.
	Fallback Channel = "fallback"

	// Error receives the error returned by the entrypoint given to [Controller.RunExec].
	Error Channel = "error"
	// MultipleResolves and RejectionHandled have no source within the Controller; they exist so
	// that hosts can report those categories with [Controller.Dispatch].
	MultipleResolves Channel = "multipleResolves"
	RejectionHandled Channel = "rejectionHandled"
	// UncaughtException receives a [*PanicError] from a goroutine started by [Controller.Go].
	UncaughtException Channel = "uncaughtException"
	// UncaughtExceptionMonitor receives the same payload as UncaughtException, immediately before
	// it. Monitor handlers do not trigger shutdown on their own.
	UncaughtExceptionMonitor Channel = "uncaughtExceptionMonitor"
	// UnhandledRejection receives the error returned from a goroutine started by [Controller.Go].
	UnhandledRejection Channel = "unhandledRejection"

	// SignalInterrupt, SignalTerminate, and SignalBreak receive the corresponding OS signal:
	// SIGINT, SIGTERM, and SIGQUIT (the keyboard "break" on unix systems).
	SignalInterrupt Channel = "SIGINT"
	SignalTerminate Channel = "SIGTERM"
	SignalBreak     Channel = "SIGQUIT"
)

// Channels returns every channel that faults can be dispatched on, i.e. all except [Fallback].
func Channels() []Channel {
	return []Channel{
		Error,
		MultipleResolves,
		RejectionHandled,
		UncaughtException,
		UncaughtExceptionMonitor,
		UnhandledRejection,
		SignalInterrupt,
		SignalTerminate,
		SignalBreak,
	}
}

// Valid returns whether the Channel is one of the predefined values, including [Fallback].
func (c Channel) Valid() bool {
	if c == Fallback {
		return true
	}
	for _, ch := range Channels() {
		if ch == c {
			return true
		}
	}
	return false
}

var signalChannels = map[Channel]os.Signal{
	SignalInterrupt: os.Interrupt,
	SignalTerminate: syscall.SIGTERM,
	SignalBreak:     syscall.SIGQUIT,
}

func channelForSignal(sig os.Signal) (Channel, bool) {
	for ch, s := range signalChannels {
		if s == sig {
			return ch, true
		}
	}
	return "", false
}

// Handler is called with each fault: the payload (an [os.Signal], error, or [*PanicError]), the
// Values available at the time, and the channel it arrived on.
//
// Handlers may be called concurrently. A handler that panics is logged, and shutdown proceeds
// regardless.
type Handler func(ctx context.Context, fault any, v Values, ch Channel)

// Policy maps channels to the handler for faults on them. The [Fallback] entry handles every
// channel without its own entry; if there's no fallback either, the fault is logged.
type Policy map[Channel]Handler

// HandlerFor returns the handler that will be used for the channel, or nil if the fault would go
// to the default reporter.
func (p Policy) HandlerFor(ch Channel) Handler {
	if h := p[ch]; h != nil {
		return h
	}
	return p[Fallback]
}
