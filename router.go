package lifecycle

import (
	"context"
	"log/slog"
	"os"
	ossignal "os/signal" // rename so we can have variables named 'signal'
	"sync"

	"golang.org/x/exp/maps"
)

// router dispatches faults to the handlers in a Policy, then asks for shutdown.
type router struct {
	mu sync.Mutex

	policy  Policy
	armed   bool
	cleanup func()

	logger  *slog.Logger
	values  func() Values
	onFault func(ctx context.Context, ch Channel)
}

func (r *router) setPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = maps.Clone(p)
}

func (r *router) setHandler(ch Channel, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == nil {
		r.policy = make(Policy)
	}
	r.policy[ch] = h
}

// arm starts routing faults to shutdown. If signals is true, the OS signals for each signal
// channel are forwarded as well.
func (r *router) arm(ctx context.Context, signals bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.armed {
		return
	}
	r.armed = true

	if !signals {
		return
	}

	ch := make(chan os.Signal, len(signalChannels))
	ossignal.Notify(ch, maps.Values(signalChannels)...)
	r.cleanup = func() {
		ossignal.Stop(ch)
		close(ch)
	}

	// Signals are dispatched outside of any request context, but keep its values (e.g. the
	// logger).
	sigCtx := context.WithoutCancel(ctx)
	go func() {
		for signal := range ch {
			if channel, ok := channelForSignal(signal); ok {
				r.dispatch(sigCtx, channel, signal)
			}
		}
	}()
}

// disarm stops forwarding OS signals. Faults dispatched afterwards are still handled, but do not
// trigger shutdown.
func (r *router) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.armed = false
	if r.cleanup != nil {
		r.cleanup()
		r.cleanup = nil
	}
}

func (r *router) isArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// dispatch handles the fault and, if armed, triggers shutdown. It returns whether shutdown was
// triggered.
func (r *router) dispatch(ctx context.Context, ch Channel, fault any) bool {
	r.handle(ctx, ch, fault)

	if ch == UncaughtExceptionMonitor || !r.isArmed() {
		return false
	}
	r.onFault(ctx, ch)
	return true
}

// handle calls the handler for the channel, never panicking.
func (r *router) handle(ctx context.Context, ch Channel, fault any) {
	r.mu.Lock()
	h := r.policy.HandlerFor(ch)
	r.mu.Unlock()

	if h == nil {
		if ch != UncaughtExceptionMonitor {
			report(r.logger, "unhandled fault", fault, slog.String("channel", string(ch)))
		}
		return
	}

	defer func() {
		if p := recover(); p != nil {
			report(r.logger, "fault handler panicked", &PanicError{Value: p, Stack: GetStackTrace(nil, 1)},
				slog.String("channel", string(ch)))
		}
	}()
	h(ctx, fault, r.values(), ch)
}

// report is the default reporter, used for faults with no handler and for stage failures.
func report(logger *slog.Logger, msg string, fault any, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	for _, a := range attrs {
		args = append(args, a)
	}

	switch f := fault.(type) {
	case error:
		args = append(args, slog.String("error", f.Error()))
		if p := panicOf(f); p != nil {
			args = append(args, slog.String("stack", p.Stack.String()))
		}
	case os.Signal:
		args = append(args, slog.String("signal", f.String()))
	default:
		args = append(args, slog.Any("fault", f))
	}

	logger.Error(msg, args...)
}
