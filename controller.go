package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharnoff/lifecycle/internal/config"
	"github.com/sharnoff/lifecycle/internal/logger"
)

// ErrNotStarted is returned by [Controller.Shutdown] if the Controller hasn't finished booting.
var ErrNotStarted = errors.New("lifecycle: controller not started")

// ErrShutdownTask is returned by [Controller.Shutdown] when it's called from one of the
// Controller's own shutdown tasks, which would otherwise wait on itself forever.
var ErrShutdownTask = errors.New("lifecycle: Shutdown called from a shutdown task")

// inShutdownKey marks contexts passed to a Controller's shutdown tasks.
type inShutdownKey struct{}

// Entrypoint is the function run by [Controller.RunExec] once setup and boot have completed.
type Entrypoint func(ctx context.Context, v Values) (any, error)

// UpEntrypoint is the function run by [Controller.RunUp] once setup and boot have completed. It's
// expected to hand off to something long-running (like a server) and return.
type UpEntrypoint func(ctx context.Context, v Values) error

// Controller runs the setup, boot, and shutdown stages of a process around a caller-supplied
// entrypoint, and routes asynchronous faults (OS signals, background panics and errors) to
// shutdown.
//
// Every Controller has its own [Values]; independent Controllers don't interact, apart from
// sharing OS signal delivery if more than one has signals enabled.
//
// The stages run as follows:
//
//   - If setup fails, the failure is reported and the process exits with [ExitSetup]. Shutdown
//     does not run.
//   - If boot fails, the failure is reported, shutdown runs, and the process exits with
//     [ExitBoot].
//   - Otherwise, faults are routed to the failure [Policy], and the entrypoint runs. Shutdown runs
//     once the entrypoint returns (RunExec only) or a fault arrives, whichever is first.
//   - If shutdown fails, the failure is reported and the process exits with [ExitShutdown].
//
// Shutdown runs at most once, no matter how many faults arrive. "Exiting" means calling the
// function set by [WithExit], which is [os.Exit] by default.
type Controller struct {
	id           string
	logger       *slog.Logger
	exit         func(code int)
	signals      bool
	drainTimeout time.Duration
	hooks        Hooks

	mu      sync.Mutex
	state   State
	specs   map[Stage]Spec
	started map[Stage]bool
	values  Values

	tracker *Tracker
	router  *router

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger used for reporting. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExit replaces [os.Exit] as the function used to terminate the process.
func WithExit(exit func(code int)) Option {
	return func(c *Controller) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithSignals sets whether SIGINT, SIGTERM, and SIGQUIT are delivered to the failure policy once
// boot has completed. Defaults to true.
func WithSignals(enabled bool) Option {
	return func(c *Controller) {
		c.signals = enabled
	}
}

// WithDrainTimeout sets how long to wait, after the shutdown stage, for tasks that were abandoned
// when a sibling failed. Defaults to zero, meaning no waiting.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.drainTimeout = d
	}
}

// WithHooks adds hooks called for every task in every stage.
func WithHooks(h Hooks) Option {
	return func(c *Controller) {
		c.hooks = c.hooks.Merge(h)
	}
}

// New creates a new Controller with empty stages.
func New(opts ...Option) *Controller {
	id := uuid.NewString()
	c := &Controller{
		id:      id,
		logger:  slog.Default(),
		exit:    os.Exit,
		signals: true,
		specs:   make(map[Stage]Spec),
		started: make(map[Stage]bool),
		tracker: NewTracker(id),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("component", "lifecycle", "run_id", id)
	c.router = &router{logger: c.logger, values: c.Values, onFault: c.fault}
	return c
}

// NewFromEnv is like [New], but configures logging, signals, and the drain timeout from
// LIFECYCLE_* environment variables and an optional lifecycle.yaml. Options passed here take
// precedence over the loaded configuration.
func NewFromEnv(opts ...Option) (*Controller, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	base := []Option{
		WithLogger(l),
		WithSignals(cfg.Signals.Enabled),
		WithDrainTimeout(cfg.Shutdown.DrainTimeout),
	}
	return New(append(base, opts...)...), nil
}

// LoggerFrom returns the Controller's logger from a context passed to a task, entrypoint, or
// handler, or slog.Default() if there isn't one.
func LoggerFrom(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx)
}

// ID returns the unique identifier for this Controller, attached to all of its logs as run_id.
func (c *Controller) ID() string {
	return c.id
}

// Register adds the Spec to the stage, as described by [Append]: a [Group] runs alongside the
// most recently registered tasks, while a [Sequence] runs strictly after everything registered so
// far.
//
// Register returns [ErrStageStarted] if the stage has already started running.
func (c *Controller) Register(stage Stage, spec Spec) error {
	if stage < Setup || stage > Shutdown {
		return fmt.Errorf("lifecycle: invalid stage %s", stage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started[stage] {
		return fmt.Errorf("%w: %s", ErrStageStarted, stage)
	}
	c.specs[stage] = Append(c.specs[stage], spec)
	return nil
}

// Spec returns everything registered for the stage so far.
func (c *Controller) Spec(stage Stage) Spec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.specs[stage]; ok {
		return s
	}
	return Group{}
}

// SetFailurePolicy replaces the failure policy. Keys must be one of the predefined channels or
// [Fallback].
func (c *Controller) SetFailurePolicy(p Policy) error {
	for ch := range p {
		if !ch.Valid() {
			return fmt.Errorf("lifecycle: unknown fault channel %q", ch)
		}
	}
	c.router.setPolicy(p)
	return nil
}

// SetFallback sets the handler used for every channel without its own entry in the policy.
func (c *Controller) SetFallback(h Handler) {
	c.router.setHandler(Fallback, h)
}

// Values returns the values produced by all tasks resolved so far.
func (c *Controller) Values() Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel that is closed once the Controller reaches [Terminated].
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Running returns the tasks that are still running, including those abandoned after a sibling
// failed and goroutines started with [Controller.Go].
func (c *Controller) Running() TaskTree {
	return c.tracker.Tree()
}

// RunExec runs setup and boot, then the entrypoint, then shutdown, returning the entrypoint's
// result.
//
// If the entrypoint fails (or panics), its error is passed to the policy's [Error] handler (or
// the fallback, or logged) and shutdown still runs; RunExec then returns that error. If a stage
// fails, RunExec returns a [*StageError] after exiting with the stage's code.
//
// Nothing calls exit when everything succeeds; the caller is expected to return normally.
func (c *Controller) RunExec(ctx context.Context, entry Entrypoint) (any, error) {
	ctx, err := c.start(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.transition(RunTaskRunning); err != nil {
		// a fault arrived between arming and here; shutdown is already underway
		<-c.done
		return nil, c.shutdownResult()
	}

	result, runErr := c.callEntry(func() (any, error) { return entry(ctx, c.Values()) })
	if runErr != nil {
		c.router.handle(ctx, Error, runErr)
	}

	ran, err := c.shutdown(ctx)
	if err != nil {
		if ran {
			c.exit(ExitShutdown)
		}
		return result, c.shutdownResult()
	}
	return result, runErr
}

// RunUp runs setup and boot, then starts the entrypoint and returns once it does. Shutdown is left
// to the failure policy: it runs when the first fault arrives, after which the process exits with
// [ExitOK] (or [ExitShutdown], if shutdown failed).
//
// If the entrypoint returns an error or panics, that's treated as a fault on the [Error] or
// [UncaughtException] channel respectively. Use [Controller.Done] to wait for shutdown.
func (c *Controller) RunUp(ctx context.Context, entry UpEntrypoint) error {
	ctx, err := c.start(ctx)
	if err != nil {
		return err
	}

	if err := c.transition(WaitingForTermination); err != nil {
		return nil
	}

	_, runErr := c.callEntry(func() (any, error) { return nil, entry(ctx, c.Values()) })
	if runErr != nil {
		var p *PanicError
		if errors.As(runErr, &p) {
			c.router.dispatch(ctx, UncaughtExceptionMonitor, p)
			c.router.dispatch(ctx, UncaughtException, p)
		} else {
			c.router.dispatch(ctx, Error, runErr)
		}
		return runErr
	}
	return nil
}

// Shutdown runs the shutdown stage if it hasn't run yet, and waits for it to finish. Unlike a
// fault, it never exits the process.
//
// Shutdown returns [ErrNotStarted] if setup and boot haven't completed yet, [ErrShutdownTask] if
// called from a shutdown task, and a [*StageError] if the shutdown stage failed.
func (c *Controller) Shutdown(ctx context.Context) error {
	if ctx.Value(inShutdownKey{}) == c {
		return ErrShutdownTask
	}
	switch c.State() {
	case Idle, SetupRunning, BootRunning:
		return ErrNotStarted
	}
	if _, err := c.shutdown(logger.WithLogger(ctx, c.logger)); err != nil {
		return c.shutdownResult()
	}
	return nil
}

// Dispatch delivers a fault on the channel, exactly as if it had arrived from the channel's usual
// source. Once boot has completed, this triggers shutdown.
func (c *Controller) Dispatch(ctx context.Context, ch Channel, fault any) error {
	if ch == Fallback || !ch.Valid() {
		return fmt.Errorf("lifecycle: cannot dispatch on channel %q", ch)
	}
	c.router.dispatch(logger.WithLogger(ctx, c.logger), ch, fault)
	return nil
}

// Go runs f in a new goroutine, tracked under the name. If f panics, the panic is delivered on
// [UncaughtExceptionMonitor] and then [UncaughtException]; if it returns an error, the error is
// delivered on [UnhandledRejection].
func (c *Controller) Go(ctx context.Context, name string, f func(context.Context) error) {
	ctx = logger.WithLogger(ctx, c.logger)
	bg := c.tracker.Sub("background")
	bg.Add(name)
	spawn := GetStackTrace(nil, 0)

	go func() {
		defer bg.Done(name)
		defer func() {
			if p := recover(); p != nil {
				pe := &PanicError{Value: p, Stack: GetStackTrace(&spawn, 1)}
				c.router.dispatch(ctx, UncaughtExceptionMonitor, pe)
				c.router.dispatch(ctx, UncaughtException, pe)
			}
		}()

		if err := f(ctx); err != nil {
			c.router.dispatch(ctx, UnhandledRejection, fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (c *Controller) start(ctx context.Context) (context.Context, error) {
	ctx = logger.WithLogger(ctx, c.logger)

	if err := c.transition(SetupRunning); err != nil {
		return nil, ErrAlreadyRunning
	}

	if err := c.runStage(ctx, Setup); err != nil {
		c.mustTransition(Terminated)
		c.shutdownOnce.Do(func() { close(c.done) })
		c.exit(Setup.exitCode())
		return nil, &StageError{Stage: Setup, Code: Setup.exitCode(), Err: err}
	}

	c.mustTransition(BootRunning)
	if err := c.runStage(ctx, Boot); err != nil {
		_, _ = c.shutdown(ctx)
		c.exit(Boot.exitCode())
		return nil, &StageError{Stage: Boot, Code: Boot.exitCode(), Err: err}
	}

	c.router.arm(ctx, c.signals)
	c.logger.Info("boot complete; failure policy armed", "signals", c.signals)
	return ctx, nil
}

func (c *Controller) callEntry(f func() (any, error)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: GetStackTrace(nil, 1)}
		}
	}()
	return f()
}

// runStage resolves the stage's Spec, keeping whatever values were produced even on failure.
func (c *Controller) runStage(ctx context.Context, stage Stage) error {
	c.mu.Lock()
	c.started[stage] = true
	spec := c.specs[stage]
	v := c.values
	c.mu.Unlock()

	log := c.logger.With("stage", stage.String())
	log.Debug("resolving stage", "tasks", Tasks(spec))

	r := &resolver{
		stage:   stage,
		tracker: c.tracker.Sub(stage.String()),
		hooks:   c.loggingHooks(log).Merge(c.hooks),
	}
	start := time.Now()
	v, err := r.resolve(logger.WithLogger(ctx, log), spec, v)

	c.mu.Lock()
	c.values = v
	c.mu.Unlock()

	if err != nil {
		report(log, "stage failed", err, slog.String("task", failedTask(err)))
		return err
	}
	log.Debug("stage complete", "duration", time.Since(start))
	return nil
}

func (c *Controller) loggingHooks(log *slog.Logger) Hooks {
	return Hooks{
		OnStart: func(_ context.Context, e TaskEvent) {
			log.Debug("task started", "task", e.Name)
		},
		OnSuccess: func(_ context.Context, e TaskEvent) {
			log.Debug("task finished", "task", e.Name, "duration", e.Duration)
		},
		OnFailure: func(_ context.Context, e TaskEvent) {
			log.Warn("task failed", "task", e.Name, "duration", e.Duration, "error", e.Err)
		},
	}
}

// fault is called by the router after a fault has been handled.
func (c *Controller) fault(ctx context.Context, ch Channel) {
	c.mu.Lock()
	if c.state == RunTaskRunning || c.state == WaitingForTermination {
		c.setState(FailureTriggered)
	}
	c.mu.Unlock()

	c.logger.Info("fault received; shutting down", "channel", string(ch))
	ran, err := c.shutdown(ctx)
	if !ran {
		return
	}
	if err != nil {
		c.exit(ExitShutdown)
	} else {
		c.exit(ExitOK)
	}
}

// shutdown runs the shutdown stage exactly once. Concurrent callers wait for the first to finish.
// ran is true only for the caller that actually ran it.
func (c *Controller) shutdown(ctx context.Context) (ran bool, err error) {
	c.shutdownOnce.Do(func() {
		ran = true
		c.router.disarm()
		c.mustTransition(ShutdownRunning)

		c.shutdownErr = c.runStage(context.WithValue(ctx, inShutdownKey{}, c), Shutdown)
		c.drain()

		c.mustTransition(Terminated)
		close(c.done)
	})
	return ran, c.shutdownErr
}

func (c *Controller) shutdownResult() error {
	if c.shutdownErr == nil {
		return nil
	}
	return &StageError{Stage: Shutdown, Code: Shutdown.exitCode(), Err: c.shutdownErr}
}

// drain waits, up to the drain timeout, for abandoned stage tasks to finish.
func (c *Controller) drain() {
	if c.drainTimeout <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()

	for _, stage := range Stages() {
		sub := c.tracker.Sub(stage.String())
		if err := sub.TryWait(ctx); err != nil {
			c.logger.Warn("abandoned tasks still running after drain timeout",
				"timeout", c.drainTimeout, "running", c.tracker.Tree())
			return
		}
	}
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isAllowedTransition(c.state, to) {
		return fmt.Errorf("lifecycle: invalid transition %s -> %s", c.state, to)
	}
	c.setState(to)
	return nil
}

func (c *Controller) mustTransition(to State) {
	if err := c.transition(to); err != nil {
		panic(fmt.Sprintf("internal error: %s", err))
	}
}

// setState requires c.mu.
func (c *Controller) setState(to State) {
	c.logger.Debug("state transition", "from", c.state.String(), "to", to.String())
	c.state = to
}

func failedTask(err error) string {
	var tf *TaskFailure
	if errors.As(err, &tf) {
		return tf.Name
	}
	return ""
}

func panicOf(err error) *PanicError {
	var p *PanicError
	if errors.As(err, &p) {
		return p
	}
	return nil
}
