// obligatory // comment

/*
Package lifecycle runs the startup, execution, and teardown of a process as a series of named
stages, with a focus on minimizing magic.

Broadly, the tools belong to a few distinct groups:

- Task specifications: [Spec], [Group], [Sequence], [Append], and [Resolve]
- Stage control: [Controller], [Stage], and [State]
- Fault handling: [Channel], [Policy], and [Handler]
- Diagnostics: [Tracker], [TaskTree], and [StackTrace]

# Task specifications

Work is described by tasks: named functions that take the [Values] produced so far and return one
more value. Tasks are grouped in two ways. A [Group] runs its tasks concurrently, all seeing the
same Values. A [Sequence] runs its elements in order, each seeing everything produced by the
elements before it. The two nest freely, so ordering is expressed purely by structure; there are
no dependency edges.

[Resolve] runs a Spec. If a task in a Group fails, Resolve returns immediately. The failed task's
siblings are not waited for and not canceled; they run to completion in the background and their
results are thrown away. Cleaning up after them is their own responsibility.

[Append] defines what happens when more work is registered for a stage that already has some. A
Group is merged into the most recent step, running alongside it. A Sequence is added after
everything else. So, given a stage with

	lifecycle.Group{"foo": foo}

appending Group{"bar": bar} runs foo and bar concurrently (bar cannot see foo's value), while
appending Sequence{Group{"bar": bar}} runs bar after foo.

# Stage control

A [Controller] holds one Spec for each of [Setup], [Boot], and [Shutdown]. [Controller.RunExec]
runs setup, boot, the entrypoint, and then shutdown. [Controller.RunUp] runs setup and boot,
starts the entrypoint, and leaves shutdown to the failure policy.

Each stage fails differently. Setup failures exit immediately with [ExitSetup]. Boot failures run
shutdown and then exit with [ExitBoot]. Shutdown failures exit with [ExitShutdown]. Shutdown never
runs more than once.

# Fault handling

Once boot has completed, faults arriving on any [Channel] (OS signals, panics and errors from
goroutines started with [Controller.Go], or anything sent with [Controller.Dispatch]) are passed
to the matching handler in the [Policy], and then trigger shutdown. A handler that panics does not
prevent shutdown.

For more, see [Controller].
*/
package lifecycle
