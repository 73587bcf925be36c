/*
Package executor runs the work behind tasks.

The executor package defines the capability boundary between the
scheduler and the code that actually does things: a Registry mapping
selectors to factories, the Executor interface with its optional
capabilities, and the Adapter that resolves inputs, runs hook chains and
normalises every failure mode into a terminal Outcome.

# Resolution

A task selects its executor through schemas.method, falling back to the
task name. The factory receives task.Params, so one registration can
produce differently-configured instances per task.

# Input Resolution

The adapter composes the effective inputs in layers, lowest priority
first:

 1. schema defaults (properties.<field>.default)
 2. the task's persisted inputs
 3. required dependency results, projected in declaration order — bound
    to a named field via schemas.bindings, otherwise grouped under the
    reserved "dependencies" key
 4. pre-hooks, which may mutate the working inputs

Schema-required fields still missing after resolution fail the task with
INPUT_RESOLUTION before the executor runs.

# Capabilities

Beyond Execute, executors may implement:

  - Canceler: receives an explicit Cancel() when the context ends.
  - PartialResulter: contributes a partial result to a cancelled
    outcome.
  - ProgressAware: receives a ProgressFunc sink before Execute and
    reports intermediate progress through it.

The adapter recovers panics into failed outcomes and converts context
cancellation into a cancelled outcome regardless of what the executor
returned on its way out.

# Builtins

RegisterBuiltins installs echo, sleep, shell and http_request. They
cover the seeded example trees and serve as working references for new
executors.
*/
package executor
