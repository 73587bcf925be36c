/*
Package graph holds the task-tree model rules.

The graph package is pure logic over task slices: submission validation,
update legality, delete gating, and the adjacency indexes every other
package walks. It touches no storage and no transport, which keeps the
invariants testable in isolation and lets the repository re-check them
inside its write transactions.

# Validation

Validate checks a create submission against the tree invariants — single
user, single root (or, in attach mode, anchoring under an existing
tree), closed and acyclic dependencies, parent chains that terminate —
and reports every violation at once as a ValidationErrors aggregate
rather than stopping at the first.

# Updates

ApplyUpdate is a pure function from (stored task, delta) to an updated
copy: parent and user are immutable, completed/cancelled are terminal
except through tree copy, failed may restart, dependency edits are
locked off-pending and re-checked for cycles, and status changes couple
to their timestamps and progress. ForceRestart bypasses the transition
gate; it exists for the scheduler's re-execution path and is never set
from API input.

# Indexes

Build constructs the per-tree adjacency maps (children by submission
order, dependency edges and their reverse). Descendants,
DependencyClosure, TransitiveDependents and Root are the walks the
scheduler, the copy engine and the repository share.
*/
package graph
