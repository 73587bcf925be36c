/*
Package storage persists task trees in BoltDB.

The storage package owns the repository: task rows live as JSON values
in a single BoltDB bucket, with the bucket sequence providing the global
submission order used for priority tie-breaks and child ordering. A
second bucket holds LLM provider keys.

# Transactions

Every multi-row operation is one BoltDB transaction, so readers always
see a consistent tree snapshot and writers are all-or-nothing:

  - CreateTasks inserts a whole submission or nothing.
  - UpdateTask re-checks the model invariants (status transitions,
    dependency locking, cycles) inside the write transaction, with
    updated_at as the optimistic concurrency token.
  - DeleteSubtree verifies the delete rules and removes the subtree
    atomically.
  - ApplyCopy inserts the copied rows and flags the originals has_copy
    in one transaction.

Tree-shaped reads (GetTree, BuildSubtree, FindDependents,
TransitiveDependents) load the bucket inside one View transaction and
answer from the graph indexes.

# Usage

	store, err := storage.NewBoltStore("/var/lib/flowd")
	if err != nil { ... }
	defer store.Close()

	created, err := store.CreateTasks(tasks)
	node, err := store.BuildSubtree(rootID)

The Store interface in store.go is what the rest of flowd depends on;
BoltStore is its only production implementation.
*/
package storage
