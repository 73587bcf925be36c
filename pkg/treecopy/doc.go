/*
Package treecopy clones subtrees for re-execution.

Completed and cancelled tasks never restart in place; the way to run
finished work again is to copy it. The engine clones the subtree rooted
at a source task — plus every task in the tree that transitively depends
on a member, so the copy stays executable — into a fresh tree with new
ids, remapped edges and reset run state, and flags the originals
has_copy.

Edges crossing the copy boundary are handled asymmetrically: a parent
outside the set re-roots the node under the new copy root, while a
dependency outside the set keeps pointing at the original, so completed
external work feeds the re-run as input instead of being duplicated.
Pending dependents hanging off a failed leaf are pruned; they never ran,
so duplicating them buys nothing.

The whole copy persists through one ApplyCopy transaction and the new
root is returned, ready for tasks.execute.
*/
package treecopy
