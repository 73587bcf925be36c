/*
Package types defines the shared task model.

A Task is one node in a tree: the parent edge shapes the hierarchy, the
dependency edges form a DAG layered over it, and the status lifecycle
runs pending → in_progress → {completed, failed, cancelled}. Completed
and cancelled are terminal for good; failed may re-execute.

The wire conventions live here too: Dependency accepts both the plain
id form and the {id, required} object form (required defaults to true),
and Task defaults an absent priority to PriorityDefault since 0 is a
valid — highest — priority. Principal carries the authenticated caller,
Event the progress notifications, TaskNode the materialised subtree
shape returned by tree queries.

The package has no dependencies inside flowd; everything else imports
it.
*/
package types
