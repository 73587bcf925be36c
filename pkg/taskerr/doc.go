/*
Package taskerr defines flowd's structured domain errors.

Every failure that crosses a package boundary carries a Code, so
transports map errors without string matching and tests assert on kinds
instead of messages. Error adds the offending task id and free-form
details; ValidationErrors aggregates every violation found in one
request so clients fix a submission in one round trip.

DependencyUnsatisfiedMessage renders the error string persisted on a
task whose required dependency failed — its "DEPENDENCY_UNSATISFIED:
<id>" shape is part of the API contract.
*/
package taskerr
