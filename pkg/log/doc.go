/*
Package log configures zerolog for flowd.

Init sets the global level and output format once at startup: JSON for
production, a human console writer otherwise. Components get their
logger through WithComponent, which stamps every line with the
component name so one process's subsystems stay distinguishable.
*/
package log
