/*
Package metrics registers flowd's Prometheus collectors.

The collectors cover the run engine (runs active and total, tasks
executed by status, busy workers, executor duration), the event bus
(events published, subscribers active and dropped), callback delivery
attempts, and the RPC surface (request counts and durations by method).
Handler serves them for the /metrics endpoint.
*/
package metrics
