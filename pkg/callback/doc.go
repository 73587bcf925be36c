/*
Package callback pushes run events to HTTP endpoints.

When tasks.execute carries a push_notification_config, the server
answers immediately and a Pusher takes over the subscription: every run
event becomes one POST to the configured URL, wrapped in the agent
message envelope ({task_id, context_id, status{state, message{parts}},
final}). The run's final event sets final=true and ends delivery.

Transport errors and 5xx responses retry with doubling backoff up to the
configured attempt budget; 4xx responses are treated as final. A
delivery that exhausts its budget is dropped and counted, never blocking
the run — push is at-least-once per event on a cooperating endpoint,
best-effort otherwise.
*/
package callback
