/*
Package rpc is flowd's JSON-RPC 2.0 transport.

The rpc package exposes the task model over HTTP: a method dispatcher
with aliases for legacy names, three response modes for execution
(synchronous, SSE streaming, HTTP callback push), a websocket event
feed, bearer-token authentication with per-user ownership, and the
public agent card.

# Architecture

	┌────────────────────── HTTP SURFACE ──────────────────────┐
	│                                                           │
	│  POST /        JSON-RPC, protocol tag "a2a"               │
	│  POST /tasks   JSON-RPC, protocol tag "jsonrpc"           │
	│  POST /system  JSON-RPC, protocol tag "jsonrpc"           │
	│  GET  /ws      websocket event subscriptions              │
	│  GET  /.well-known/agent-card   discovery document        │
	│  GET  /healthz, /metrics        operational endpoints     │
	│                                                           │
	│  ┌─────────────────────────────────────────────┐         │
	│  │                Server                        │         │
	│  │  parse → authenticate → normalize method     │         │
	│  │       → dispatch → map error → respond       │         │
	│  └──────────────────┬──────────────────────────┘         │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐         │
	│  │                Service                       │         │
	│  │  tasks.create/get/update/delete/detail/      │         │
	│  │  tree/children/list/execute/cancel/copy      │         │
	│  │  tasks.running.*  system.health              │         │
	│  │  config.llm_key.*  examples.*                │         │
	│  └─────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Execution Modes

tasks.execute picks its response mode from the request:

  - default: run synchronously, answer with the aggregate once the run
    ends.
  - metadata.stream = true: answer as an SSE stream. The first frame is
    the JSON-RPC envelope confirming the start; every run event follows
    as its own frame, ending with stream.end. The subscription attaches
    before the run starts so no event is missed.
  - configuration.push_notification_config: answer immediately with
    status "started" and push every event to the configured URL (see
    package callback).

# Error Mapping

Domain errors carry structured codes (package taskerr) and map onto the
JSON-RPC taxonomy: validation-class codes become -32602, FORBIDDEN
becomes -32001, recognised domain codes become -32000, everything else
is -32603 with a correlation id that also lands in the server log. The
structured code, task id, details and per-violation list travel in
error.data. The HTTP status is always 200; the envelope carries the
outcome.

# Authentication

Bearer tokens are JWTs decoded without signature verification; the
deployment fronts flowd with a verifying proxy. The principal's user id
comes from the user_id or sub claim, admin rights from roles. Requests
without a usable token act as the configured default user. Non-admin
principals only reach their own trees; everything else is FORBIDDEN.
*/
package rpc
