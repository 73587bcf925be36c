/*
Package events is the in-memory progress event bus.

The events package fans run progress out to transports: one topic per
root task id, the scheduler as single publisher, SSE/websocket/callback
subscribers on the receiving end. Delivery is live-only; a subscriber
sees events from the moment it attaches, and missed history is never
replayed.

# Architecture

	Scheduler ──publish──▶ Topic(rootID) ──▶ Subscriber channels
	                          │
	                          ├─▶ SSE response writer
	                          ├─▶ websocket connection
	                          └─▶ callback pusher

Events on one topic are totally ordered: publish holds the topic lock
for the whole fan-out loop. Ordering across topics is undefined.

# Backpressure

Every subscriber owns a bounded buffer. A subscriber that falls behind
by more than the buffer is disconnected rather than slowing the run: the
oldest buffered event is discarded to make room for a terminal
stream.end diagnostic, then the channel closes. Healthy subscribers on
the same topic are unaffected.

# Lifecycle

The scheduler closes a topic after the run's stream.end; subscriber
channels close and the topic is forgotten, so a later run on the same
root starts with a fresh topic. Bus.Close, used on shutdown, emits a
shutdown stream.end on every open topic first.
*/
package events
