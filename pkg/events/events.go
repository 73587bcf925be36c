package events

import (
	"sync"
	"time"

	"github.com/yitercel/taskflow/pkg/metrics"
	"github.com/yitercel/taskflow/pkg/types"
)

// Bus fans out progress events, one topic per root task id. The
// scheduler is the single publisher; transports subscribe. Delivery is
// live-only: a subscriber sees events from the moment it attaches.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]*Topic
	bufSize int
	closed  bool
}

// NewBus creates an event bus. bufSize bounds each subscriber's buffer;
// a subscriber that falls behind by more than that is disconnected.
func NewBus(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Bus{
		topics:  make(map[string]*Topic),
		bufSize: bufSize,
	}
}

// Topic returns the topic for a root task id, creating it on demand.
func (b *Bus) Topic(rootID string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[rootID]; ok {
		return t
	}
	t := &Topic{
		rootID:  rootID,
		bufSize: b.bufSize,
		subs:    make(map[*Subscriber]bool),
	}
	if b.closed {
		t.closed = true
	}
	b.topics[rootID] = t
	return t
}

// Publish delivers an event on the topic for rootID. Events on one
// topic are totally ordered; ordering across topics is undefined.
func (b *Bus) Publish(rootID string, ev *types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.RootTaskID = rootID
	b.Topic(rootID).publish(ev)
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// PublishIfOpen delivers an event only when a topic for rootID already
// exists, and reports whether it did. One-off events outside any run
// use it so they never materialise a topic that no run will close.
func (b *Bus) PublishIfOpen(rootID string, ev *types.Event) bool {
	b.mu.RLock()
	t, ok := b.topics[rootID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.RootTaskID = rootID
	t.publish(ev)
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return true
}

// CloseTopic tears down the topic after its final event: subscriber
// channels are closed and the topic is forgotten.
func (b *Bus) CloseTopic(rootID string) {
	b.mu.Lock()
	t, ok := b.topics[rootID]
	if ok {
		delete(b.topics, rootID)
	}
	b.mu.Unlock()
	if ok {
		t.close()
	}
}

// Close emits a stream end on every open topic and shuts the bus down.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*Topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.publish(&types.Event{
			Type:       types.EventStreamEnd,
			RootTaskID: t.rootID,
			Timestamp:  time.Now().UTC(),
			Message:    "server shutting down",
		})
		t.close()
	}
}

// SubscriberCount returns the number of subscribers across all topics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, t := range b.topics {
		total += t.subscriberCount()
	}
	return total
}

// Topic is the event channel for one root task
type Topic struct {
	rootID  string
	bufSize int

	mu     sync.Mutex
	subs   map[*Subscriber]bool
	closed bool
}

// RootID returns the root task id the topic carries events for.
func (t *Topic) RootID() string {
	return t.rootID
}

// Subscribe attaches a new subscriber. Events published after this call
// are delivered; missed events are not replayed.
func (t *Topic) Subscribe() *Subscriber {
	sub := &Subscriber{
		topic: t,
		ch:    make(chan *types.Event, t.bufSize),
	}
	t.mu.Lock()
	if t.closed {
		close(sub.ch)
		sub.done = true
	} else {
		t.subs[sub] = true
		metrics.SubscribersActive.Inc()
	}
	t.mu.Unlock()
	return sub
}

// publish delivers ev to every subscriber. Holding the lock for the
// whole loop serialises events on the topic. A subscriber whose buffer
// is full gets a best-effort diagnostic and is dropped.
func (t *Topic) publish(ev *types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			t.dropLocked(sub)
		}
	}
}

// dropLocked disconnects a slow subscriber. Called with t.mu held.
func (t *Topic) dropLocked(sub *Subscriber) {
	delete(t.subs, sub)
	// Diagnostic final event, best effort: the buffer is full, so try
	// to make room by discarding the oldest event first.
	diag := &types.Event{
		Type:       types.EventStreamEnd,
		RootTaskID: t.rootID,
		Timestamp:  time.Now().UTC(),
		Message:    "subscriber buffer overflow, disconnected",
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- diag:
	default:
	}
	close(sub.ch)
	sub.done = true
	metrics.SubscribersActive.Dec()
	metrics.SubscribersDropped.Inc()
}

func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		close(sub.ch)
		sub.done = true
		metrics.SubscribersActive.Dec()
	}
	t.subs = make(map[*Subscriber]bool)
}

func (t *Topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscriber receives the events of one topic
type Subscriber struct {
	topic *Topic
	ch    chan *types.Event
	done  bool
}

// Events returns the receive channel. It is closed when the topic ends
// or the subscriber is disconnected.
func (s *Subscriber) Events() <-chan *types.Event {
	return s.ch
}

// Close detaches the subscriber from its topic.
func (s *Subscriber) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	if _, ok := s.topic.subs[s]; !ok {
		return
	}
	delete(s.topic.subs, s)
	close(s.ch)
	s.done = true
	metrics.SubscribersActive.Dec()
}
