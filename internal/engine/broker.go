package engine

import (
	"sync"
	"time"

	"github.com/seantiz/chainlink/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedMarkerTTL is how long a finished run's marker outlives Close. A
// subscriber arriving within it gets a closed channel.
const closedMarkerTTL = 5 * time.Minute

// EventBroker fans out run events to live subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Markers older than closedMarkerTTL are swept on Close.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
	now    func() time.Time
}

type eventTopic struct {
	subs     map[int]chan model.Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
		now:    time.Now,
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished (Close was called),
// the returned channel is immediately closed.
func (b *EventBroker) Subscribe(runID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.Event)}
		b.topics[runID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of ev.RunID.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Never block the run on a slow reader.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel until the marker expires.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.sweep(now)

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &eventTopic{subs: make(map[int]chan model.Event), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// sweep drops expired markers. b.mu must be held.
func (b *EventBroker) sweep(now time.Time) {
	for id, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) >= closedMarkerTTL {
			delete(b.topics, id)
		}
	}
}
