// Package bus provides in-process publish/subscribe keyed by trace id,
// carrying two channels per trace: agent thoughts and swarm lifecycle
// events. Publication never blocks; a subscriber that falls behind loses
// its oldest buffered items first. Delivery is FIFO within a trace.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"swarmd/internal/logging"
)

// ThoughtType labels a streamed agent thought.
type ThoughtType string

const (
	ThoughtThinking ThoughtType = "thinking"
	ThoughtResponse ThoughtType = "response"
	ThoughtCritique ThoughtType = "critique"
	ThoughtRefined  ThoughtType = "refined"
)

// Thought is one agent-level streaming text item.
type Thought struct {
	TraceID    string      `json:"traceId"`
	AgentID    string      `json:"agentId"`
	Type       ThoughtType `json:"thoughtType"`
	Content    string      `json:"content"`
	Confidence *float64    `json:"confidence,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// EventType labels a swarm lifecycle event.
type EventType string

const (
	EventAgentStart        EventType = "agent_start"
	EventAgentThought      EventType = "agent_thought"
	EventAgentComplete     EventType = "agent_complete"
	EventCritiqueStart     EventType = "critique_start"
	EventCritiqueComplete  EventType = "critique_complete"
	EventSynthesisStart    EventType = "synthesis_start"
	EventSynthesisComplete EventType = "synthesis_complete"
	EventConsensusUpdate   EventType = "consensus_update"
)

// Event is one swarm lifecycle notification.
type Event struct {
	TraceID   string         `json:"traceId"`
	Type      EventType      `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBuffer bounds how far a slow subscriber may lag.
const subscriberBuffer = 64

// Subscription is the handle returned to subscribers. Cancel is
// idempotent; after Cancel the channel is closed.
type Subscription[T any] struct {
	C      <-chan T
	ch     chan T
	cancel func()
	once   sync.Once
}

// Cancel releases the subscription.
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
}

// Bus fans out thoughts and events to per-trace subscribers.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	thoughtSubs map[string]map[int]chan Thought
	eventSubs   map[string]map[int]chan Event
	log         *zap.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		thoughtSubs: make(map[string]map[int]chan Thought),
		eventSubs:   make(map[string]map[int]chan Event),
		log:         logging.Get(logging.CategoryBus),
	}
}

// SubscribeThoughts registers for a trace's thought stream.
func (b *Bus) SubscribeThoughts(traceID string) *Subscription[Thought] {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Thought, subscriberBuffer)
	if b.thoughtSubs[traceID] == nil {
		b.thoughtSubs[traceID] = make(map[int]chan Thought)
	}
	b.thoughtSubs[traceID][id] = ch

	return &Subscription[Thought]{
		C:  ch,
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.thoughtSubs[traceID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
					if len(subs) == 0 {
						delete(b.thoughtSubs, traceID)
					}
				}
			}
		},
	}
}

// SubscribeEvents registers for a trace's swarm event stream.
func (b *Bus) SubscribeEvents(traceID string) *Subscription[Event] {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.eventSubs[traceID] == nil {
		b.eventSubs[traceID] = make(map[int]chan Event)
	}
	b.eventSubs[traceID][id] = ch

	return &Subscription[Event]{
		C:  ch,
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.eventSubs[traceID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
					if len(subs) == 0 {
						delete(b.eventSubs, traceID)
					}
				}
			}
		},
	}
}

// PublishThought delivers a thought to every subscriber of its trace.
func (b *Bus) PublishThought(t Thought) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.thoughtSubs[t.TraceID] {
		sendDropOldest(ch, t)
	}
}

// PublishEvent delivers an event to every subscriber of its trace.
func (b *Bus) PublishEvent(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.eventSubs[e.TraceID] {
		sendDropOldest(ch, e)
	}
}

// sendDropOldest enqueues without blocking. When the buffer is full the
// oldest item is discarded to make room; if the channel is still full
// (racing consumer) the new item is dropped instead.
func sendDropOldest[T any](ch chan T, item T) {
	select {
	case ch <- item:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- item:
	default:
	}
}

// SubscriberCount reports active subscriptions for a trace across both
// channels. Used by tests.
func (b *Bus) SubscriberCount(traceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.thoughtSubs[traceID]) + len(b.eventSubs[traceID])
}
