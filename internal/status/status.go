// Package status implements the Status Publisher: a fan-out, best-effort
// event channel broadcasting model lifecycle and routing decisions to
// subscribers such as the WebSocket status endpoint.
package status

import "sync"

// EventKind identifies one of the four published event shapes.
type EventKind string

const (
	EventModelStatus      EventKind = "modelStatus"
	EventCategoryStatus   EventKind = "categoryStatus"
	EventSystemPromptUsed EventKind = "systemPromptUsed"
	EventLog              EventKind = "log"
)

// Event is one published message. Payload shape depends on Kind.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Payload interface{} `json:"payload"`
}

// ModelStatusPayload describes a Resident mutation.
type ModelStatusPayload struct {
	ModelID string `json:"modelId"`
	State   string `json:"state"`
	Kind    string `json:"kind,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// CategoryStatusPayload describes a routing decision.
type CategoryStatusPayload struct {
	Category string `json:"category"`
	ModelID  string `json:"modelId"`
}

// SystemPromptUsedPayload describes the effective injected system prompt.
type SystemPromptUsedPayload struct {
	Prompt string `json:"prompt"`
	Source string `json:"source"`
}

const subscriberBuffer = 32

// subscriber is one fan-out destination: a buffered event channel. The
// modelStatus snapshot replayed to new subscribers is kept on the Publisher.
type subscriber struct {
	ch chan Event
}

// Publisher fans events out to all current subscribers. Delivery is
// best-effort: a slow subscriber's log events may be dropped rather than
// blocking the publisher, but modelStatus and systemPromptUsed events are
// never silently dropped for a subscriber that is keeping up.
type Publisher struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	lastModel   map[string]Event // last modelStatus per modelId, for the on-subscribe snapshot
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{
		subscribers: make(map[int]*subscriber),
		lastModel:   make(map[string]Event),
	}
}

// Subscribe registers a new listener and returns its channel and an
// unsubscribe function. The channel immediately receives a modelStatus
// snapshot for every model this Publisher has ever reported on.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	p.subscribers[id] = sub

	for _, ev := range p.lastModel {
		select {
		case sub.ch <- ev:
		default:
		}
	}

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if s, ok := p.subscribers[id]; ok {
			close(s.ch)
			delete(p.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// PublishModelStatus emits a modelStatus event and updates the replay
// snapshot for modelID.
func (p *Publisher) PublishModelStatus(payload ModelStatusPayload) {
	ev := Event{Kind: EventModelStatus, Payload: payload}
	p.mu.Lock()
	p.lastModel[payload.ModelID] = ev
	p.mu.Unlock()
	p.publish(ev, true)
}

// PublishCategoryStatus emits a categoryStatus event.
func (p *Publisher) PublishCategoryStatus(payload CategoryStatusPayload) {
	p.publish(Event{Kind: EventCategoryStatus, Payload: payload}, true)
}

// PublishSystemPromptUsed emits a systemPromptUsed event.
func (p *Publisher) PublishSystemPromptUsed(payload SystemPromptUsedPayload) {
	p.publish(Event{Kind: EventSystemPromptUsed, Payload: payload}, true)
}

// PublishLog emits an optional per-request trace line. Dropped silently if
// a subscriber's buffer is full.
func (p *Publisher) PublishLog(line string) {
	p.publish(Event{Kind: EventLog, Payload: line}, false)
}

// publish fans ev out to every subscriber without blocking. When
// mustDeliver is true and a subscriber's buffer is full, the oldest pending
// event is dropped to make room and the send is retried once; log events
// (mustDeliver=false) are dropped on a full buffer.
func (p *Publisher) publish(ev Event, mustDeliver bool) {
	p.mu.Lock()
	subs := make([]*subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if mustDeliver {
			select {
			case s.ch <- ev:
			default:
				// Buffer full: drop the oldest pending event to make room
				// rather than block the publisher indefinitely.
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- ev:
				default:
				}
			}
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
