// Package bus implements the message bus: topic-based pub/sub between
// connected agents, with offline queueing and a bounded delivery history,
// grounded on the daemon's own connection-as-writer model rather than a
// channel-per-subscriber fan-out.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/agentmgr"
	"github.com/ksi-project/ksid/internal/envelope"
)

const (
	EventDirectMessage  = "DIRECT_MESSAGE"
	EventBroadcast      = "BROADCAST"
	EventTaskAssignment = "TASK_ASSIGNMENT"

	defaultHistorySize = 1000
)

// Writer delivers one event frame to a connected agent. Implemented by the
// dispatcher's per-connection frame writer.
type Writer interface {
	WriteEvent(evt envelope.Event) error
}

// Router resolves TASK_ASSIGNMENT deliveries with no explicit "to" field
// to a concrete agent. Implemented by *agentmgr.Manager.
type Router interface {
	RouteTask(requiredCapabilities []string, preferAgentID string) (agentmgr.RouteResult, error)
}

type subscriberKey struct {
	agentID   string
	eventType string
}

// Bus is the daemon's single message bus instance.
type Bus struct {
	mu            sync.Mutex
	subscriptions map[subscriberKey]struct{}   // (agent_id, event_type) membership
	byEventType   map[string]map[string]struct{} // event_type -> set of agent_id
	connections   map[string]Writer            // agent_id -> writer
	offlineQueue  map[string][]envelope.Event
	history       []envelope.Event
	historyCap    int
	router        Router
	eventLog      *EventLog

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalDropped   atomic.Int64
	totalQueued    atomic.Int64
}

// New creates an empty bus. router may be nil if TASK_ASSIGNMENT routing
// isn't needed (e.g. in isolated tests).
func New(router Router) *Bus {
	return &Bus{
		subscriptions: make(map[subscriberKey]struct{}),
		byEventType:   make(map[string]map[string]struct{}),
		connections:   make(map[string]Writer),
		offlineQueue:  make(map[string][]envelope.Event),
		historyCap:    defaultHistorySize,
		router:        router,
	}
}

// Connect registers writer as agentID's delivery channel and drains any
// events queued while it was offline, in FIFO order.
func (b *Bus) Connect(agentID string, writer Writer) {
	b.mu.Lock()
	b.connections[agentID] = writer
	queued := b.offlineQueue[agentID]
	delete(b.offlineQueue, agentID)
	b.mu.Unlock()

	for _, evt := range queued {
		if err := writer.WriteEvent(evt); err != nil {
			b.requeue(agentID, evt)
		} else {
			b.totalDelivered.Add(1)
		}
	}
}

// Disconnect drops agentID's writer and removes it from every
// subscription.
func (b *Bus) Disconnect(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, agentID)
	for eventType, agents := range b.byEventType {
		delete(agents, agentID)
		if len(agents) == 0 {
			delete(b.byEventType, eventType)
		}
	}
	for key := range b.subscriptions {
		if key.agentID == agentID {
			delete(b.subscriptions, key)
		}
	}
}

// Subscribe binds agentID to each of eventTypes. Requires the agent to
// already be connected.
func (b *Bus) Subscribe(agentID string, eventTypes []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, connected := b.connections[agentID]; !connected {
		return fmt.Errorf("bus: agent %q is not connected", agentID)
	}
	for _, eventType := range eventTypes {
		b.subscriptions[subscriberKey{agentID, eventType}] = struct{}{}
		if b.byEventType[eventType] == nil {
			b.byEventType[eventType] = make(map[string]struct{})
		}
		b.byEventType[eventType][agentID] = struct{}{}
	}
	return nil
}

// PublishParams describes a single publish call.
type PublishParams struct {
	FromAgent            string
	EventType            string
	Payload              map[string]any
	To                   string // explicit recipient, for DIRECT_MESSAGE/TASK_ASSIGNMENT
	RequiredCapabilities []string // for TASK_ASSIGNMENT routing when To is empty
}

// Publish builds an event envelope and delivers it per the event type's
// fan-out rule, recording it in the bounded history ring regardless of
// delivery outcome.
func (b *Bus) Publish(p PublishParams) (envelope.Event, error) {
	evt := envelope.Event{
		ID:        uuid.NewString(),
		Type:      p.EventType,
		From:      p.FromAgent,
		Timestamp: envelope.Now(),
		Payload:   p.Payload,
	}
	b.totalPublished.Add(1)
	b.recordHistory(evt)

	switch p.EventType {
	case EventDirectMessage:
		b.deliverToSubscribers(p.EventType, evt, p.FromAgent)
		if p.To != "" {
			b.deliverOrQueue(p.To, evt)
		}
	case EventBroadcast:
		b.deliverToSubscribers(p.EventType, evt, p.FromAgent)
	case EventTaskAssignment:
		to := p.To
		if to == "" && b.router != nil {
			result, err := b.router.RouteTask(p.RequiredCapabilities, "")
			if err != nil {
				return evt, fmt.Errorf("bus: route task assignment: %w", err)
			}
			if result.Status == agentmgr.Routed {
				to = result.AssignedAgent.AgentID
			}
		}
		if to != "" {
			b.deliverOrQueue(to, evt)
		}
	default:
		b.deliverToSubscribers(p.EventType, evt, "")
	}
	return evt, nil
}

func (b *Bus) deliverToSubscribers(eventType string, evt envelope.Event, exceptAgentID string) {
	b.mu.Lock()
	agents := make([]string, 0, len(b.byEventType[eventType]))
	for agentID := range b.byEventType[eventType] {
		if agentID != exceptAgentID {
			agents = append(agents, agentID)
		}
	}
	b.mu.Unlock()

	for _, agentID := range agents {
		b.deliverOrQueue(agentID, evt)
	}
}

func (b *Bus) deliverOrQueue(agentID string, evt envelope.Event) {
	b.mu.Lock()
	writer, connected := b.connections[agentID]
	b.mu.Unlock()

	if !connected {
		b.requeue(agentID, evt)
		return
	}
	if err := writer.WriteEvent(evt); err != nil {
		b.totalDropped.Add(1)
		b.requeue(agentID, evt)
		return
	}
	b.totalDelivered.Add(1)
}

// SendTo delivers one event directly to agentID, bypassing subscription
// fan-out: the path for feedback events addressed to a specific agent
// (extraction diagnostics, PROCESS_COMPLETE notifications). Queued offline
// like any other delivery when the agent isn't connected.
func (b *Bus) SendTo(agentID, eventType, from string, payload map[string]any) envelope.Event {
	evt := envelope.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		From:      from,
		Timestamp: envelope.Now(),
		Payload:   payload,
	}
	b.totalPublished.Add(1)
	b.recordHistory(evt)
	b.deliverOrQueue(agentID, evt)
	return evt
}

func (b *Bus) requeue(agentID string, evt envelope.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offlineQueue[agentID] = append(b.offlineQueue[agentID], evt)
	b.totalQueued.Add(1)
}

func (b *Bus) recordHistory(evt envelope.Event) {
	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	log := b.eventLog
	b.mu.Unlock()
	_ = log.append(evt)
}

// History returns the most recent events, oldest first, up to the bus's
// bounded capacity.
func (b *Bus) History() []envelope.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]envelope.Event, len(b.history))
	copy(out, b.history)
	return out
}

// Stats summarises bus activity for MESSAGE_BUS_STATS.
type Stats struct {
	TotalPublished int64          `json:"total_published"`
	TotalDelivered int64          `json:"total_delivered"`
	TotalDropped   int64          `json:"total_dropped"`
	TotalQueued    int64          `json:"total_queued"`
	Connections    int            `json:"connections"`
	Subscriptions  map[string]int `json:"subscriptions_by_event_type"`
	OfflineQueued  int            `json:"offline_queued"`
	HistorySize    int            `json:"history_size"`
}

// GetStats returns a point-in-time snapshot of bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make(map[string]int, len(b.byEventType))
	for eventType, agents := range b.byEventType {
		subs[eventType] = len(agents)
	}
	queued := 0
	for _, q := range b.offlineQueue {
		queued += len(q)
	}
	return Stats{
		TotalPublished: b.totalPublished.Load(),
		TotalDelivered: b.totalDelivered.Load(),
		TotalDropped:   b.totalDropped.Load(),
		TotalQueued:    b.totalQueued.Load(),
		Connections:    len(b.connections),
		Subscriptions:  subs,
		OfflineQueued:  queued,
		HistorySize:    len(b.history),
	}
}

// MarshalEventPayload is a convenience for handlers building a Payload map
// from an arbitrary JSON-shaped value (e.g. a PUBLISH command's params).
func MarshalEventPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
