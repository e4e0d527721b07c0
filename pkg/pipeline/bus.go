package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// EventType classifies bus events.
type EventType int

const (
	// EventStateChanged is published when a component completes a state
	// change. Payload is the omx.Event.
	EventStateChanged EventType = iota
	// EventCommandComplete is published for completed port commands.
	EventCommandComplete
	EventError
	EventPortSettingsChanged
	// EventEndOfStream is published when a component flags end of stream.
	EventEndOfStream
	EventResourcesAcquired
	// EventPipelineState is published when the whole pipeline reached a
	// state. Payload is the omx.State.
	EventPipelineState
)

var eventTypeNames = map[EventType]string{
	EventStateChanged:        "state_changed",
	EventCommandComplete:     "command_complete",
	EventError:               "error",
	EventPortSettingsChanged: "port_settings_changed",
	EventEndOfStream:         "end_of_stream",
	EventResourcesAcquired:   "resources_acquired",
	EventPipelineState:       "pipeline_state",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// MarshalText makes event types readable in JSON.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is one bus notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Component is the component name, empty for pipeline-wide events.
	Component string
	Payload   interface{}
}

// eventTypeOf maps a component event to its bus type.
func eventTypeOf(e omx.Event) EventType {
	switch e.Kind {
	case omx.EventCmdComplete:
		if e.Command == omx.CommandStateSet {
			return EventStateChanged
		}
		return EventCommandComplete
	case omx.EventError:
		return EventError
	case omx.EventPortSettingsChanged:
		return EventPortSettingsChanged
	case omx.EventBufferFlag:
		return EventEndOfStream
	}
	return EventResourcesAcquired
}

// Bus fans pipeline events out to subscribers.
type Bus interface {
	Subscribe(t EventType, ch chan Event)
	Unsubscribe(t EventType, ch chan Event)
	SubscribeAll(ch chan Event)
	UnsubscribeAll(ch chan Event)
	Publish(evt Event) bool
	Start(ctx context.Context) error
	Stop()
}

// EventBus delivers without blocking: a subscriber whose channel is full
// misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]chan Event
	all     []chan Event
	stopped bool
	session context.Context
	cancel  context.CancelFunc
}

var _ Bus = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]chan Event)}
}

func (b *EventBus) Subscribe(t EventType, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], ch)
}

func (b *EventBus) Unsubscribe(t EventType, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = without(b.subs[t], ch)
}

// SubscribeAll subscribes ch to every event type.
func (b *EventBus) SubscribeAll(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, ch)
}

func (b *EventBus) UnsubscribeAll(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = without(b.all, ch)
}

func without(chs []chan Event, ch chan Event) []chan Event {
	out := chs[:0]
	for _, c := range chs {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}

// Publish delivers evt to every subscriber and reports whether all of them
// took it. A stopped bus delivers nothing.
func (b *EventBus) Publish(evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	delivered := true
	for _, chs := range [][]chan Event{b.subs[evt.Type], b.all} {
		for _, ch := range chs {
			select {
			case ch <- evt:
			default:
				delivered = false
			}
		}
	}
	return delivered
}

// Start (re)opens the bus. The bus stops by itself when ctx is done.
// Starting a running bus is a no-op.
func (b *EventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return nil
	}
	session, cancel := context.WithCancel(ctx)
	b.session = session
	b.cancel = cancel
	b.stopped = false
	go func() {
		<-session.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == session {
			b.stopped = true
			b.session = nil
			b.cancel = nil
		}
	}()
	return nil
}

// Stop closes the bus for publishing. It is safe to call more than once.
func (b *EventBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.session = nil
	b.cancel = nil
	b.stopped = true
}
