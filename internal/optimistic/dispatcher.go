package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TopicPosts    = "posts"
	TopicComments = "comments"

	defaultBufferSize = 16
)

// EventKind names the cache transition that produced an Event.
type EventKind string

const (
	EventLoaded     EventKind = "loaded"
	EventInserted   EventKind = "inserted"
	EventReplaced   EventKind = "replaced"
	EventRemoved    EventKind = "removed"
	EventReconciled EventKind = "reconciled"
	EventRolledBack EventKind = "rolled_back"
	EventCleared    EventKind = "cleared"
)

// Event describes one published cache value.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Kind      EventKind `json:"kind"`
	IDs       []int64   `json:"ids,omitempty"`
	ParentID  int64     `json:"parentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans cache events out to subscribers of a topic. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for topic. The subscription ends when ctx is done or the
// returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if d == nil || topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish stamps and delivers event to the subscribers of its topic.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || event.Topic == "" || event.Kind == "" {
		return
	}
	if event.ID == "" {
		if value, err := uuid.NewV7(); err == nil {
			event.ID = value.String()
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
