package events

import (
	"sync"
	"time"

	"github.com/cuemby/scanorc/pkg/types"
)

// EventType identifies the kind of domain event published on the broker.
type EventType string

const (
	EventJobQueued     EventType = "job.queued"
	EventJobRunning    EventType = "job.running"
	EventJobSucceeded  EventType = "job.succeeded"
	EventJobFailed     EventType = "job.failed"
	EventJobRetrying   EventType = "job.retrying"
	EventJobCancelled  EventType = "job.cancelled"
	EventFindingFound  EventType = "finding.found"
	EventPipelineStart EventType = "pipeline.started"
	EventPipelineDone  EventType = "pipeline.completed"
	EventTemplateValid EventType = "template.validated"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution for job-state changes
// and pipeline milestones.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogSubscriber is a channel that receives raw scanner output chunks.
type LogSubscriber chan types.LogChunk

// LogBroker fans a single container's stdio out to every attached reader —
// a live client plus the scan output parser can both watch the same run.
type LogBroker struct {
	mu          sync.RWMutex
	subscribers map[LogSubscriber]bool
	chunkCh     chan types.LogChunk
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewLogBroker creates a new log chunk broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		subscribers: make(map[LogSubscriber]bool),
		chunkCh:     make(chan types.LogChunk, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *LogBroker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *LogBroker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel.
func (b *LogBroker) Subscribe() LogSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(LogSubscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *LogBroker) Unsubscribe(sub LogSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes a log chunk to all subscribers.
func (b *LogBroker) Publish(chunk types.LogChunk) {
	select {
	case b.chunkCh <- chunk:
	case <-b.stopCh:
	}
}

func (b *LogBroker) run() {
	for {
		select {
		case chunk := <-b.chunkCh:
			b.broadcast(chunk)
		case <-b.stopCh:
			return
		}
	}
}

func (b *LogBroker) broadcast(chunk types.LogChunk) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- chunk:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *LogBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
