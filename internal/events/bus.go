// Package events fans gateway activity out to live subscribers (SSE and
// WebSocket clients) as CloudEvents 1.0 envelopes.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the gateway.
const (
	TypeAgentRegistered  = "a2a.agent.registered"
	TypeMessageRouted    = "a2a.message.routed"
	TypeMessageQueued    = "a2a.message.queued"
	TypeMessageDelivered = "a2a.message.delivered"
	TypeMessageRejected  = "a2a.message.rejected"
	TypeMessageFailed    = "a2a.message.failed"
	TypeQuotaDowngrade   = "a2a.priority.downgraded"
)

// Emitter publishes events. Both *Bus and Discard satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

type discard struct{}

func (discard) Emit(string, string, string, map[string]interface{}) {}

// Discard drops every event.
var Discard Emitter = discard{}

// CloudEvent is the CloudEvents 1.0 envelope. Subject carries the
// conversation id when there is one.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as one Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

type subscription struct {
	ch    chan *CloudEvent
	types map[string]bool // empty means all
}

func (s *subscription) wants(t string) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is an in-process pub/sub bus. Slow subscribers lose events rather
// than stall publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan *CloudEvent]*subscription
	bufferSize int
	dropped    uint64
	logger     *log.Logger
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:       make(map[chan *CloudEvent]*subscription),
		bufferSize: bufferSize,
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	sub := &subscription{
		ch:    make(chan *CloudEvent, b.bufferSize),
		types: make(map[string]bool, len(eventTypes)),
	}
	for _, t := range eventTypes {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

func (b *Bus) Publish(event *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				b.logger.Printf("⚠️ Subscriber buffer full, dropped %d events so far", b.dropped)
			}
		}
	}
}

func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
