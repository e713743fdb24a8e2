// Package events fans ownership changes out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

// AllTopic receives every change.
const AllTopic = "*"

const (
	TypeClaimed  = "claimed"
	TypeCaptured = "captured"
	TypeLost     = "lost"
)

type Event struct {
	Type        string    `json:"type"`
	TileID      string    `json:"tileId"`
	FromOwnerID string    `json:"fromOwnerId,omitempty"`
	ToOwnerID   string    `json:"toOwnerId,omitempty"`
	ChangedAt   time.Time `json:"changedAt"`
}

func eventFor(c citylord.OwnerChange) Event {
	e := Event{TileID: c.TileID, FromOwnerID: c.FromOwnerID, ToOwnerID: c.ToOwnerID, ChangedAt: c.ChangedAt}
	switch {
	case c.ToOwnerID == "":
		e.Type = TypeLost
	case c.FromOwnerID == "":
		e.Type = TypeClaimed
	default:
		e.Type = TypeCaptured
	}
	return e
}

// Broker is an in-process pub/sub keyed by user ID. Slow subscribers miss
// events rather than blocking the writer.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives JSON-encoded events for topic.
func (b *Broker) Subscribe(topic string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan []byte]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subs[topic], ch)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
}

// Subscribers reports how many channels listen on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker) publish(topic string, data []byte) {
	b.mu.RLock()
	for ch := range b.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	b.mu.RUnlock()
}

// OwnerChanged publishes the change to both users involved and to AllTopic.
func (b *Broker) OwnerChanged(_ context.Context, c citylord.OwnerChange) {
	data, _ := json.Marshal(eventFor(c))
	for _, topic := range []string{c.FromOwnerID, c.ToOwnerID} {
		if topic != "" {
			b.publish(topic, data)
		}
	}
	b.publish(AllTopic, data)
}
