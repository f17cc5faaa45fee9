/*
Package events records engine state transitions as append-only rows
and fans them out to in-process subscribers. Publishing never blocks:
a subscriber that falls behind misses events rather than stalling the
action pipeline.
*/
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

// Broker persists events and notifies subscribers.
type Broker struct {
	store storage.Store

	mu   sync.RWMutex
	subs map[int]chan *types.Event
	next int
}

// NewBroker creates a broker writing through the given store.
func NewBroker(store storage.Store) *Broker {
	return &Broker{
		store: store,
		subs:  make(map[int]chan *types.Event),
	}
}

// Publish persists the event and delivers it to subscribers. Missing
// ID, timestamp and level fields are filled with defaults.
func (b *Broker) Publish(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = types.EventLevelInfo
	}

	if err := b.store.CreateEvent(event); err != nil {
		log.Logger.Warn().Err(err).
			Str("obj_id", event.ObjID).
			Str("action", event.Action).
			Msg("failed to persist event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel function.
func (b *Broker) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan *types.Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Record is a convenience wrapper building and publishing one event.
func (b *Broker) Record(level types.EventLevel, objType, objID, objName, action, status, reason string) {
	b.Publish(&types.Event{
		Level:        level,
		ObjType:      objType,
		ObjID:        objID,
		ObjName:      objName,
		Action:       action,
		Status:       status,
		StatusReason: reason,
	})
}
