package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/types"
)

func newTestBroker(t *testing.T) (*Broker, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewBroker(store), store
}

func TestPublishPersists(t *testing.T) {
	broker, store := newTestBroker(t)

	broker.Record(types.EventLevelInfo, "CLUSTER", "c-1", "web", "CLUSTER_CREATE", "ACTIVE", "created")

	events, err := store.ListEvents(storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c-1", events[0].ObjID)
	assert.Equal(t, types.EventLevelInfo, events[0].Level)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSubscribe(t *testing.T) {
	broker, _ := newTestBroker(t)

	ch, cancel := broker.Subscribe(4)
	defer cancel()

	broker.Record(types.EventLevelWarning, "NODE", "n-1", "web-1", "NODE_CREATE", "ERROR", "driver failed")

	select {
	case e := <-ch:
		assert.Equal(t, "n-1", e.ObjID)
		assert.Equal(t, types.EventLevelWarning, e.Level)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker, store := newTestBroker(t)

	_, cancel := broker.Subscribe(1)
	defer cancel()

	// Fill the buffer and keep publishing; Publish must not stall.
	for i := 0; i < 5; i++ {
		broker.Record(types.EventLevelInfo, "CLUSTER", "c-1", "web", "CLUSTER_RESIZE", "ACTIVE", "")
	}

	events, err := store.ListEvents(storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestCancelClosesChannel(t *testing.T) {
	broker, _ := newTestBroker(t)

	ch, cancel := broker.Subscribe(1)
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel reaches no one but still persists.
	broker.Record(types.EventLevelInfo, "CLUSTER", "c-1", "web", "CLUSTER_DELETE", "DELETING", "")
}
