package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{"document": "post"}, 4)
	defer sub.Close()

	b.Publish(Event{"event": "create", "document": "post", "guid": "g1"})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "g1", e["guid"])
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestSubscribeIgnoresNonMatchingEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{"document": "post"}, 4)
	defer sub.Close()

	b.Publish(Event{"event": "create", "document": "comment"})

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifySatisfiesDirectoryNotifierInterface(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{}, 1)
	defer sub.Close()

	b.Notify(map[string]interface{}{"event": "commit"})
	select {
	case e := <-sub.Events():
		assert.Equal(t, "commit", e["event"])
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestNotifyTranslatesSoftDeleteIntoDeleteEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{}, 1)
	defer sub.Close()

	b.Notify(map[string]interface{}{
		"event": "update",
		"guid":  "g1",
		"props": map[string]interface{}{"layer": []interface{}{"deleted"}},
	})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "delete", e["event"])
		assert.Equal(t, "g1", e["guid"])
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestNotifyLeavesOrdinaryUpdateAlone(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{}, 1)
	defer sub.Close()

	b.Notify(map[string]interface{}{
		"event": "update",
		"guid":  "g1",
		"props": map[string]interface{}{"layer": []interface{}{"public"}},
	})

	select {
	case e := <-sub.Events():
		assert.Equal(t, "update", e["event"])
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestCloseUnregistersSubscription(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{}, 1)
	require.Equal(t, 1, b.SubscriberCount())
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestFullSubscriberChannelDropsEventWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(Condition{}, 1)
	defer sub.Close()

	b.Publish(Event{"event": "1"})
	b.Publish(Event{"event": "2"})

	e := <-sub.Events()
	assert.Equal(t, "1", e["event"])
}
