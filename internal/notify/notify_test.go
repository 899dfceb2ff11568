package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeAndBroadcastDeliversToMatchingTopic(t *testing.T) {
	f := New()
	now := time.Now()
	sub := f.Subscribe("c1", []string{"recording"}, now)

	f.Broadcast("recording", "daemon", map[string]any{"state": true}, now)

	select {
	case e := <-sub.Events():
		require.Equal(t, "recording", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected delivered event")
	}
}

func TestBroadcastSkipsSubscriberWithDifferentTopic(t *testing.T) {
	f := New()
	now := time.Now()
	sub := f.Subscribe("c1", []string{"other"}, now)

	f.Broadcast("recording", "daemon", nil, now)

	select {
	case <-sub.Events():
		t.Fatal("did not expect delivery for unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyTopicSetReceivesEverything(t *testing.T) {
	f := New()
	now := time.Now()
	sub := f.Subscribe("c1", nil, now)

	f.Broadcast("anything", "daemon", nil, now)

	select {
	case e := <-sub.Events():
		require.Equal(t, "anything", e.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected delivered event")
	}
}

func TestGetEventsFiltersSortsAndLimits(t *testing.T) {
	f := New()
	base := time.Now()
	f.Broadcast("a", "c", 1, base)
	f.Broadcast("b", "c", 2, base.Add(time.Second))
	f.Broadcast("a", "c", 3, base.Add(2*time.Second))

	events := f.GetEvents(base, []string{"a"}, 10)
	require.Len(t, events, 2)
	require.Equal(t, 3, events[0].Payload)
	require.Equal(t, 1, events[1].Payload)
}

func TestGetSubscriberInfoBreaksDownByTopic(t *testing.T) {
	f := New()
	now := time.Now()
	f.Subscribe("c1", []string{"a"}, now)
	f.Subscribe("c2", []string{"a", "b"}, now)
	f.Subscribe("c3", nil, now)

	info := f.GetSubscriberInfo()
	require.Equal(t, 3, info.Total)
	require.Equal(t, 2, info.PerTopic["a"])
	require.Equal(t, 1, info.PerTopic["b"])
	require.Equal(t, 1, info.AllTopics)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := New()
	sub := f.Subscribe("c1", nil, time.Now())
	f.Unsubscribe("c1")

	_, ok := <-sub.Events()
	require.False(t, ok)
}
