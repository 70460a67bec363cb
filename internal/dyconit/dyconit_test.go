package dyconit

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestDyconitAddSubscriptionCreatesThenUpdates(t *testing.T) {
	d := NewDyconit[string, string]("topic")

	ch := &recordingChannel{}
	require.True(t, d.AddSubscription("alice", BoundsInfinite, ch))
	require.Equal(t, 1, d.CountSubscribers())

	require.False(t, d.AddSubscription("alice", BoundsZero, ch))
	require.Equal(t, 1, d.CountSubscribers())
	sub, ok := d.Subscription("alice")
	require.True(t, ok)
	require.Equal(t, BoundsZero, sub.Bounds())
}

func TestDyconitRemoveSubscriptionFlushesPending(t *testing.T) {
	d := NewDyconit[string, string]("topic")
	ch := &recordingChannel{}
	d.AddSubscription("alice", BoundsInfinite, ch)

	d.AddMessage(NewMessage("queued", 1))
	require.True(t, d.RemoveSubscription("alice"))
	require.Equal(t, []string{"queued"}, ch.Delivered())
	require.False(t, d.RemoveSubscription("alice"))
	require.Zero(t, d.CountSubscribers())
}

func TestDyconitSynchronizeAllCombinesReports(t *testing.T) {
	mock := clock.NewMock()
	d := NewDyconit[string, string]("topic", WithClock(mock))
	first, second := &recordingChannel{}, &recordingChannel{}
	d.AddSubscription("a", Bounds{Staleness: Unbounded, Numerical: 10}, first)
	d.AddSubscription("b", Bounds{Staleness: Unbounded, Numerical: 1}, second)

	d.AddMessage(NewMessage("m", 2))
	mock.Add(time.Second)
	report := d.SynchronizeAll(mock.Now())

	require.True(t, report.Exceeded)
	require.Equal(t, 4, report.Numerical)
	require.Equal(t, 2*time.Second, report.Staleness)
	require.Empty(t, first.Delivered())
	require.Equal(t, []string{"m"}, second.Delivered())
}

func TestDyconitParallelFanout(t *testing.T) {
	d := NewDyconit[string, string]("topic", WithParallelThreshold(1), WithFanoutWorkers(4))

	channels := make(map[string]*recordingChannel)
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("sub-%d", i)
		channels[key] = &recordingChannel{}
		d.AddSubscription(key, BoundsZero, channels[key])
	}
	d.AddMessage(NewMessage("one", 1))
	d.AddMessage(NewMessage("two", 1))
	report := d.SynchronizeAll(time.Now())

	require.True(t, report.Exceeded)
	require.Equal(t, 64, report.Numerical)
	for key, ch := range channels {
		require.Equal(t, []string{"one", "two"}, ch.Delivered(), key)
	}
}

func TestDyconitCloseRefusesSubscriptions(t *testing.T) {
	d := NewDyconit[string, string]("topic")
	ch := &recordingChannel{}
	d.AddSubscription("alice", BoundsInfinite, ch)
	d.AddMessage(NewMessage("last", 1))

	d.Close()
	require.True(t, d.Closed())
	require.Zero(t, d.CountSubscribers())
	require.Equal(t, []string{"last"}, ch.Delivered())

	require.False(t, d.AddSubscription("bob", BoundsZero, &recordingChannel{}))
	require.Zero(t, d.CountSubscribers())
}

func TestDyconitCustomQueueFactory(t *testing.T) {
	var built int
	factory := QueueFactory[string](func() MessageQueue[string] {
		built++
		return NewListQueue[string]()
	})
	d := NewDyconit[string, string]("topic", WithQueueFactory(factory))
	d.AddSubscription("a", BoundsZero, &recordingChannel{})
	d.AddSubscription("b", BoundsZero, &recordingChannel{})
	require.Equal(t, 2, built)

	other := NewDyconit[string, int]("numbers", WithQueueFactory(factory))
	other.AddSubscription("a", BoundsZero, ChannelFuncs[int]{})
	require.Equal(t, 2, built)
}
