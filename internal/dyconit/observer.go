package dyconit

import "time"

// FlushReport describes one completed flush of a subscription.
type FlushReport struct {
	Messages  int
	Numerical int
	Staleness time.Duration
	Forced    bool
}

// Observer receives broker counters. Implementations must be safe for concurrent use
// and must not call back into the System.
type Observer interface {
	TopicCreated(topic string)
	TopicRemoved(topic string)
	MessageQueued(topic string, weight int)
	BatchFlushed(topic string, report FlushReport)
	BoundsChanged(topic string, previous, next Bounds)
	DeliveryFailed(topic string, err error)
	SweepCompleted(report Error, elapsed time.Duration)
}

// NopObserver discards every signal.
type NopObserver struct{}

func (NopObserver) TopicCreated(string) {}
func (NopObserver) TopicRemoved(string) {}
func (NopObserver) MessageQueued(string, int) {}
func (NopObserver) BatchFlushed(string, FlushReport) {}
func (NopObserver) BoundsChanged(string, Bounds, Bounds) {}
func (NopObserver) DeliveryFailed(string, error) {}
func (NopObserver) SweepCompleted(Error, time.Duration) {}
