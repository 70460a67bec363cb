package dyconit

import (
	"sync"
	"sync/atomic"
)

// MessageChannel is the two-phase output of a subscription. Send buffers one payload;
// Flush commits everything buffered since the previous Flush as one transport unit.
// Implementations must not reorder buffered sends.
type MessageChannel[M any] interface {
	Send(msg M) error
	Flush() error
}

// ChannelFuncs adapts plain functions into a MessageChannel. Nil functions are no-ops.
type ChannelFuncs[M any] struct {
	SendFunc  func(M) error
	FlushFunc func() error
}

// Send implements MessageChannel.
func (c ChannelFuncs[M]) Send(msg M) error {
	if c.SendFunc == nil {
		return nil
	}
	return c.SendFunc(msg)
}

// Flush implements MessageChannel.
func (c ChannelFuncs[M]) Flush() error {
	if c.FlushFunc == nil {
		return nil
	}
	return c.FlushFunc()
}

// filteredChannel is the per-subscriber adapter the System builds. It applies the
// active Filter on Send and defers the raw Flush until commit so that batches from
// several topics reach the subscriber as one transport unit per sweep.
type filteredChannel[K comparable, M any] struct {
	key    K
	filter func() Filter[K, M]

	mu      sync.Mutex
	target  MessageChannel[M]
	pending atomic.Bool
}

func newFilteredChannel[K comparable, M any](key K, target MessageChannel[M], filter func() Filter[K, M]) *filteredChannel[K, M] {
	return &filteredChannel[K, M]{key: key, target: target, filter: filter}
}

func (c *filteredChannel[K, M]) Send(msg M) error {
	if f := c.filter(); f != nil && !f.Filter(c.key, msg) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil
	}
	return c.target.Send(msg)
}

// Flush marks the subscriber dirty; the raw channel is flushed by commit.
func (c *filteredChannel[K, M]) Flush() error {
	c.pending.Store(true)
	return nil
}

func (c *filteredChannel[K, M]) rebind(target MessageChannel[M]) {
	c.mu.Lock()
	c.target = target
	c.mu.Unlock()
}

func (c *filteredChannel[K, M]) commit() error {
	if !c.pending.Swap(false) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil
	}
	return c.target.Flush()
}
