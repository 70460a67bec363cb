package dyconit

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// Dyconit is a named topic. It owns the subscriptions of its subscribers and fans
// every published message out to all of them.
type Dyconit[K comparable, M any] struct {
	name     string
	settings settings
	queues   QueueFactory[M]

	// unsubscribe is set on topics owned by a System so removals made on the topic
	// keep the System's subscriber index in step.
	unsubscribe func(key K) bool

	mu            sync.RWMutex
	subscriptions map[K]*Subscription[M]
	closed        bool
}

// NewDyconit constructs an empty topic.
func NewDyconit[K comparable, M any](name string, opts ...Option) *Dyconit[K, M] {
	s := newSettings(opts)
	return newDyconit[K, M](name, s)
}

func newDyconit[K comparable, M any](name string, s settings) *Dyconit[K, M] {
	return &Dyconit[K, M]{
		name:          name,
		settings:      s,
		queues:        queueFactoryFor[M](s),
		subscriptions: make(map[K]*Subscription[M]),
	}
}

// Name returns the topic name.
func (d *Dyconit[K, M]) Name() string { return d.name }

// AddSubscription creates the subscription of key, or updates the bounds and channel of
// the existing one in place. It reports whether a new subscription was created.
// A closed topic refuses new subscriptions.
func (d *Dyconit[K, M]) AddSubscription(key K, bounds Bounds, channel MessageChannel[M]) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	existing, ok := d.subscriptions[key]
	if !ok {
		sub := newSubscription[M](d.name, bounds, channel, d.queues(), d.settings.clock.Now(), d.settings.observer)
		d.subscriptions[key] = sub
		d.mu.Unlock()
		d.settings.observer.BoundsChanged(d.name, BoundsZero, bounds)
		return true
	}
	d.mu.Unlock()
	existing.Update(&bounds, channel)
	return false
}

// RemoveSubscription flushes and removes the subscription of key.
// It reports whether one existed. On a topic obtained from a System this is the
// same as System.Unsubscribe, so an emptied topic is dropped from the System.
func (d *Dyconit[K, M]) RemoveSubscription(key K) bool {
	if d.unsubscribe != nil {
		return d.unsubscribe(key)
	}
	return d.removeSubscription(key)
}

func (d *Dyconit[K, M]) removeSubscription(key K) bool {
	d.mu.Lock()
	sub, ok := d.subscriptions[key]
	if ok {
		delete(d.subscriptions, key)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	_ = sub.Close(d.settings.clock.Now())
	return true
}

// AddMessage fans msg out to every subscription present when the call starts.
func (d *Dyconit[K, M]) AddMessage(msg Message[M]) {
	subs := d.snapshot()
	if len(subs) == 0 {
		return
	}
	if !d.parallel(len(subs)) {
		for _, sub := range subs {
			sub.AddMessage(msg)
		}
		return
	}
	p := pool.New().WithMaxGoroutines(d.workers(len(subs)))
	for _, sub := range subs {
		s := sub
		p.Go(func() { s.AddMessage(msg) })
	}
	p.Wait()
}

// SynchronizeAll checks and flushes every subscription and combines the reports.
func (d *Dyconit[K, M]) SynchronizeAll(now time.Time) Error {
	report, _ := d.synchronize(now)
	return report
}

func (d *Dyconit[K, M]) synchronize(now time.Time) (Error, error) {
	subs := d.snapshot()
	total := ErrorZero
	var errs error
	if !d.parallel(len(subs)) {
		for _, sub := range subs {
			report, err := sub.checkAndFlush(now)
			total = total.Combine(report)
			errs = multierr.Append(errs, err)
		}
		return total, errs
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(d.workers(len(subs)))
	for _, sub := range subs {
		s := sub
		p.Go(func() {
			report, err := s.checkAndFlush(now)
			mu.Lock()
			total = total.Combine(report)
			errs = multierr.Append(errs, err)
			mu.Unlock()
		})
	}
	p.Wait()
	return total, errs
}

// Close closes every subscription and refuses further subscriptions.
func (d *Dyconit[K, M]) Close() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*Subscription[M], 0, len(d.subscriptions))
	for key, sub := range d.subscriptions {
		subs = append(subs, sub)
		delete(d.subscriptions, key)
	}
	d.mu.Unlock()

	now := d.settings.clock.Now()
	if !d.parallel(len(subs)) {
		for _, sub := range subs {
			_ = sub.Close(now)
		}
		return
	}
	p := pool.New().WithMaxGoroutines(d.workers(len(subs)))
	for _, sub := range subs {
		s := sub
		p.Go(func() { _ = s.Close(now) })
	}
	p.Wait()
}

// Closed reports whether the topic was closed.
func (d *Dyconit[K, M]) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// CountSubscribers returns the number of subscriptions.
func (d *Dyconit[K, M]) CountSubscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions)
}

// Subscribers returns the keys of every subscription in no particular order.
func (d *Dyconit[K, M]) Subscribers() []K {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]K, 0, len(d.subscriptions))
	for key := range d.subscriptions {
		keys = append(keys, key)
	}
	return keys
}

// Subscription returns the subscription of key.
func (d *Dyconit[K, M]) Subscription(key K) (*Subscription[M], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subscriptions[key]
	return sub, ok
}

func (d *Dyconit[K, M]) snapshot() []*Subscription[M] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]*Subscription[M], 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

func (d *Dyconit[K, M]) parallel(n int) bool {
	return n >= d.settings.parallelThreshold && d.settings.fanoutWorkers > 1
}

func (d *Dyconit[K, M]) workers(n int) int {
	if d.settings.fanoutWorkers < n {
		return d.settings.fanoutWorkers
	}
	return n
}
