package dyconit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// Subscription enforces the bounds of one (topic, subscriber) pair.
//
// AddMessage only takes the short state lock. CheckAndFlush, Update and Close are
// serialized on flushMu, so a drain, accumulator reset and timestamp update is atomic
// with respect to any other flush of the same subscription, while channel I/O happens
// outside the state lock.
type Subscription[M any] struct {
	topic    string
	observer Observer

	flushMu sync.Mutex

	mu        sync.Mutex
	bounds    Bounds
	channel   MessageChannel[M]
	queue     MessageQueue[M]
	numerical int
	lastFlush time.Time
	closed    bool
}

func newSubscription[M any](topic string, bounds Bounds, channel MessageChannel[M], queue MessageQueue[M], now time.Time, observer Observer) *Subscription[M] {
	if queue == nil {
		queue = NewListQueue[M]()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Subscription[M]{
		topic:     topic,
		observer:  observer,
		bounds:    bounds,
		channel:   channel,
		queue:     queue,
		lastFlush: now,
	}
}

// AddMessage queues the payload and adds its weight to the accumulator.
// It is a no-op once the subscription is closed.
func (s *Subscription[M]) AddMessage(msg Message[M]) {
	weight := msg.Weight
	if weight < 0 {
		weight = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue.Add(msg.Payload)
	s.numerical += weight
	s.mu.Unlock()
	s.observer.MessageQueued(s.topic, weight)
}

// CheckAndFlush evaluates the bounds at now and flushes the whole pending batch when
// they are exceeded. The report is returned whether or not a flush happened.
func (s *Subscription[M]) CheckAndFlush(now time.Time) Error {
	report, _ := s.checkAndFlush(now)
	return report
}

func (s *Subscription[M]) checkAndFlush(now time.Time) (Error, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrorZero, nil
	}
	report := s.observeLocked(now)
	if !report.Exceeded {
		s.mu.Unlock()
		return report, nil
	}
	batch, channel := s.drainLocked(now)
	s.mu.Unlock()

	err := s.deliver(channel, batch)
	s.observer.BatchFlushed(s.topic, FlushReport{
		Messages:  len(batch),
		Numerical: report.Numerical,
		Staleness: report.Staleness,
	})
	return report, err
}

// Update swaps bounds and/or channel in place. Queued payloads are kept.
func (s *Subscription[M]) Update(bounds *Bounds, channel MessageChannel[M]) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	previous := s.bounds
	if bounds != nil {
		s.bounds = *bounds
	}
	if channel != nil {
		s.channel = channel
	}
	next := s.bounds
	s.mu.Unlock()

	if previous != next {
		s.observer.BoundsChanged(s.topic, previous, next)
	}
}

// Close forces the bounds to zero, flushes everything still queued and makes the
// subscription inert. Calling Close more than once is safe.
func (s *Subscription[M]) Close(now time.Time) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	previous := s.bounds
	s.bounds = BoundsZero
	report := s.observeLocked(now)
	batch, channel := s.drainLocked(now)
	s.closed = true
	s.mu.Unlock()

	if previous != BoundsZero {
		s.observer.BoundsChanged(s.topic, previous, BoundsZero)
	}
	err := s.deliver(channel, batch)
	s.observer.BatchFlushed(s.topic, FlushReport{
		Messages:  len(batch),
		Numerical: report.Numerical,
		Staleness: report.Staleness,
		Forced:    true,
	})
	return err
}

// Bounds returns the current bounds.
func (s *Subscription[M]) Bounds() Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// Pending returns the number of queued payloads.
func (s *Subscription[M]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// NumericalError returns the accumulated weight since the last flush.
func (s *Subscription[M]) NumericalError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numerical
}

// LastFlush returns the timestamp of the last flush, or of creation.
func (s *Subscription[M]) LastFlush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// Closed reports whether Close has been called.
func (s *Subscription[M]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription[M]) observeLocked(now time.Time) Error {
	staleness := now.Sub(s.lastFlush)
	if staleness < 0 {
		staleness = 0
	}
	return Error{
		Staleness: staleness,
		Numerical: s.numerical,
		Exceeded:  s.bounds.Exceeded(staleness, s.numerical),
	}
}

// drainLocked empties the queue in FIFO order and resets the accumulator.
func (s *Subscription[M]) drainLocked(now time.Time) ([]M, MessageChannel[M]) {
	batch := make([]M, 0, s.queue.Len())
	for {
		item, ok := s.queue.RemoveFirst()
		if !ok {
			break
		}
		batch = append(batch, item)
	}
	s.numerical = 0
	if now.After(s.lastFlush) {
		s.lastFlush = now
	}
	return batch, s.channel
}

// deliver pushes the batch through the channel and commits it once. Faults are
// contained here: the batch counts as consumed and the error is reported.
func (s *Subscription[M]) deliver(channel MessageChannel[M], batch []M) (err error) {
	if channel == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = multierr.Append(err, errs.New("dyconit/flush", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("channel panic: %v", rec)),
				errs.WithField("topic", s.topic)))
		}
		if err != nil {
			s.observer.DeliveryFailed(s.topic, err)
		}
	}()
	for _, item := range batch {
		err = multierr.Append(err, s.send(channel, item))
	}
	if flushErr := channel.Flush(); flushErr != nil {
		err = multierr.Append(err, errs.New("dyconit/flush", errs.CodeDelivery,
			errs.WithCause(flushErr), errs.WithField("topic", s.topic)))
	}
	return err
}

// send hands one payload to the channel. A panic only loses that payload, so the
// ones already sent are still flushed.
func (s *Subscription[M]) send(channel MessageChannel[M], item M) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.New("dyconit/send", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("channel panic: %v", rec)),
				errs.WithField("topic", s.topic))
		}
	}()
	if sendErr := channel.Send(item); sendErr != nil {
		return errs.New("dyconit/send", errs.CodeDelivery,
			errs.WithCause(sendErr), errs.WithField("topic", s.topic))
	}
	return nil
}
