package dyconit

import (
	"runtime"

	"github.com/benbjohnson/clock"
)

const (
	defaultParallelThreshold = 64
)

type settings struct {
	clock             clock.Clock
	observer          Observer
	queueFactory      any
	fanoutWorkers     int
	parallelThreshold int
}

// Option configures a System or a standalone Dyconit.
type Option func(*settings)

// WithClock sets the time source used for staleness.
func WithClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver installs the counters port.
func WithObserver(o Observer) Option {
	return func(s *settings) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithQueueFactory overrides the pending-queue implementation. The factory must
// produce queues of the System's message type, otherwise the default is used.
func WithQueueFactory[T any](f QueueFactory[T]) Option {
	return func(s *settings) {
		if f != nil {
			s.queueFactory = f
		}
	}
}

// WithFanoutWorkers bounds the goroutines used by parallel fan-out and sweeps.
func WithFanoutWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.fanoutWorkers = n
		}
	}
}

// WithParallelThreshold sets the subscriber count from which a topic fans out and
// synchronizes in parallel. Below it iteration is sequential.
func WithParallelThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.parallelThreshold = n
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		clock:             clock.New(),
		observer:          NopObserver{},
		fanoutWorkers:     runtime.GOMAXPROCS(0),
		parallelThreshold: defaultParallelThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func queueFactoryFor[M any](s settings) QueueFactory[M] {
	if f, ok := s.queueFactory.(QueueFactory[M]); ok && f != nil {
		return f
	}
	return DefaultQueueFactory[M]()
}
