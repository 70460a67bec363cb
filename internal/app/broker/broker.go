// Package broker drives a dyconit system: it synchronizes on a fixed tick, runs the
// policy's global update on its own cadence and swaps policies on reload.
package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/config"
	"github.com/coachpo/dyconit/internal/policy"
)

const (
	defaultTickInterval = 50 * time.Millisecond
	failureLogInterval  = 10 * time.Second
)

// System is the dyconit system instantiation the broker drives.
type System = dyconit.System[string, *schema.Update]

// Options configures a Broker.
type Options struct {
	TickInterval         time.Duration
	GlobalUpdateInterval time.Duration
	Factory              PolicyFactory
	// OnPolicyChange runs after a reload cleared the system, so the transport can
	// replay subscriber state against the new policy.
	OnPolicyChange func()
	Clock          clock.Clock
	Logger         *log.Logger
}

// Stats counts broker activity since start.
type Stats struct {
	Sweeps           uint64
	GlobalUpdates    uint64
	DeliveryFailures uint64
	PolicyReloads    uint64
}

// Broker owns the synchronize cadence of a System.
type Broker struct {
	system *System
	opts   Options
	clock  clock.Clock
	logger *log.Logger

	reloadMu sync.Mutex

	sweeps        atomic.Uint64
	globalUpdates atomic.Uint64
	failures      atomic.Uint64
	reloads       atomic.Uint64

	logMu       sync.Mutex
	lastFailLog time.Time
}

// New constructs a broker around system.
func New(system *System, opts Options) (*Broker, error) {
	if system == nil {
		return nil, fmt.Errorf("broker: system required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Broker{
		system: system,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// System returns the driven system.
func (b *Broker) System() *System { return b.system }

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Sweeps:           b.sweeps.Load(),
		GlobalUpdates:    b.globalUpdates.Load(),
		DeliveryFailures: b.failures.Load(),
		PolicyReloads:    b.reloads.Load(),
	}
}

// Run synchronizes every tick and runs global updates until ctx is cancelled. On
// shutdown it performs a final synchronize, clears the system and closes the
// policy.
func (b *Broker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.logger.Printf("broker: started tick=%s global_update=%s", b.opts.TickInterval, b.opts.GlobalUpdateInterval)

	var wg conc.WaitGroup
	wg.Go(func() { b.loop(ctx, b.opts.TickInterval, b.Tick) })
	if b.opts.GlobalUpdateInterval > 0 {
		wg.Go(func() { b.loop(ctx, b.opts.GlobalUpdateInterval, b.GlobalUpdate) })
	}
	wg.Wait()

	b.shutdown()
	return nil
}

func (b *Broker) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Tick runs one synchronize sweep.
func (b *Broker) Tick() {
	_, err := b.system.Sweep()
	b.sweeps.Add(1)
	if err == nil {
		return
	}
	failures := multierr.Errors(err)
	b.failures.Add(uint64(len(failures)))
	b.logFailures("sweep", failures)
}

// GlobalUpdate applies the policy's subscriber-independent commands.
func (b *Broker) GlobalUpdate() {
	b.globalUpdates.Add(1)
	if err := b.system.GlobalUpdate(); err != nil {
		b.logFailures("global update", multierr.Errors(err))
	}
}

// ReloadPolicy builds a fresh policy and installs it with a ChangePolicy command,
// which clears every topic. The previous policy is closed when it holds resources.
func (b *Broker) ReloadPolicy(ctx context.Context) (config.PolicyKind, error) {
	if b.opts.Factory == nil {
		return "", errs.New("broker/reload", errs.CodeUnavailable, errs.WithMessage("no policy factory"))
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	next, kind, err := b.opts.Factory()
	if err != nil {
		b.logger.Printf("broker: policy reload failed: %v", err)
		return "", err
	}
	previous := b.system.Policy()
	if err := b.system.Apply(dyconit.ChangePolicy[string, *schema.Update]{Policy: next}); err != nil {
		closePolicy(next)
		return "", err
	}
	if previous != next {
		closePolicy(previous)
	}
	b.reloads.Add(1)
	b.logger.Printf("broker: policy reloaded kind=%s", kind)

	if b.opts.OnPolicyChange != nil {
		b.opts.OnPolicyChange()
	}
	return kind, nil
}

func (b *Broker) shutdown() {
	_, err := b.system.Sweep()
	b.sweeps.Add(1)
	if err != nil {
		b.failures.Add(uint64(len(multierr.Errors(err))))
	}
	topics := b.system.CountTopics()
	b.system.Clear()
	closePolicy(b.system.Policy())
	b.logger.Printf("broker: stopped topics_cleared=%d sweeps=%d", topics, b.sweeps.Load())
}

// logFailures logs at most once per failureLogInterval.
func (b *Broker) logFailures(stage string, failures []error) {
	if len(failures) == 0 {
		return
	}
	now := b.clock.Now()
	b.logMu.Lock()
	if !b.lastFailLog.IsZero() && now.Sub(b.lastFailLog) < failureLogInterval {
		b.logMu.Unlock()
		return
	}
	b.lastFailLog = now
	b.logMu.Unlock()
	b.logger.Printf("broker: %s failures=%d first=%v", stage, len(failures), failures[0])
}

type closer interface {
	Close()
}

func closePolicy(p policy.Policy) {
	if c, ok := p.(closer); ok {
		c.Close()
	}
}
