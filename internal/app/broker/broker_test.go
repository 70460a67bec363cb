package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/config"
	"github.com/coachpo/dyconit/internal/policy"
	"github.com/coachpo/dyconit/internal/policy/script"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	pending []string
	batches [][]string
	failing bool
}

func (r *recorder) Send(u *schema.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, u.ID)
	return nil
}

func (r *recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("socket closed")
	}
	if len(r.pending) > 0 {
		r.batches = append(r.batches, r.pending)
		r.pending = nil
	}
	return nil
}

func (r *recorder) Batches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestBroker(t *testing.T, p policy.Policy, opts Options) (*Broker, *System, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	system := dyconit.New[string, *schema.Update](p, nil, dyconit.WithClock(mock))
	opts.Clock = mock
	opts.Logger = quietLogger()
	b, err := New(system, opts)
	require.NoError(t, err)
	return b, system, mock
}

func runBroker(t *testing.T, b *Broker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return cancel, done
}

func TestNewRequiresSystem(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestRunSynchronizesOnTick(t *testing.T) {
	b, system, mock := newTestBroker(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{TickInterval: 50 * time.Millisecond})
	rec := &recorder{}
	require.NoError(t, system.Subscribe("alice", rec, dyconit.Bounds{Staleness: 100, Numerical: dyconit.Unbounded}, "lobby"))
	system.PublishTo("lobby", &schema.Update{ID: "u-1", Kind: schema.KindMove})

	cancel, done := runBroker(t, b)
	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return len(rec.Batches()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]string{{"u-1"}}, rec.Batches())
	require.GreaterOrEqual(t, b.Stats().Sweeps, uint64(1))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, system.CountTopics())
}

func TestRunShutdownFlushesAndClears(t *testing.T) {
	b, system, _ := newTestBroker(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{TickInterval: time.Hour})
	rec := &recorder{}
	require.NoError(t, system.Subscribe("alice", rec, dyconit.BoundsInfinite, "lobby"))
	system.PublishTo("lobby", &schema.Update{ID: "u-1", Kind: schema.KindMove})
	system.PublishTo("lobby", &schema.Update{ID: "u-2", Kind: schema.KindMove})

	cancel, done := runBroker(t, b)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, [][]string{{"u-1", "u-2"}}, rec.Batches())
	require.Equal(t, 0, system.CountTopics())
	require.Equal(t, uint64(1), b.Stats().Sweeps)
}

func TestRunAppliesGlobalUpdates(t *testing.T) {
	grid := policy.NewGrid(policy.GridConfig{CellSize: 16})
	b, system, mock := newTestBroker(t, grid, Options{TickInterval: time.Hour, GlobalUpdateInterval: time.Second})
	require.NoError(t, system.Update(dyconit.Subscriber[string, *schema.Update]{
		Key:     "alice",
		Channel: &recorder{},
		State:   schema.Viewport{Radius: 1},
	}))
	require.Equal(t, 9, system.CountTopics())

	// Topics left behind by a subscriber the transport already forgot.
	grid.Forget("alice")

	cancel, done := runBroker(t, b)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return b.Stats().GlobalUpdates > 0 && system.CountTopics() == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, grid.Tracked())

	cancel()
	require.NoError(t, <-done)
}

func TestTickCountsDeliveryFailures(t *testing.T) {
	b, system, _ := newTestBroker(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{})
	rec := &recorder{failing: true}
	require.NoError(t, system.Subscribe("alice", rec, dyconit.BoundsZero, "lobby"))
	system.PublishTo("lobby", &schema.Update{ID: "u-1", Kind: schema.KindMove})

	b.Tick()
	stats := b.Stats()
	require.Equal(t, uint64(1), stats.Sweeps)
	require.Equal(t, uint64(1), stats.DeliveryFailures)
}

type closingPolicy struct {
	*policy.Static
	closed bool
}

func (p *closingPolicy) Close() { p.closed = true }

func TestReloadPolicySwapsAndCloses(t *testing.T) {
	original := &closingPolicy{Static: policy.NewStatic("old", dyconit.BoundsZero, 1)}
	replacement := policy.NewStatic("new", dyconit.BoundsZero, 1)
	resynced := 0
	b, system, _ := newTestBroker(t, original, Options{
		Factory: func() (policy.Policy, config.PolicyKind, error) {
			return replacement, config.PolicyStatic, nil
		},
		OnPolicyChange: func() { resynced++ },
	})
	require.NoError(t, system.Subscribe("alice", &recorder{}, dyconit.BoundsZero, "old"))

	kind, err := b.ReloadPolicy(context.Background())
	require.NoError(t, err)
	require.Equal(t, config.PolicyStatic, kind)
	require.True(t, original.closed)
	require.Same(t, replacement, system.Policy())
	require.Equal(t, 0, system.CountTopics())
	require.Equal(t, 1, resynced)
	require.Equal(t, uint64(1), b.Stats().PolicyReloads)
}

func TestReloadPolicyFailureKeepsCurrent(t *testing.T) {
	current := policy.NewStatic("lobby", dyconit.BoundsZero, 1)
	b, system, _ := newTestBroker(t, current, Options{
		Factory: func() (policy.Policy, config.PolicyKind, error) {
			return nil, "", errs.New("broker/policy", errs.CodeInvalid, errs.WithMessage("bad"))
		},
	})
	require.NoError(t, system.Subscribe("alice", &recorder{}, dyconit.BoundsZero, "lobby"))

	_, err := b.ReloadPolicy(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	require.Same(t, current, system.Policy())
	require.Equal(t, 1, system.CountTopics())

	noFactory, _, _ := newTestBroker(t, current, Options{})
	_, err = noFactory.ReloadPolicy(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}

func TestNewPolicyKinds(t *testing.T) {
	cfg := config.Default().Policy

	p, err := NewPolicy(cfg, quietLogger())
	require.NoError(t, err)
	grid, ok := p.(*policy.Grid)
	require.True(t, ok)
	require.Equal(t, "cell:0:0", grid.CellTopic(schema.Position{X: 15, Z: 0}))

	cfg.Kind = config.PolicyStatic
	cfg.Topic = "lobby"
	cfg.Weights = map[string]int{"chat": 3}
	p, err = NewPolicy(cfg, quietLogger())
	require.NoError(t, err)
	require.Equal(t, "lobby", p.ComputeAffectedTopic(nil))
	require.Equal(t, 3, p.Weigh(&schema.Update{Kind: schema.KindChat}))
	require.Equal(t, 1, p.Weigh(&schema.Update{Kind: schema.KindMove}))

	cfg.Kind = "voronoi"
	_, err = NewPolicy(cfg, quietLogger())
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestNewPolicyScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lobby.js")
	require.NoError(t, os.WriteFile(path, []byte(`
module.exports = {
  computeAffectedTopic: function () { return "scripted"; }
};
`), 0o600))

	cfg := config.Default().Policy
	cfg.Kind = config.PolicyScript
	cfg.Script = path
	p, err := NewPolicy(cfg, quietLogger())
	require.NoError(t, err)
	scripted, ok := p.(*script.Policy)
	require.True(t, ok)
	defer scripted.Close()
	require.Equal(t, "scripted", p.ComputeAffectedTopic(nil))
	require.Equal(t, "script:lobby", scripted.Name())

	cfg.Script = filepath.Join(t.TempDir(), "missing.js")
	_, err = NewPolicy(cfg, quietLogger())
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestConfigFactoryReloadsFromSource(t *testing.T) {
	calls := 0
	factory := ConfigFactory(func() (config.PolicyConfig, error) {
		calls++
		if calls > 1 {
			return config.PolicyConfig{}, errors.New("parse failure")
		}
		cfg := config.Default().Policy
		cfg.Kind = config.PolicyStatic
		return cfg, nil
	}, quietLogger())

	p, kind, err := factory()
	require.NoError(t, err)
	require.Equal(t, config.PolicyStatic, kind)
	require.IsType(t, &policy.Static{}, p)

	_, _, err = factory()
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestNewFilter(t *testing.T) {
	cfg := config.Default().Policy
	require.NotNil(t, NewFilter(cfg))
	cfg.ExcludeOrigin = false
	require.Nil(t, NewFilter(cfg))
}

func TestNewPolicyExampleScript(t *testing.T) {
	cfg := config.Default().Policy
	cfg.Kind = config.PolicyScript
	cfg.Script = filepath.Join("..", "..", "..", "config", "policies", "cells.js")
	p, err := NewPolicy(cfg, quietLogger())
	require.NoError(t, err)
	scripted := p.(*script.Policy)
	defer scripted.Close()

	system := dyconit.New[string, *schema.Update](p, nil)
	rec := &recorder{}
	require.NoError(t, system.Update(dyconit.Subscriber[string, *schema.Update]{
		Key: "alice", Channel: rec, State: schema.Viewport{X: 20, Z: 20, Radius: 1},
	}))
	require.Equal(t, 9, system.CountTopics())
	require.Equal(t, "cell:1:1", p.ComputeAffectedTopic(&schema.Update{X: 20, Z: 20}))
	require.Equal(t, 4, p.Weigh(&schema.Update{Kind: schema.KindBlock}))

	require.NoError(t, system.Update(dyconit.Subscriber[string, *schema.Update]{
		Key: "alice", Channel: rec, State: schema.Viewport{X: 20, Z: 20, Radius: 0},
	}))
	require.Len(t, system.TopicsFor("alice"), 1)
}
