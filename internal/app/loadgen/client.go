// Package loadgen drives synthetic websocket clients against a broker: each one
// walks the plane, reports its viewport and publishes its moves.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/infra/transport/ws"
)

const (
	defaultMoveInterval      = 100 * time.Millisecond
	defaultMaxReconnectDelay = 5 * time.Second
	defaultWorldSize         = 256
	defaultSpeed             = 2
	readLimit                = 1 << 20
)

// Config describes one synthetic client.
type Config struct {
	URL               string
	Key               string
	Codec             ws.Codec
	Radius            int
	WorldSize         float64
	Speed             float64
	MoveInterval      time.Duration
	MaxReconnectDelay time.Duration
	Seed              uint64
	Logger            *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = ws.JSON
	}
	if c.WorldSize <= 0 {
		c.WorldSize = defaultWorldSize
	}
	if c.Speed <= 0 {
		c.Speed = defaultSpeed
	}
	if c.MoveInterval <= 0 {
		c.MoveInterval = defaultMoveInterval
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Stats counts client activity.
type Stats struct {
	Connects  uint64
	Published uint64
	Batches   uint64
	Received  uint64
	Rejected  uint64
}

// Client is one synthetic subscriber and publisher.
type Client struct {
	cfg  Config
	rng  *rand.Rand
	x, z float64

	connects  atomic.Uint64
	published atomic.Uint64
	batches   atomic.Uint64
	received  atomic.Uint64
	rejected  atomic.Uint64
}

// NewClient constructs a client starting at a random point of the world.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loadgen: url required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("loadgen: key required")
	}
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	return &Client{
		cfg: cfg,
		rng: rng,
		x:   rng.Float64() * cfg.WorldSize,
		z:   rng.Float64() * cfg.WorldSize,
	}, nil
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connects:  c.connects.Load(),
		Published: c.published.Load(),
		Batches:   c.batches.Load(),
		Received:  c.received.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// Run keeps the client connected until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
			Subprotocols: []string{c.cfg.Codec.Subprotocol()},
		})
		if err == nil {
			c.connects.Add(1)
			backoffCfg.Reset()
			err = c.session(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.cfg.Logger.Printf("loadgen: client=%s: %v", c.cfg.Key, err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnectDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if err := c.send(ctx, conn, schema.ClientMessage{Op: schema.OpHello, Key: c.cfg.Key}); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      conc.WaitGroup
		readErr error
	)
	wg.Go(func() {
		defer cancel()
		readErr = c.readLoop(connCtx, conn)
	})
	writeErr := c.moveLoop(connCtx, conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		return writeErr
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return nil
}

func (c *Client) moveLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.MoveInterval)
	defer ticker.Stop()
	if err := c.step(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.step(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// step moves the client, reports the new viewport and publishes the move.
func (c *Client) step(ctx context.Context, conn *websocket.Conn) error {
	c.walk()
	view := schema.Viewport{X: c.x, Z: c.z, Radius: c.cfg.Radius}
	if err := c.send(ctx, conn, schema.ClientMessage{Op: schema.OpView, View: &view}); err != nil {
		return err
	}
	update := &schema.Update{Kind: schema.KindMove, X: c.x, Z: c.z}
	if err := c.send(ctx, conn, schema.ClientMessage{Op: schema.OpPublish, Update: update}); err != nil {
		return err
	}
	c.published.Add(1)
	return nil
}

func (c *Client) walk() {
	angle := c.rng.Float64() * 2 * math.Pi
	c.x = clamp(c.x+math.Cos(angle)*c.cfg.Speed, 0, c.cfg.WorldSize)
	c.z = clamp(c.z+math.Sin(angle)*c.cfg.Speed, 0, c.cfg.WorldSize)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame schema.ServerFrame
		if err := c.cfg.Codec.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		switch frame.Type {
		case schema.FrameBatch:
			c.batches.Add(1)
			c.received.Add(uint64(len(frame.Updates)))
		case schema.FrameError:
			c.rejected.Add(1)
		}
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, msg schema.ClientMessage) error {
	data, err := c.cfg.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Op, err)
	}
	return conn.Write(ctx, c.cfg.Codec.MessageType(), data)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
