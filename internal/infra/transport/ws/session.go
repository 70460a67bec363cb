package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// Session is one websocket client. It is the subscriber's raw MessageChannel:
// Send buffers updates and Flush turns everything buffered into one batch frame.
// Frames are handed to a writer goroutine through a bounded queue so a slow client
// never stalls a synchronize sweep.
type Session struct {
	id      string
	codec   Codec
	conn    *websocket.Conn
	limiter *rate.Limiter
	timeout time.Duration
	metrics *transportMetrics

	mu      sync.Mutex
	key     string
	bound   bool
	view    *schema.Viewport
	pending []*schema.Update

	out     chan []byte
	done    chan struct{}
	closeMu sync.Once
}

var _ dyconit.MessageChannel[*schema.Update] = (*Session)(nil)

func newSession(id string, conn *websocket.Conn, codec Codec, opts Options) *Session {
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), opts.PublishBurst)
	}
	return &Session{
		id:      id,
		codec:   codec,
		conn:    conn,
		limiter: limiter,
		timeout: opts.WriteTimeout,
		key:     id,
		out:     make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Key returns the subscriber key, which defaults to the session id until hello.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Codec returns the negotiated codec.
func (s *Session) Codec() Codec { return s.codec }

// Send implements dyconit.MessageChannel.
func (s *Session) Send(update *schema.Update) error {
	if update == nil {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, update)
	s.mu.Unlock()
	return nil
}

// Flush implements dyconit.MessageChannel.
func (s *Session) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.enqueue(schema.ServerFrame{Type: schema.FrameBatch, Updates: batch})
}

// allowPublish applies the per-session publish limiter.
func (s *Session) allowPublish() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// bind sets the subscriber key once, before the session has joined any topic.
func (s *Session) bind(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return errs.New("ws/session", errs.CodeConflict,
			errs.WithMessage("session key already bound"), errs.WithField("key", s.key))
	}
	s.key = key
	s.bound = true
	return nil
}

// seal prevents a later hello from renaming a key that already owns subscriptions.
func (s *Session) seal() {
	s.mu.Lock()
	s.bound = true
	s.mu.Unlock()
}

func (s *Session) setView(view schema.Viewport) {
	s.mu.Lock()
	s.view = &view
	s.bound = true
	s.mu.Unlock()
}

// View returns the last reported viewport.
func (s *Session) View() (schema.Viewport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return schema.Viewport{}, false
	}
	return *s.view, true
}

func (s *Session) enqueue(frame schema.ServerFrame) error {
	payload, err := s.codec.Marshal(frame)
	if err != nil {
		return errs.New("ws/session", errs.CodeInternal,
			errs.WithMessage("encode frame"), errs.WithField("session", s.id), errs.WithCause(err))
	}
	select {
	case <-s.done:
		return errs.New("ws/session", errs.CodeUnavailable,
			errs.WithMessage("session closed"), errs.WithField("session", s.id))
	default:
	}
	select {
	case s.out <- payload:
		return nil
	case <-s.done:
		return errs.New("ws/session", errs.CodeUnavailable,
			errs.WithMessage("session closed"), errs.WithField("session", s.id))
	default:
		if s.metrics != nil {
			s.metrics.frameDropped(s.codec.Name())
		}
		return errs.New("ws/session", errs.CodeUnavailable,
			errs.WithMessage("send buffer full"), errs.WithField("session", s.id))
	}
}

// writeLoop drains the outbound queue until the session closes.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case payload := <-s.out:
			writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := s.conn.Write(writeCtx, s.codec.MessageType(), payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeMu.Do(func() { close(s.done) })
}
