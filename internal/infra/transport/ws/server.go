package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/telemetry"
)

const (
	defaultReadLimit    = 64 << 10
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 64

	codeRateLimited = "rate_limited"
)

// System is the dyconit system instantiation the transport serves.
type System = dyconit.System[string, *schema.Update]

// Forgetter is implemented by policies that keep per-subscriber state and want to
// release it when a subscriber disconnects.
type Forgetter interface {
	Forget(key string)
}

// Options configures the websocket server.
type Options struct {
	ReadLimitBytes int64
	WriteTimeout   time.Duration
	PublishRate    float64
	PublishBurst   int
	SendBuffer     int
	AllowedOrigins []string
	Environment    string
	Meter          metric.Meter
	Logger         *log.Logger
	Clock          clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ReadLimitBytes <= 0 {
		o.ReadLimitBytes = defaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.PublishRate > 0 && o.PublishBurst <= 0 {
		o.PublishBurst = 1
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Server accepts websocket sessions and maps client operations onto the system.
type Server struct {
	system  *System
	opts    Options
	logger  *log.Logger
	metrics *transportMetrics

	mu       sync.RWMutex
	sessions map[string]*Session
	keys     map[string]*Session
}

// NewServer constructs a websocket server around system.
func NewServer(system *System, opts Options) (*Server, error) {
	if system == nil {
		return nil, fmt.Errorf("ws: system required")
	}
	opts = opts.withDefaults()
	metrics, err := newTransportMetrics(opts.Meter, opts.Environment)
	if err != nil {
		return nil, err
	}
	return &Server{
		system:   system,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		keys:     make(map[string]*Session),
	}, nil
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ServeHTTP upgrades the request and runs the session until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   Subprotocols(),
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		s.logger.Printf("ws: accept failed remote=%s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(s.opts.ReadLimitBytes)

	codec := CodecFor(conn.Subprotocol())
	session := newSession(uuid.NewString(), conn, codec, s.opts)
	session.metrics = s.metrics
	s.register(session)
	s.metrics.sessionOpened(codec.Name())

	ctx, cancel := context.WithCancel(r.Context())
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		if err := session.writeLoop(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("ws: write failed session=%s: %v", session.ID(), err)
		}
	})

	if err := session.enqueue(schema.ServerFrame{Type: schema.FrameWelcome, Session: session.ID()}); err != nil {
		s.logger.Printf("ws: welcome failed session=%s: %v", session.ID(), err)
	}

	err = s.readLoop(ctx, session)
	status := websocket.CloseStatus(err)

	cancel()
	session.close()
	wg.Wait()
	s.disconnect(session)
	s.metrics.sessionClosed(codec.Name())

	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("ws: session ended session=%s: %v", session.ID(), err)
	}
	_ = conn.CloseNow()
}

// Resync replays every session's last viewport through the active policy. It
// returns how many sessions were replayed.
func (s *Server) Resync() int {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	replayed := 0
	for _, session := range sessions {
		view, ok := session.View()
		if !ok {
			continue
		}
		if err := s.view(session, view); err != nil {
			if !errs.HasCode(err, errs.CodeUnavailable) {
				s.logger.Printf("ws: resync failed session=%s: %v", session.ID(), err)
			}
			continue
		}
		replayed++
	}
	return replayed
}

// Close drops every connected session.
func (s *Server) Close() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()
	for _, session := range sessions {
		_ = session.conn.Close(websocket.StatusGoingAway, "shutdown")
	}
}

func (s *Server) readLoop(ctx context.Context, session *Session) error {
	for {
		_, data, err := session.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg schema.ClientMessage
		if err := session.codec.Unmarshal(data, &msg); err != nil {
			s.reply(session, rejectFrame("", errs.New("ws/decode", errs.CodeInvalid,
				errs.WithMessage("malformed message"), errs.WithCause(err))))
			s.metrics.operation(session.codec.Name(), "decode", telemetry.ResultRejected)
			continue
		}
		s.handle(session, msg)
	}
}

func (s *Server) handle(session *Session, msg schema.ClientMessage) {
	codec := session.codec.Name()
	op := string(msg.Op)
	if err := msg.Validate(); err != nil {
		s.reply(session, rejectFrame(msg.RequestID, err))
		s.metrics.operation(codec, op, telemetry.ResultRejected)
		return
	}

	var (
		topics []string
		err    error
	)
	switch msg.Op {
	case schema.OpHello:
		err = s.hello(session, msg.Key)
	case schema.OpView:
		err = s.view(session, *msg.View)
		topics = s.topicsOf(session.Key())
	case schema.OpSubscribe:
		err = s.subscribe(session, msg.Topic, *msg.Bounds)
		topics = s.topicsOf(session.Key())
	case schema.OpUnsubscribe:
		s.system.Unsubscribe(session.Key(), msg.Topic)
		topics = s.topicsOf(session.Key())
	case schema.OpPublish:
		if !session.allowPublish() {
			s.reply(session, schema.ServerFrame{
				Type:      schema.FrameError,
				RequestID: msg.RequestID,
				Code:      codeRateLimited,
				Error:     "publish rate exceeded",
			})
			s.metrics.operation(codec, op, telemetry.ResultLimited)
			return
		}
		err = s.publish(session, msg.Update)
	}
	if err != nil {
		s.reply(session, rejectFrame(msg.RequestID, err))
		result := telemetry.ResultRejected
		if !errs.HasCode(err, errs.CodeInvalid) && !errs.HasCode(err, errs.CodeConflict) {
			result = telemetry.ResultError
		}
		s.metrics.operation(codec, op, result)
		return
	}
	s.reply(session, schema.ServerFrame{
		Type:      schema.FrameAck,
		Session:   session.ID(),
		RequestID: msg.RequestID,
		Topics:    topics,
	})
	s.metrics.operation(codec, op, telemetry.ResultOK)
}

func (s *Server) hello(session *Session, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.keys[key]; ok && other != session {
		return errs.New("ws/hello", errs.CodeConflict,
			errs.WithMessage("key in use by another session"), errs.WithField("key", key))
	}
	previous := session.Key()
	if err := session.bind(key); err != nil {
		return err
	}
	delete(s.keys, previous)
	s.keys[key] = session
	return nil
}

// view runs the policy for session's viewport. A session that disconnects while
// the policy runs has whatever it was just given released again.
func (s *Server) view(session *Session, view schema.Viewport) error {
	if !s.live(session) {
		return errSessionClosed(session)
	}
	session.setView(view)
	err := s.system.Update(dyconit.Subscriber[string, *schema.Update]{
		Key:     session.Key(),
		Channel: session,
		State:   view,
	})
	if !s.live(session) {
		s.release(session.Key())
		return errSessionClosed(session)
	}
	return err
}

// live reports whether session is open and still registered.
func (s *Server) live(session *Session) bool {
	if session.closed() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[session.ID()] == session
}

func errSessionClosed(session *Session) error {
	return errs.New("ws/view", errs.CodeUnavailable,
		errs.WithMessage("session closed"), errs.WithField("session", session.ID()))
}

func (s *Server) subscribe(session *Session, topic string, spec schema.BoundsSpec) error {
	bounds, err := dyconit.NewBounds(spec.Staleness, spec.Numerical)
	if err != nil {
		return err
	}
	session.seal()
	return s.system.Subscribe(session.Key(), session, bounds, topic)
}

func (s *Server) publish(session *Session, update *schema.Update) error {
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	update.Origin = session.Key()
	update.PublishedAt = s.opts.Clock.Now().UTC()
	s.system.Publish(update, update)
	return nil
}

func (s *Server) topicsOf(key string) []string {
	topics := s.system.TopicsFor(key)
	names := make([]string, 0, len(topics))
	for _, topic := range topics {
		names = append(names, topic.Name())
	}
	sort.Strings(names)
	return names
}

func (s *Server) reply(session *Session, frame schema.ServerFrame) {
	if err := session.enqueue(frame); err != nil && !errs.HasCode(err, errs.CodeUnavailable) {
		s.logger.Printf("ws: reply failed session=%s: %v", session.ID(), err)
	}
}

func (s *Server) register(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = session
	s.keys[session.Key()] = session
}

// disconnect releases the session's subscriptions and any policy state kept for it.
func (s *Server) disconnect(session *Session) {
	key := session.Key()
	s.mu.Lock()
	delete(s.sessions, session.ID())
	if s.keys[key] == session {
		delete(s.keys, key)
	}
	s.mu.Unlock()

	removed := s.release(key)
	s.logger.Printf("ws: session closed session=%s key=%s topics=%d", session.ID(), key, removed)
}

// release drops every subscription held by key and any policy state kept for it.
func (s *Server) release(key string) int {
	removed := s.system.UnsubscribeAll(key)
	if forgetter, ok := s.system.Policy().(Forgetter); ok {
		forgetter.Forget(key)
	}
	return removed
}

func rejectFrame(requestID string, err error) schema.ServerFrame {
	frame := schema.ServerFrame{Type: schema.FrameError, RequestID: requestID, Code: string(errs.CodeInternal), Error: err.Error()}
	var e *errs.E
	if errors.As(err, &e) {
		frame.Code = string(e.Code)
		if e.Message != "" {
			frame.Error = e.Message
		}
	}
	return frame
}
