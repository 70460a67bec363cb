package ws

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/policy"
)

type testClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec Codec
}

func newTestServer(t *testing.T, p policy.Policy, opts Options) (*Server, *System, string) {
	t.Helper()
	system := dyconit.New[string, *schema.Update](p, policy.ExcludeOrigin())
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	server, err := NewServer(system, opts)
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, system, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, subprotocol string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{subprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	client := &testClient{t: t, conn: conn, codec: CodecFor(conn.Subprotocol())}
	welcome := client.read()
	require.Equal(t, schema.FrameWelcome, welcome.Type)
	require.NotEmpty(t, welcome.Session)
	return client
}

func (c *testClient) send(msg schema.ClientMessage) {
	c.t.Helper()
	payload, err := c.codec.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(payload)
}

func (c *testClient) sendRaw(payload []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, c.codec.MessageType(), payload))
}

func (c *testClient) read() schema.ServerFrame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	require.Equal(c.t, c.codec.MessageType(), typ)
	var frame schema.ServerFrame
	require.NoError(c.t, c.codec.Unmarshal(data, &frame))
	return frame
}

func (c *testClient) request(msg schema.ClientMessage) schema.ServerFrame {
	c.t.Helper()
	c.send(msg)
	frame := c.read()
	require.Equal(c.t, msg.RequestID, frame.RequestID)
	return frame
}

func TestSessionReceivesCommittedBatches(t *testing.T) {
	_, system, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{Environment: "test"})

	alice := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, alice.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "1", Key: "alice"}).Type)
	ack := alice.request(schema.ClientMessage{Op: schema.OpView, RequestID: "2", View: &schema.Viewport{Radius: 1}})
	require.Equal(t, schema.FrameAck, ack.Type)
	require.Equal(t, []string{"lobby"}, ack.Topics)

	bob := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, bob.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "1", Key: "bob"}).Type)
	ack = bob.request(schema.ClientMessage{Op: schema.OpPublish, RequestID: "2", Update: &schema.Update{
		Kind:    schema.KindMove,
		X:       3,
		Z:       4,
		Payload: json.RawMessage(`{"speed":2}`),
	}})
	require.Equal(t, schema.FrameAck, ack.Type)

	system.Synchronize()

	batch := alice.read()
	require.Equal(t, schema.FrameBatch, batch.Type)
	require.Len(t, batch.Updates, 1)
	update := batch.Updates[0]
	require.Equal(t, "bob", update.Origin)
	require.NotEmpty(t, update.ID)
	require.False(t, update.PublishedAt.IsZero())
	require.JSONEq(t, `{"speed":2}`, string(update.Payload))
}

func TestSessionExplicitSubscribeAndUnsubscribe(t *testing.T) {
	_, system, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{})

	client := dial(t, url, SubprotocolJSON)
	ack := client.request(schema.ClientMessage{
		Op:        schema.OpSubscribe,
		RequestID: "s",
		Topic:     "lobby",
		Bounds:    &schema.BoundsSpec{Staleness: 100, Numerical: -1},
	})
	require.Equal(t, schema.FrameAck, ack.Type)
	require.Equal(t, []string{"lobby"}, ack.Topics)

	topic, ok := system.Topic("lobby")
	require.True(t, ok)
	sub, ok := topic.Subscription(ack.Session)
	require.True(t, ok, "key defaults to the session id")
	require.Equal(t, dyconit.Bounds{Staleness: 100, Numerical: dyconit.Unbounded}, sub.Bounds())

	hello := client.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "h", Key: "late"})
	require.Equal(t, schema.FrameError, hello.Type)
	require.Equal(t, string(errs.CodeConflict), hello.Code)

	ack = client.request(schema.ClientMessage{Op: schema.OpUnsubscribe, RequestID: "u", Topic: "lobby"})
	require.Equal(t, schema.FrameAck, ack.Type)
	require.Empty(t, ack.Topics)
	require.Equal(t, 0, system.CountTopics())
}

func TestSessionCBORCodec(t *testing.T) {
	_, system, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{})

	reader := dial(t, url, SubprotocolCBOR)
	require.Equal(t, SubprotocolCBOR, reader.conn.Subprotocol())
	require.Equal(t, schema.FrameAck, reader.request(schema.ClientMessage{Op: schema.OpView, RequestID: "v", View: &schema.Viewport{}}).Type)

	writer := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, writer.request(schema.ClientMessage{Op: schema.OpPublish, RequestID: "p", Update: &schema.Update{
		ID:   "u-1",
		Kind: schema.KindChat,
	}}).Type)

	system.Synchronize()
	batch := reader.read()
	require.Equal(t, schema.FrameBatch, batch.Type)
	require.Len(t, batch.Updates, 1)
	require.Equal(t, "u-1", batch.Updates[0].ID)
	require.Equal(t, schema.KindChat, batch.Updates[0].Kind)
}

func TestSessionRejectsInvalidRequests(t *testing.T) {
	_, _, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{})
	client := dial(t, url, SubprotocolJSON)

	client.sendRaw([]byte("not json"))
	frame := client.read()
	require.Equal(t, schema.FrameError, frame.Type)
	require.Equal(t, string(errs.CodeInvalid), frame.Code)

	frame = client.request(schema.ClientMessage{Op: schema.OpSubscribe, RequestID: "a", Topic: "lobby"})
	require.Equal(t, string(errs.CodeInvalid), frame.Code)
	require.Equal(t, "bounds required", frame.Error)

	frame = client.request(schema.ClientMessage{
		Op:        schema.OpSubscribe,
		RequestID: "b",
		Topic:     "lobby",
		Bounds:    &schema.BoundsSpec{Staleness: -7},
	})
	require.Equal(t, string(errs.CodeInvalid), frame.Code)

	frame = client.request(schema.ClientMessage{Op: "teleport", RequestID: "c"})
	require.Equal(t, string(errs.CodeInvalid), frame.Code)
}

func TestHelloRejectsKeyInUse(t *testing.T) {
	_, _, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{})

	first := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, first.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "1", Key: "shared"}).Type)

	second := dial(t, url, SubprotocolJSON)
	frame := second.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "1", Key: "shared"})
	require.Equal(t, schema.FrameError, frame.Type)
	require.Equal(t, string(errs.CodeConflict), frame.Code)
}

func TestPublishIsRateLimited(t *testing.T) {
	_, _, url := newTestServer(t, policy.NewStatic("lobby", dyconit.BoundsZero, 1), Options{PublishRate: 0.001, PublishBurst: 1})
	client := dial(t, url, SubprotocolJSON)

	update := &schema.Update{Kind: schema.KindMove}
	require.Equal(t, schema.FrameAck, client.request(schema.ClientMessage{Op: schema.OpPublish, RequestID: "1", Update: update}).Type)
	frame := client.request(schema.ClientMessage{Op: schema.OpPublish, RequestID: "2", Update: &schema.Update{Kind: schema.KindMove}})
	require.Equal(t, schema.FrameError, frame.Type)
	require.Equal(t, codeRateLimited, frame.Code)
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	grid := policy.NewGrid(policy.GridConfig{CellSize: 16, Base: dyconit.Bounds{Staleness: 100, Numerical: 4}})
	server, system, url := newTestServer(t, grid, Options{})

	client := dial(t, url, SubprotocolJSON)
	ack := client.request(schema.ClientMessage{Op: schema.OpView, RequestID: "v", View: &schema.Viewport{X: 1, Z: 1, Radius: 1}})
	require.Len(t, ack.Topics, 9)
	require.Equal(t, 1, grid.Tracked())
	require.Equal(t, 1, server.Sessions())

	require.NoError(t, client.conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		return server.Sessions() == 0 && system.CountTopics() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, grid.Tracked(), "forgotten cells are released by the next global update")
	require.NoError(t, system.GlobalUpdate())
	require.Equal(t, 0, grid.Tracked())
}

func TestSlowSessionDropsFrames(t *testing.T) {
	session := newSession("s-1", nil, JSON, Options{SendBuffer: 1}.withDefaults())
	require.NoError(t, session.Send(&schema.Update{ID: "a", Kind: schema.KindMove}))
	require.NoError(t, session.Flush())
	require.NoError(t, session.Flush(), "empty flush writes nothing")

	require.NoError(t, session.Send(&schema.Update{ID: "b", Kind: schema.KindMove}))
	err := session.Flush()
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))

	session.close()
	require.NoError(t, session.Send(&schema.Update{ID: "c", Kind: schema.KindMove}))
	require.True(t, errs.HasCode(session.Flush(), errs.CodeUnavailable))
}

func TestResyncReplaysViewports(t *testing.T) {
	grid := policy.NewGrid(policy.GridConfig{CellSize: 16})
	server, system, url := newTestServer(t, grid, Options{})

	viewer := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, viewer.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "h", Key: "viewer"}).Type)
	require.Equal(t, schema.FrameAck, viewer.request(schema.ClientMessage{Op: schema.OpView, RequestID: "v", View: &schema.Viewport{}}).Type)
	idle := dial(t, url, SubprotocolJSON)
	require.Equal(t, schema.FrameAck, idle.request(schema.ClientMessage{Op: schema.OpHello, RequestID: "h", Key: "idle"}).Type)

	system.SetPolicy(policy.NewStatic("lobby", dyconit.BoundsZero, 1))
	require.Equal(t, 0, system.CountTopics())

	require.Equal(t, 1, server.Resync())
	topic, ok := system.Topic("lobby")
	require.True(t, ok)
	require.Equal(t, []string{"viewer"}, topic.Subscribers())
}

type hookedGrid struct {
	*policy.Grid
	afterUpdate func()
}

func (p *hookedGrid) Update(sub policy.Subscriber) []policy.Command {
	cmds := p.Grid.Update(sub)
	if p.afterUpdate != nil {
		p.afterUpdate()
	}
	return cmds
}

func newDetachedSession(t *testing.T, p policy.Policy) (*Server, *System, *Session) {
	t.Helper()
	system := dyconit.New[string, *schema.Update](p, nil)
	server, err := NewServer(system, Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	session := newSession("s-1", nil, JSON, server.opts)
	server.register(session)
	return server, system, session
}

func TestViewAfterDisconnectIsRejected(t *testing.T) {
	grid := policy.NewGrid(policy.GridConfig{CellSize: 16})
	server, system, session := newDetachedSession(t, grid)
	view := schema.Viewport{X: 1, Z: 1, Radius: 1}

	require.NoError(t, server.view(session, view))
	require.Equal(t, 9, system.CountTopics())

	session.close()
	server.disconnect(session)
	require.Equal(t, 0, system.CountTopics())

	err := server.view(session, view)
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	require.Zero(t, server.Resync())
	require.NoError(t, system.GlobalUpdate())
	require.Equal(t, 0, system.CountTopics())
	require.Equal(t, 0, grid.Tracked())
}

func TestDisconnectDuringViewReleasesSubscriptions(t *testing.T) {
	grid := &hookedGrid{Grid: policy.NewGrid(policy.GridConfig{CellSize: 16})}
	server, system, session := newDetachedSession(t, grid)
	grid.afterUpdate = func() {
		session.close()
		server.disconnect(session)
	}

	err := server.view(session, schema.Viewport{X: 1, Z: 1, Radius: 1})
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	require.Equal(t, 0, system.CountTopics())
	require.Empty(t, system.TopicsFor(session.Key()))

	require.NoError(t, system.GlobalUpdate())
	require.Equal(t, 0, system.CountTopics())
	require.Equal(t, 0, grid.Tracked())
}
