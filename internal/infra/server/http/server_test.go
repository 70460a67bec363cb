package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
	"github.com/coachpo/dyconit/internal/infra/config"
	"github.com/coachpo/dyconit/internal/policy"
)

type stubReloader struct {
	kind  config.PolicyKind
	err   error
	calls int
}

func (r *stubReloader) ReloadPolicy(context.Context) (config.PolicyKind, error) {
	r.calls++
	return r.kind, r.err
}

type fixedSessions int

func (f fixedSessions) Sessions() int { return int(f) }

func newTestHandler(t *testing.T, reloader PolicyReloader) (http.Handler, *System) {
	t.Helper()
	system := dyconit.New[string, *schema.Update](policy.NewStatic("lobby", dyconit.BoundsZero, 1), nil)
	nop := dyconit.ChannelFuncs[*schema.Update]{}
	require.NoError(t, system.Subscribe("alice", nop, dyconit.Bounds{Staleness: 50, Numerical: 2}, "lobby"))
	require.NoError(t, system.Subscribe("bob", nop, dyconit.BoundsInfinite, "lobby"))
	require.NoError(t, system.Subscribe("bob", nop, dyconit.BoundsZero, "cell:0:0"))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	handler := NewHandler(Options{
		Config:   config.Default(),
		System:   system,
		Reloader: reloader,
		Sessions: fixedSessions(2),
		Now: func() time.Time {
			calls++
			return start.Add(time.Duration(calls-1) * time.Minute)
		},
	})
	return handler, system
}

func serve(handler http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestListTopics(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	res := serve(handler, http.MethodGet, "/topics")
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Topics []topicSummary `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Equal(t, []topicSummary{
		{Name: "cell:0:0", Subscribers: 1},
		{Name: "lobby", Subscribers: 2},
	}, payload.Topics)
}

func TestTopicDetail(t *testing.T) {
	handler, system := newTestHandler(t, nil)
	system.PublishTo("lobby", &schema.Update{ID: "u-1", Kind: schema.KindMove})

	res := serve(handler, http.MethodGet, "/topics/lobby")
	require.Equal(t, http.StatusOK, res.Code)
	var detail topicDetail
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &detail))
	require.Equal(t, "lobby", detail.Name)
	require.Len(t, detail.Subscriptions, 2)
	require.Equal(t, "alice", detail.Subscriptions[0].Subscriber)
	require.Equal(t, dyconit.Bounds{Staleness: 50, Numerical: 2}, detail.Subscriptions[0].Bounds)
	require.Equal(t, 1, detail.Subscriptions[0].Pending)
	require.Equal(t, 1, detail.Subscriptions[0].NumericalError)
	require.Equal(t, dyconit.BoundsInfinite, detail.Subscriptions[1].Bounds)

	require.Equal(t, http.StatusNotFound, serve(handler, http.MethodGet, "/topics/missing").Code)
	require.Equal(t, http.StatusNotFound, serve(handler, http.MethodGet, "/topics/").Code)
}

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	res := serve(handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, res.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "dev", payload["environment"])
	require.EqualValues(t, 2, payload["topics"])
	require.EqualValues(t, 2, payload["sessions"])
	require.Equal(t, "1m0s", payload["uptime"])
}

func TestReloadPolicy(t *testing.T) {
	reloader := &stubReloader{kind: config.PolicyGrid}
	handler, _ := newTestHandler(t, reloader)

	res := serve(handler, http.MethodPost, "/policy/reload")
	require.Equal(t, http.StatusAccepted, res.Code)
	require.JSONEq(t, `{"status":"reloaded","policy":"grid"}`, res.Body.String())
	require.Equal(t, 1, reloader.calls)

	reloader.err = errs.New("policy/script", errs.CodeInvalid, errs.WithMessage("syntax error"))
	require.Equal(t, http.StatusUnprocessableEntity, serve(handler, http.MethodPost, "/policy/reload").Code)

	reloader.err = errors.New("boom")
	require.Equal(t, http.StatusInternalServerError, serve(handler, http.MethodPost, "/policy/reload").Code)

	res = serve(handler, http.MethodGet, "/policy/reload")
	require.Equal(t, http.StatusMethodNotAllowed, res.Code)
	require.Equal(t, "POST", res.Header().Get("Allow"))
}

func TestReloadPolicyUnavailable(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(handler, http.MethodPost, "/policy/reload").Code)
}

func TestSnapshot(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	res := serve(handler, http.MethodGet, "/snapshot")
	require.Equal(t, http.StatusOK, res.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &snap))
	require.Equal(t, snapshotVersion, snap.Version)
	require.Equal(t, "dev", snap.Environment)
	require.Equal(t, "50ms", snap.Broker.TickInterval)
	require.Equal(t, "grid", snap.Policy.Kind)
	require.Equal(t, "static:lobby", snap.Policy.Active)
	require.Equal(t, dyconit.Bounds{Staleness: 100, Numerical: 8}, snap.Policy.Base)
	require.Len(t, snap.Topics, 2)
	require.NotNil(t, snap.Sessions)
	require.Equal(t, 2, *snap.Sessions)
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	res := serve(handler, http.MethodOptions, "/topics")
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}
