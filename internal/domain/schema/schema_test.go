package schema

import (
	"math"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

func TestUpdateValidate(t *testing.T) {
	valid := &Update{ID: "u-1", Origin: "alice", Kind: KindMove, X: 3, Z: -4, Payload: json.RawMessage(`{"yaw":90}`)}
	require.NoError(t, valid.Validate())

	cases := map[string]*Update{
		"nil":          nil,
		"missing kind": {ID: "u-2"},
		"nan":          {Kind: KindMove, X: math.NaN()},
		"inf":          {Kind: KindMove, Z: math.Inf(1)},
		"bad payload":  {Kind: KindChat, Payload: json.RawMessage(`{"open"`)},
	}
	for name, update := range cases {
		t.Run(name, func(t *testing.T) {
			err := update.Validate()
			require.Error(t, err)
			require.True(t, errs.HasCode(err, errs.CodeInvalid))
		})
	}
}

func TestUpdateCloneDetachesPayload(t *testing.T) {
	original := &Update{ID: "u-1", Kind: KindBlock, Payload: json.RawMessage(`{"a":1}`), PublishedAt: time.Unix(10, 0)}
	clone := original.Clone()
	clone.Payload[2] = 'b'

	require.Equal(t, `{"a":1}`, string(original.Payload))
	require.Equal(t, original.PublishedAt, clone.PublishedAt)
	require.Nil(t, (*Update)(nil).Clone())
	require.Equal(t, Position{X: 0, Z: 0}, (*Update)(nil).Position())
}

func TestViewportValidate(t *testing.T) {
	require.NoError(t, Viewport{X: 1, Z: 2, Radius: 4}.Validate())
	require.Error(t, Viewport{Radius: -1}.Validate())
	require.Error(t, Viewport{Radius: MaxViewRadius + 1}.Validate())
	require.Error(t, Viewport{X: math.NaN()}.Validate())
}

func TestClientMessageValidate(t *testing.T) {
	ok := []ClientMessage{
		{Op: OpHello, Key: "alice"},
		{Op: OpView, View: &Viewport{Radius: 2}},
		{Op: OpSubscribe, Topic: "cell:0:0", Bounds: &BoundsSpec{Staleness: 100, Numerical: -1}},
		{Op: OpUnsubscribe, Topic: "cell:0:0"},
		{Op: OpPublish, Update: &Update{Kind: KindChat}},
	}
	for _, msg := range ok {
		require.NoError(t, msg.Validate(), msg.Op)
	}

	bad := []ClientMessage{
		{Op: OpHello},
		{Op: OpView},
		{Op: OpSubscribe, Topic: "t"},
		{Op: OpUnsubscribe},
		{Op: OpPublish},
		{Op: "teleport"},
	}
	for _, msg := range bad {
		require.Error(t, msg.Validate(), msg.Op)
	}
}

func TestClientMessageDecodesFromJSON(t *testing.T) {
	var msg ClientMessage
	raw := `{"op":"subscribe","request_id":"r1","topic":"cell:1:2","bounds":{"staleness":250,"numerical":-1}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Equal(t, OpSubscribe, msg.Op)
	require.Equal(t, &BoundsSpec{Staleness: 250, Numerical: -1}, msg.Bounds)
	require.NoError(t, msg.Validate())
}
