package schema

import (
	"strings"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// ClientOp enumerates the operations a websocket client may request.
type ClientOp string

const (
	// OpHello names the session's subscriber key.
	OpHello ClientOp = "hello"
	// OpView reports the subscriber's viewport so the policy can reconcile topics.
	OpView ClientOp = "view"
	// OpSubscribe joins a topic directly with explicit bounds.
	OpSubscribe ClientOp = "subscribe"
	// OpUnsubscribe leaves a topic.
	OpUnsubscribe ClientOp = "unsubscribe"
	// OpPublish hands an update to the broker.
	OpPublish ClientOp = "publish"
)

// BoundsSpec is the wire form of a bounds pair. -1 means unbounded.
type BoundsSpec struct {
	Staleness int `json:"staleness"`
	Numerical int `json:"numerical"`
}

// ClientMessage is one request read from a websocket session.
type ClientMessage struct {
	Op        ClientOp    `json:"op"`
	RequestID string      `json:"request_id,omitempty"`
	Key       string      `json:"key,omitempty"`
	View      *Viewport   `json:"view,omitempty"`
	Topic     string      `json:"topic,omitempty"`
	Bounds    *BoundsSpec `json:"bounds,omitempty"`
	Update    *Update     `json:"update,omitempty"`
}

// Validate checks that the fields required by Op are present.
func (m ClientMessage) Validate() error {
	invalid := func(msg string) error {
		return errs.New("schema/client", errs.CodeInvalid,
			errs.WithMessage(msg), errs.WithField("op", string(m.Op)))
	}
	switch m.Op {
	case OpHello:
		if strings.TrimSpace(m.Key) == "" {
			return invalid("key required")
		}
	case OpView:
		if m.View == nil {
			return invalid("view required")
		}
		return m.View.Validate()
	case OpSubscribe:
		if strings.TrimSpace(m.Topic) == "" {
			return invalid("topic required")
		}
		if m.Bounds == nil {
			return invalid("bounds required")
		}
	case OpUnsubscribe:
		if strings.TrimSpace(m.Topic) == "" {
			return invalid("topic required")
		}
	case OpPublish:
		if m.Update == nil {
			return invalid("update required")
		}
		return m.Update.Validate()
	default:
		return invalid("unsupported op")
	}
	return nil
}

// FrameType enumerates frames the server writes to a session.
type FrameType string

const (
	// FrameWelcome acknowledges the connection and carries the session id.
	FrameWelcome FrameType = "welcome"
	// FrameBatch carries one committed batch of updates.
	FrameBatch FrameType = "batch"
	// FrameAck acknowledges a client request.
	FrameAck FrameType = "ack"
	// FrameError reports a rejected client request.
	FrameError FrameType = "error"
)

// ServerFrame is one message written to a websocket session.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	Session   string    `json:"session,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Updates   []*Update `json:"updates,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}
