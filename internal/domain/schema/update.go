// Package schema defines the broker's canonical message and subscriber state types.
package schema

import (
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// Kind classifies an update for weighting purposes.
type Kind string

const (
	// KindMove designates an entity position change.
	KindMove Kind = "move"
	// KindBlock designates a world cell mutation.
	KindBlock Kind = "block"
	// KindChat designates a chat line.
	KindChat Kind = "chat"
	// KindSpawn designates an entity appearing.
	KindSpawn Kind = "spawn"
	// KindDespawn designates an entity leaving.
	KindDespawn Kind = "despawn"
)

// Position is a point on the horizontal plane.
type Position struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Update is the unit of state change flowing from publishers to subscribers.
type Update struct {
	ID          string          `json:"id"`
	Origin      string          `json:"origin"`
	Kind        Kind            `json:"kind"`
	X           float64         `json:"x"`
	Z           float64         `json:"z"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Position returns where the update happened.
func (u *Update) Position() Position {
	if u == nil {
		return Position{}
	}
	return Position{X: u.X, Z: u.Z}
}

// Validate ensures the update can be routed.
func (u *Update) Validate() error {
	if u == nil {
		return errs.New("schema/update", errs.CodeInvalid, errs.WithMessage("update required"))
	}
	if strings.TrimSpace(string(u.Kind)) == "" {
		return errs.New("schema/update", errs.CodeInvalid, errs.WithMessage("kind required"))
	}
	if invalidCoordinate(u.X) || invalidCoordinate(u.Z) {
		return errs.New("schema/update", errs.CodeInvalid,
			errs.WithMessage("coordinates must be finite"),
			errs.WithField("id", u.ID))
	}
	if len(u.Payload) > 0 && !json.Valid(u.Payload) {
		return errs.New("schema/update", errs.CodeInvalid,
			errs.WithMessage("payload must be valid json"),
			errs.WithField("id", u.ID))
	}
	return nil
}

// Clone returns a detached copy; the payload bytes are not shared.
func (u *Update) Clone() *Update {
	if u == nil {
		return nil
	}
	clone := *u
	if u.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), u.Payload...)
	}
	return &clone
}

func invalidCoordinate(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
