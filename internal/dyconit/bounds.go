package dyconit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// Unbounded disables one dimension of a Bounds value.
const Unbounded = -1

// Bounds is the consistency contract of one subscription.
//
// Staleness is measured in milliseconds. A negative dimension (Unbounded) never
// forces a flush.
type Bounds struct {
	Staleness int `json:"staleness" yaml:"staleness"`
	Numerical int `json:"numerical" yaml:"numerical"`
}

var (
	// BoundsZero flushes on every observation.
	BoundsZero = Bounds{Staleness: 0, Numerical: 0}
	// BoundsInfinite never forces a flush.
	BoundsInfinite = Bounds{Staleness: Unbounded, Numerical: Unbounded}
)

// NewBounds validates and returns a Bounds value.
func NewBounds(staleness, numerical int) (Bounds, error) {
	b := Bounds{Staleness: staleness, Numerical: numerical}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

// Validate rejects dimensions below the Unbounded sentinel.
func (b Bounds) Validate() error {
	if b.Staleness < Unbounded {
		return errs.New("dyconit/bounds", errs.CodeInvalid,
			errs.WithMessage("staleness must be >= 0 or -1"),
			errs.WithField("staleness", strconv.Itoa(b.Staleness)))
	}
	if b.Numerical < Unbounded {
		return errs.New("dyconit/bounds", errs.CodeInvalid,
			errs.WithMessage("numerical must be >= 0 or -1"),
			errs.WithField("numerical", strconv.Itoa(b.Numerical)))
	}
	return nil
}

// StalenessBound returns the staleness limit as a duration, and false when unbounded.
func (b Bounds) StalenessBound() (time.Duration, bool) {
	if b.Staleness < 0 {
		return 0, false
	}
	return time.Duration(b.Staleness) * time.Millisecond, true
}

// Exceeded reports whether the observed staleness or numerical error violates the bounds.
// Either dimension alone is sufficient.
func (b Bounds) Exceeded(staleness time.Duration, numerical int) bool {
	if limit, ok := b.StalenessBound(); ok && staleness >= limit {
		return true
	}
	return b.Numerical >= 0 && numerical > b.Numerical
}

// Scale multiplies every bounded dimension by factor. Unbounded dimensions stay unbounded.
func (b Bounds) Scale(factor int) Bounds {
	if factor < 0 {
		factor = 0
	}
	out := b
	if out.Staleness >= 0 {
		out.Staleness *= factor
	}
	if out.Numerical >= 0 {
		out.Numerical *= factor
	}
	return out
}

func (b Bounds) String() string {
	return fmt.Sprintf("bounds(staleness=%s numerical=%s)", dimension(b.Staleness, "ms"), dimension(b.Numerical, ""))
}

func dimension(v int, unit string) string {
	if v < 0 {
		return "inf"
	}
	return strconv.Itoa(v) + unit
}

// Error is a bounds-check report. It is never a fault signal.
type Error struct {
	Staleness time.Duration
	Numerical int
	Exceeded  bool
}

// ErrorZero is the identity element of Combine.
var ErrorZero = Error{}

// Combine sums both dimensions and ORs the exceeded flags.
func (e Error) Combine(other Error) Error {
	return Error{
		Staleness: e.Staleness + other.Staleness,
		Numerical: e.Numerical + other.Numerical,
		Exceeded:  e.Exceeded || other.Exceeded,
	}
}
