package schema

import (
	"math"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// MaxViewRadius caps how many cells a viewport may span in each direction.
const MaxViewRadius = 32

// Viewport is the subscriber state policies use to choose topics: a centre on the
// plane and a view radius measured in cells.
type Viewport struct {
	X      float64 `json:"x"`
	Z      float64 `json:"z"`
	Radius int     `json:"radius"`
}

// Centre returns the viewport centre.
func (v Viewport) Centre() Position {
	return Position{X: v.X, Z: v.Z}
}

// Validate ensures the viewport is usable.
func (v Viewport) Validate() error {
	if math.IsNaN(v.X) || math.IsNaN(v.Z) || math.IsInf(v.X, 0) || math.IsInf(v.Z, 0) {
		return errs.New("schema/viewport", errs.CodeInvalid, errs.WithMessage("centre must be finite"))
	}
	if v.Radius < 0 || v.Radius > MaxViewRadius {
		return errs.New("schema/viewport", errs.CodeInvalid, errs.WithMessage("radius out of range"))
	}
	return nil
}
