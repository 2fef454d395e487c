// Package blunder flags moves whose evaluation swing exceeds an adaptive
// threshold.
//
// Evaluations are indexed by position: evals[i] is the score of the position
// before ply i, from the perspective of the side to move there. The score
// after ply i from the mover's perspective is therefore -evals[i+1].
package blunder

import "math"

// Thresholds parameterises the detector.
type Thresholds struct {
	Base         int     // threshold used when the position is near level
	Scale        float64 // fraction of |before| added above Base
	Offset       float64 // constant added to the scaled threshold
	Cap          int     // upper bound of the threshold
	Decisive     int     // both sides of a move beyond this with the same sign are ignored
	MateSentinel int     // scores beyond this are mate-collapsed
}

// DefaultThresholds are the tuned production values.
var DefaultThresholds = Thresholds{
	Base:         150,
	Scale:        0.5,
	Offset:       75,
	Cap:          500,
	Decisive:     750,
	MateSentinel: 10000,
}

// Threshold returns the swing needed to flag a move played from a position
// scored before.
func (t Thresholds) Threshold(before int) float64 {
	abs := absInt(before)
	if abs < t.Base {
		return float64(t.Base)
	}
	return math.Min(float64(t.Cap), float64(abs)*t.Scale+t.Offset)
}

// Detect returns the ply indices whose move is a blunder, in increasing order.
func (t Thresholds) Detect(evals []int) []int {
	var out []int
	for i := 0; i+1 < len(evals); i++ {
		if t.IsBlunder(evals[i], -evals[i+1]) {
			out = append(out, i)
		}
	}
	return out
}

// IsBlunder decides a single move given the mover's score before and after.
func (t Thresholds) IsBlunder(before, after int) bool {
	sameSign := sign(before)*sign(after) > 0

	// Still decisively ahead (or behind) on both sides of the move.
	if absInt(before) >= t.Decisive && absInt(after) >= t.Decisive && sameSign {
		return false
	}
	// A mate score that does not flip side is not a blunder.
	if absInt(after) > t.MateSentinel && sameSign {
		return false
	}
	return float64(absInt(after-before)) >= t.Threshold(before)
}

// Detect runs DefaultThresholds over evals.
func Detect(evals []int) []int {
	return DefaultThresholds.Detect(evals)
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
