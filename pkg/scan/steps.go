package scan

import (
	"math"

	"github.com/pkg/errors"
)

// MaxSteps bounds the number of setpoints a stepped scan may have.
const MaxSteps = 100000

// Steps returns the setpoints from start to end, both included, spaced by
// step. The last interval is shortened so the sequence lands exactly on end.
// The direction follows the sign of end-start; step is a magnitude.
func Steps(start, end, step float64) ([]float64, error) {
	if !(step > 0) || math.IsInf(step, 0) {
		return nil, errors.Errorf("step size must be a positive number, got %g", step)
	}
	if math.IsNaN(start) || math.IsNaN(end) {
		return nil, errors.New("scan bounds must be numbers")
	}
	if start == end {
		return []float64{start}, nil
	}

	dir := 1.0
	if end < start {
		dir = -1
	}
	span := math.Abs(end - start)
	if math.IsInf(span, 0) || !(span/step < MaxSteps) {
		return nil, errors.Errorf("step %g over %g to %g gives more than %d setpoints", step, start, end, MaxSteps)
	}
	// Absorb rounding so 0.1 steps over a 1.0 span give 11 points, not 12.
	n := int(math.Floor(span/step + 1e-9))

	out := make([]float64, 0, n+2)
	for i := 0; i <= n; i++ {
		out = append(out, start+dir*float64(i)*step)
	}
	if math.Abs(out[len(out)-1]-end) <= step*1e-9 {
		out[len(out)-1] = end
	} else {
		out = append(out, end)
	}
	return out, nil
}
