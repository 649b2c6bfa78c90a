package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Sample rate conversion by windowless sinc interpolation.
 *
 * Description:	A table holds the sinc kernel at a fixed number of
 *		fractional phases.  For every output sample the phase
 *		nearest to the output instant picks a row, and the row is
 *		applied to the most recent input samples.
 *
 *		taps	- Number of input samples per output sample.  The
 *			  output is delayed by (taps-1)/2 input samples.
 *
 *		phases	- Number of fractional positions tabulated.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"math"
)

type Resampler struct {
	ratio   float64
	phases  int
	lut     [][]float32
	history []float32
	counter float64
	out     []float32
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// NewResampler converts a stream by ratio, which is input rate over
// output rate.  A ratio of 2 halves the rate.
func NewResampler(ratio float64, taps, phases int) (*Resampler, error) {
	if !(ratio > 0) || math.IsInf(ratio, 0) {
		return nil, fmt.Errorf("%w: resampling ratio %v", ErrConfig, ratio)
	}
	if taps < 1 || phases < 1 {
		return nil, fmt.Errorf("%w: resampler needs at least one tap and one phase, got %d and %d", ErrConfig, taps, phases)
	}

	var r = &Resampler{
		ratio:   ratio,
		phases:  phases,
		lut:     make([][]float32, phases),
		history: make([]float32, taps),
		counter: 1,
	}

	var mid = float64(taps-1) / 2
	for s := range r.lut {
		r.lut[s] = make([]float32, taps)
		for q := range r.lut[s] {
			r.lut[s][q] = float32(sinc(mid + float64(s)/float64(phases) - float64(q)))
		}
	}

	return r, nil
}

// MaxOutput is an upper bound on the samples Process returns for n inputs.
func (r *Resampler) MaxOutput(n int) int {
	return int(math.Ceil(float64(n)/r.ratio)) + 1
}

// Process returns the output produced by in.  The slice is reused by the
// next call.  Its length varies from call to call.
func (r *Resampler) Process(in []float32) []float32 {
	if need := r.MaxOutput(len(in)); cap(r.out) < need {
		r.out = make([]float32, need)
	}
	var out = r.out[:0]
	var last = len(r.history) - 1

	for _, s := range in {
		copy(r.history, r.history[1:])
		r.history[last] = s
		r.counter -= 1

		for r.counter < 1 {
			var row = r.lut[int(r.counter*float64(r.phases))]
			var acc float32
			for q, h := range r.history {
				acc += h * row[q]
			}
			out = append(out, acc)
			r.counter += r.ratio
		}
	}

	r.out = out
	return out
}
