package pifm

import "math"

/*
 * At the 152 kHz transmit rate one period of the 19 kHz pilot is exactly
 * 8 samples, and the 38 kHz difference carrier is every other entry of the
 * same table.
 */

const stereoSteps = 8

var stereoTable = func() (t [2 * stereoSteps]float32) {
	for i := range t {
		t[i] = float32(math.Sin(float64(i) * 2 * math.Pi / stereoSteps))
	}
	return t
}()

// StereoMux builds the FM stereo composite from two channels.
type StereoMux struct {
	state int
}

func NewStereoMux() *StereoMux {
	return &StereoMux{}
}

// Process writes the composite of left and right into out and returns
// it.  out is grown if it is too small.  left and right must be the same
// length.
func (m *StereoMux) Process(out, left, right []float32) []float32 {
	if cap(out) < len(left) {
		out = make([]float32, len(left))
	}
	out = out[:len(left)]

	for i := range left {
		var sum = left[i] + right[i]
		var diff = left[i] - right[i]
		out[i] = 0.9*(sum+diff*stereoTable[2*m.state])/2 + 0.1*stereoTable[m.state]
		m.state = (m.state + 1) % stereoSteps
	}

	return out
}
