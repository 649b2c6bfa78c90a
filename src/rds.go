package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Add a low level data subcarrier to the composite.
 *
 * Description:	The payload is sent as a differentially encoded
 *		biphase stream on a 57 kHz subcarrier, which is three
 *		times the stereo pilot.
 *
 *		At 152 kHz one bit lasts 384 samples, the first half
 *		carrying the bit and the second half its complement.
 *		The payload must already contain complete groups with
 *		check words; it is repeated forever, most significant
 *		bit first.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"math"
)

const (
	dataBitSamples  = 384
	dataSubcarrier  = 8
	dataLevel       = 0.05
	dataSmoothAlpha = 0.01
)

var ErrEmptyPayload = errors.New("data payload is empty")

var dataSubTable = func() (t [dataSubcarrier]float32) {
	for i := range t {
		t[i] = float32(math.Sin(float64(i) * 2 * math.Pi * 3 / dataSubcarrier))
	}
	return t
}()

type DataEncoder struct {
	payload []byte
	bit     int // next payload bit
	state   int // position within the current bit
	current bool
	level   float32
}

func NewDataEncoder(payload []byte) (*DataEncoder, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	return &DataEncoder{payload: payload}, nil
}

// BitPosition is the index, counting from the most significant bit of the
// first byte, of the next bit to be fetched.
func (e *DataEncoder) BitPosition() int {
	return e.bit
}

func (e *DataEncoder) nextBit() bool {
	var b = e.payload[e.bit/8]>>(7-e.bit%8)&1 == 1
	e.bit = (e.bit + 1) % (len(e.payload) * 8)
	return b
}

// Process adds the subcarrier to block in place and returns it.
func (e *DataEncoder) Process(block []float32) []float32 {
	for i := range block {
		if e.state == 0 {
			e.current = e.current != e.nextBit()
		}

		var symbol = e.current
		if e.state >= dataBitSamples/2 {
			symbol = !symbol
		}

		var target float32 = -1
		if symbol {
			target = 1
		}
		e.level = (1-dataSmoothAlpha)*e.level + dataSmoothAlpha*target

		block[i] += dataLevel * e.level * dataSubTable[e.state%dataSubcarrier]
		e.state = (e.state + 1) % dataBitSamples
	}
	return block
}
