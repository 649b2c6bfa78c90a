package pifm

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

/*------------------------------------------------------------------
 *
 * Name:	WAVTransmitter
 *
 * Purpose:	Stand-in for the radio hardware.
 *
 * Description:	Consumes the composite at the programmed rate, measured
 *		against the system clock, and records it as a 16 bit
 *		mono WAV file.  The whole chain from audio source to rate
 *		controller runs exactly as it would on the air.
 *
 *		The header carries the nominal rate.  Rate corrections
 *		only change the pacing.
 *
 *------------------------------------------------------------------*/

type WAVTransmitter struct {
	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer

	rate  atomic.Uint64 // math.Float64bits
	paced bool
	next  time.Time
	err   error

	closed bool
}

func NewWAVTransmitter(path string, rate float64) (*WAVTransmitter, error) {
	return openWAV(path, rate, true)
}

// NewWAVRecorder is a WAVTransmitter that writes as fast as it is fed.
func NewWAVRecorder(path string, rate float64) (*WAVTransmitter, error) {
	return openWAV(path, rate, false)
}

func openWAV(path string, rate float64, paced bool) (*WAVTransmitter, error) {
	var f, err = os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dry run output: %w", err)
	}

	var sr = int(math.Round(rate))
	var t = &WAVTransmitter{
		file:  f,
		paced: paced,
		enc:   wav.NewEncoder(f, sr, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sr},
			SourceBitDepth: 16,
		},
	}
	t.SetRate(rate)
	return t, nil
}

func (t *WAVTransmitter) Sync() error {
	t.next = time.Now()
	return nil
}

func (t *WAVTransmitter) SetRate(hz float64) {
	t.rate.Store(math.Float64bits(hz))
}

func (t *WAVTransmitter) Rate() float64 {
	return math.Float64frombits(t.rate.Load())
}

func (t *WAVTransmitter) Output(samples []float32) {
	if t.paced {
		if t.next.IsZero() {
			t.next = time.Now()
		}
		t.next = t.next.Add(time.Duration(float64(time.Second) * float64(len(samples)) / t.Rate()))
		time.Sleep(time.Until(t.next))
	}

	if t.err != nil {
		return
	}

	var data = t.buf.Data[:0]
	for _, s := range samples {
		var v = max(-1, min(1, float64(s)))
		data = append(data, int(math.Round(v*math.MaxInt16)))
	}
	t.buf.Data = data

	if err := t.enc.Write(t.buf); err != nil {
		t.err = fmt.Errorf("dry run output: %w", err)
	}
}

// Close finishes the WAV header.  It also reports the first write error.
func (t *WAVTransmitter) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	var err = t.err
	if cerr := t.enc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("dry run output: %w", cerr)
	}
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	return err
}
