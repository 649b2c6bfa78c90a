package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Where the audio comes from.
 *
 * Description:	A source delivers one block per channel at a fixed
 *		period and rate, from its own goroutine or thread.  Both
 *		are negotiated when the source is opened and never change
 *		afterwards.
 *
 *		Two sources are provided: the live sound card input
 *		through PortAudio, and a decoded WAV or MP3 file replayed
 *		in real time.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

type AudioSource interface {
	SampleRate() float64
	Period() int
	Channels() int

	// Start begins delivering blocks to process.  The slices are only
	// valid during the call.
	Start(process func(channels [][]float32)) error

	Close() error
}

var ErrUnknownAudioFormat = errors.New("unknown audio file format")

// PCM is decoded audio, one slice per channel, scaled to -1 .. +1.
type PCM struct {
	SampleRate float64
	Data       [][]float32
}

func (p *PCM) Frames() int {
	if len(p.Data) == 0 {
		return 0
	}
	return len(p.Data[0])
}

// Remix returns the audio with the given number of channels.  Mono to
// stereo duplicates, stereo to mono averages, anything else keeps the
// first channels.
func (p *PCM) Remix(channels int) *PCM {
	var have = len(p.Data)
	switch {
	case have == channels:
		return p
	case channels == 1:
		var mono = make([]float32, p.Frames())
		for _, ch := range p.Data {
			for i, s := range ch {
				mono[i] += s / float32(have)
			}
		}
		return &PCM{SampleRate: p.SampleRate, Data: [][]float32{mono}}
	case have == 1:
		var data = make([][]float32, channels)
		for i := range data {
			data[i] = p.Data[0]
		}
		return &PCM{SampleRate: p.SampleRate, Data: data}
	default:
		return &PCM{SampleRate: p.SampleRate, Data: p.Data[:channels]}
	}
}

/*------------------------------------------------------------------
 *
 * Name:	LoadPCM
 *
 * Purpose:	Decode a whole WAV or MP3 file into memory.
 *
 * Inputs:	path	- File name.  The format is chosen by extension.
 *
 *------------------------------------------------------------------*/

func LoadPCM(path string) (*PCM, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pcm *PCM
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		pcm, err = decodeWAV(f)
	case ".mp3":
		pcm, err = decodeMP3(f)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownAudioFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pcm.Frames() == 0 {
		return nil, fmt.Errorf("%s: no audio", path)
	}
	return pcm, nil
}

func decodeWAV(r io.ReadSeeker) (*PCM, error) {
	var dec = wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("wav: not a valid wav file")
	}

	var buf, err = dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}

	var channels = int(dec.NumChans)
	var scale = float32(int(1) << (dec.BitDepth - 1))
	var pcm = &PCM{
		SampleRate: float64(dec.SampleRate),
		Data:       make([][]float32, channels),
	}
	var frames = len(buf.Data) / channels
	for ch := range pcm.Data {
		pcm.Data[ch] = make([]float32, frames)
	}
	for i, s := range buf.Data[:frames*channels] {
		pcm.Data[i%channels][i/channels] = float32(s) / scale
	}
	return pcm, nil
}

// go-mp3 always produces 16 bit little endian stereo.
func decodeMP3(r io.Reader) (*PCM, error) {
	var dec, err = mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}

	var raw, readErr = io.ReadAll(dec)
	if readErr != nil {
		return nil, fmt.Errorf("mp3: %w", readErr)
	}

	var frames = len(raw) / 4
	var pcm = &PCM{
		SampleRate: float64(dec.SampleRate()),
		Data:       [][]float32{make([]float32, frames), make([]float32, frames)},
	}
	for i := 0; i < frames; i++ {
		pcm.Data[0][i] = float32(int16(binary.LittleEndian.Uint16(raw[i*4:]))) / 32768
		pcm.Data[1][i] = float32(int16(binary.LittleEndian.Uint16(raw[i*4+2:]))) / 32768
	}
	return pcm, nil
}
