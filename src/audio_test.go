package pifm

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVTransmitterRecords(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "composite.wav")

	var tx, err = NewWAVTransmitter(path, 8000)
	require.NoError(t, err)
	require.NoError(t, tx.Sync())

	var samples = make([]float32, 800)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*float64(i)/40))
	}
	samples[10] = 3 // clipped

	var start = time.Now()
	tx.Output(samples[:400])
	tx.Output(samples[400:])
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "output was not paced")

	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())

	var pcm, loadErr = LoadPCM(path)
	require.NoError(t, loadErr)
	assert.InDelta(t, 8000.0, pcm.SampleRate, 0)
	require.Len(t, pcm.Data, 1)
	require.Equal(t, 800, pcm.Frames())

	assert.InDelta(t, 1.0, pcm.Data[0][10], 1e-3)
	for i, s := range samples {
		if i == 10 {
			continue
		}
		assert.InDelta(t, s, pcm.Data[0][i], 1.0/16384, "sample %d", i)
	}
}

func TestWAVTransmitterRate(t *testing.T) {
	var tx, err = NewWAVTransmitter(filepath.Join(t.TempDir(), "x.wav"), 152000)
	require.NoError(t, err)
	defer tx.Close()

	tx.SetRate(151900.25)
	assert.InDelta(t, 151900.25, tx.Rate(), 0)
}

func TestLoadPCMErrors(t *testing.T) {
	var dir = t.TempDir()

	var _, err = LoadPCM(filepath.Join(dir, "missing.wav"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	var txt = filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))
	_, err = LoadPCM(txt)
	assert.ErrorIs(t, err, ErrUnknownAudioFormat)

	var bogus = filepath.Join(dir, "bogus.wav")
	require.NoError(t, os.WriteFile(bogus, []byte("definitely not RIFF"), 0o644))
	_, err = LoadPCM(bogus)
	assert.Error(t, err)
}

func TestPCMRemix(t *testing.T) {
	var stereo = &PCM{SampleRate: 44100, Data: [][]float32{{1, 0.5}, {0, -0.5}}}

	var mono = stereo.Remix(1)
	require.Len(t, mono.Data, 1)
	assert.InDeltaSlice(t, []float32{0.5, 0}, mono.Data[0], 1e-7)
	assert.InDelta(t, 44100.0, mono.SampleRate, 0)

	assert.Same(t, stereo, stereo.Remix(2))

	var wide = mono.Remix(2)
	require.Len(t, wide.Data, 2)
	assert.Equal(t, mono.Data[0], wide.Data[1])
}

type blockRecorder struct {
	mu     sync.Mutex
	blocks [][][]float32
}

func (r *blockRecorder) process(channels [][]float32) {
	var copied = make([][]float32, len(channels))
	for ch, c := range channels {
		copied[ch] = append([]float32(nil), c...)
	}
	r.mu.Lock()
	r.blocks = append(r.blocks, copied)
	r.mu.Unlock()
}

func (r *blockRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

func TestFileSourcePlaysOnce(t *testing.T) {
	var data = make([]float32, 1000)
	for i := range data {
		data[i] = 1
	}
	var src = NewFileSource(&PCM{SampleRate: 48000, Data: [][]float32{data}}, 2, 256, false)
	assert.Equal(t, 2, src.Channels())
	assert.Equal(t, 256, src.Period())
	assert.InDelta(t, 48000.0, src.SampleRate(), 0)

	var rec blockRecorder
	require.NoError(t, src.Start(rec.process))

	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("file did not finish")
	}
	require.NoError(t, src.Close())

	require.Len(t, rec.blocks, 4)
	var last = rec.blocks[3]
	require.Len(t, last, 2)
	require.Len(t, last[1], 256)
	assert.Equal(t, float32(1), last[1][231])
	assert.Equal(t, float32(0), last[1][232], "tail is padded with silence")
}

func TestFileSourceLoops(t *testing.T) {
	var src = NewFileSource(&PCM{SampleRate: 48000, Data: [][]float32{make([]float32, 300)}}, 1, 256, true)

	var rec blockRecorder
	require.NoError(t, src.Start(rec.process))
	require.Eventually(t, func() bool { return rec.count() >= 6 }, 2*time.Second, time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case <-src.Done():
		t.Fatal("looping file reported done")
	default:
	}
}

func TestLoadPayload(t *testing.T) {
	var dir = t.TempDir()

	var good = filepath.Join(dir, "station.rds")
	require.NoError(t, os.WriteFile(good, []byte{0xde, 0xad}, 0o644))
	var payload, err = LoadPayload(good)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, payload)

	var empty = filepath.Join(dir, "empty.rds")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadPayload(empty)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = LoadPayload(filepath.Join(dir, "missing.rds"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewLogger(t *testing.T) {
	var logger, err = NewLogger(os.Stderr, "debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(os.Stderr, "chatty")
	assert.ErrorIs(t, err, ErrConfig)
}
