package pifm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPipelineMonoPassthrough(t *testing.T) {
	var cfg = Default()
	cfg.NoPreemphasis = true

	var p, err = BuildPipeline(cfg, 48000, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Channels())

	var in = []float32{0.1, -0.2, 0.3}
	assert.Equal(t, in, p.Run([][]float32{in}))
}

func TestBuildPipelineFull(t *testing.T) {
	var cfg = Default()
	cfg.Stereo = true
	cfg.Resample = true

	var p, err = BuildPipeline(cfg, 48000, []byte{0x12, 0x34})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Channels())

	var left = make([]float32, 480)
	var right = make([]float32, 480)
	for i := range left {
		left[i] = 0.5
		right[i] = -0.5
	}

	var out = p.Run([][]float32{left, right})
	assert.InDelta(t, 480*152000/48000, len(out), 1)

	// Input is left alone.
	assert.Equal(t, float32(0.5), left[479])
	assert.Equal(t, float32(-0.5), right[0])
}

func TestBuildPipelineStages(t *testing.T) {
	var cfg = Default()
	cfg.Resample = true

	var p, err = BuildPipeline(cfg, 44100, nil)
	require.NoError(t, err)
	require.Len(t, p.channels[0], 2)
	assert.IsType(t, &Preemphasis{}, p.channels[0][0])
	assert.IsType(t, &Resampler{}, p.channels[0][1])
	assert.Nil(t, p.mux)
	assert.Empty(t, p.post)
}

func TestBuildPipelineEmptyPayload(t *testing.T) {
	var cfg = Default()
	cfg.Resample = true

	var _, err = BuildPipeline(cfg, 48000, []byte{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestNewPipelineChannelCount(t *testing.T) {
	var _, err = NewPipeline([][]MonoStage{nil}, NewStereoMux(), nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewPipeline([][]MonoStage{nil, nil}, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)
}
