package pifm

import "fmt"

// MonoStage transforms one channel block.  The returned slice may be the
// input modified in place or a buffer owned by the stage; either way it is
// only valid until the next call.
type MonoStage interface {
	Process(block []float32) []float32
}

/*------------------------------------------------------------------
 *
 * Name:	Pipeline
 *
 * Purpose:	The fixed DSP cascade from audio blocks to composite.
 *
 * Description:	Each input channel runs through its own stages
 *		(pre-emphasis, then rate conversion).  Two channels are
 *		then joined by the stereo multiplexer.  The post stages
 *		(data subcarrier) see the single composite channel.
 *
 *------------------------------------------------------------------*/

type Pipeline struct {
	channels [][]MonoStage
	mux      *StereoMux
	post     []MonoStage

	scratch [][]float32
	results [][]float32
	muxOut  []float32
}

// NewPipeline assembles a cascade.  With a mux there must be exactly two
// channels, without one exactly one.
func NewPipeline(channels [][]MonoStage, mux *StereoMux, post []MonoStage) (*Pipeline, error) {
	var want = 1
	if mux != nil {
		want = 2
	}
	if len(channels) != want {
		return nil, fmt.Errorf("%w: pipeline with %d channel chains, need %d", ErrConfig, len(channels), want)
	}
	return &Pipeline{
		channels: channels,
		mux:      mux,
		post:     post,
		scratch:  make([][]float32, len(channels)),
		results:  make([][]float32, len(channels)),
	}, nil
}

/*------------------------------------------------------------------
 *
 * Name:	BuildPipeline
 *
 * Purpose:	Build the cascade described by the configuration.
 *
 * Inputs:	cfg		- Stereo, preemphasis and resampling settings.
 *
 *		sourceRate	- Audio sample rate negotiated with the source.
 *
 *		payload		- Data subcarrier payload, nil for none.
 *
 *------------------------------------------------------------------*/

func BuildPipeline(cfg *Config, sourceRate float64, payload []byte) (*Pipeline, error) {
	var n = 1
	var mux *StereoMux
	if cfg.Stereo {
		n = 2
		mux = NewStereoMux()
	}

	var channels = make([][]MonoStage, n)
	for ch := range channels {
		if !cfg.NoPreemphasis {
			channels[ch] = append(channels[ch], NewPreemphasis(sourceRate))
		}
		if cfg.Resample {
			var r, err = NewResampler(sourceRate/cfg.TransmitRate, cfg.ResampleQuality, cfg.ResampleSQuality)
			if err != nil {
				return nil, err
			}
			channels[ch] = append(channels[ch], r)
		}
	}

	var post []MonoStage
	if payload != nil {
		var enc, err = NewDataEncoder(payload)
		if err != nil {
			return nil, err
		}
		post = append(post, enc)
	}

	return NewPipeline(channels, mux, post)
}

// Channels is the number of audio channels Run expects.
func (p *Pipeline) Channels() int {
	return len(p.channels)
}

// Run turns one block per channel into composite samples.  The input is
// not modified.  The result is valid until the next call.
func (p *Pipeline) Run(in [][]float32) []float32 {
	for ch, stages := range p.channels {
		p.scratch[ch] = append(p.scratch[ch][:0], in[ch]...)
		var block = p.scratch[ch]
		for _, s := range stages {
			block = s.Process(block)
		}
		p.results[ch] = block
	}

	var out = p.results[0]
	if p.mux != nil {
		p.muxOut = p.mux.Process(p.muxOut, p.results[0], p.results[1])
		out = p.muxOut
	}

	for _, s := range p.post {
		out = s.Process(out)
	}
	return out
}
