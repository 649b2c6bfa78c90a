package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Offline rendering of the baseband composite.
 *
 * Description:	Runs an audio file through the same DSP cascade the
 *		transmitter uses and writes the result as a WAV file,
 *		as fast as the machine allows.  Useful for looking at
 *		the stereo pilot or data subcarrier in an audio editor
 *		without a Pi.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Render writes the composite of the audio file in to the WAV file out.
// It returns the number of composite samples written.
func Render(cfg *Config, in, out string, payload []byte) (int, error) {
	var pcm, err = LoadPCM(in)
	if err != nil {
		return 0, err
	}

	var channels = 1
	if cfg.Stereo {
		channels = 2
	}
	pcm = pcm.Remix(channels)

	var pipeline, pipeErr = BuildPipeline(cfg, pcm.SampleRate, payload)
	if pipeErr != nil {
		return 0, pipeErr
	}

	var rec, recErr = NewWAVRecorder(out, cfg.OutputRate(pcm.SampleRate))
	if recErr != nil {
		return 0, recErr
	}

	var written int
	var block = make([][]float32, channels)
	for pos := 0; pos < pcm.Frames(); pos += cfg.Period {
		var end = min(pos+cfg.Period, pcm.Frames())
		for ch := range block {
			block[ch] = pcm.Data[ch][pos:end]
		}
		var composite = pipeline.Run(block)
		rec.Output(composite)
		written += len(composite)
	}

	if err := rec.Close(); err != nil {
		return written, err
	}
	return written, nil
}

// RenderMain is the entry point of the pifm-render command.
func RenderMain(args []string) int {
	var fs = pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.SortFlags = false

	var stereo = fs.BoolP("stereo", "s", false, "Render in stereo.  Implies --resamp.")
	var rds = fs.StringP("rds", "R", "", "Add the data subcarrier carrying this file.  Implies --resamp.")
	var noPreemp = fs.BoolP("no-preemp", "e", false, "Disable pre-emphasis.")
	var resamp = fs.BoolP("resamp", "r", false, "Resample to 152 kHz.")
	var configPath = fs.StringP("config", "c", "", "YAML configuration file.")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - render the FM baseband composite of an audio file.\n\n", args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s [options] input.{wav,mp3} output.wav\n\n", args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 2
	}

	var cfg = Default()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return 1
		}
	}
	if fs.Changed("stereo") {
		cfg.Stereo = *stereo
	}
	if fs.Changed("rds") {
		cfg.RDSFile = *rds
	}
	if fs.Changed("no-preemp") {
		cfg.NoPreemphasis = *noPreemp
	}
	if fs.Changed("resamp") {
		cfg.Resample = *resamp
	}
	if cfg.Stereo || cfg.RDSFile != "" {
		cfg.Resample = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 2
	}

	var logger, _ = NewLogger(os.Stderr, cfg.Log.Level)

	var payload []byte
	if cfg.RDSFile != "" {
		var err error
		if payload, err = LoadPayload(cfg.RDSFile); err != nil {
			logger.Error("Cannot load data payload", "err", err)
			return 1
		}
	}

	var n, err = Render(cfg, fs.Arg(0), fs.Arg(1), payload)
	if err != nil {
		logger.Error("Render failed", "err", err)
		return 1
	}
	logger.Info("Rendered", "output", fs.Arg(1), "samples", n)
	return 0
}
