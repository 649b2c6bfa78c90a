// Package pifm turns a Raspberry Pi into a low power FM broadcast
// transmitter, driving the clock generator from a DMA control block ring.
package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Main program for the transmitter.
 *
 * Description:	Start-up order is configuration, data payload, audio
 *		source, DSP cascade, transmitter, engine, rate
 *		controller.  Teardown runs the other way round, and is
 *		the same whether we stop because of a signal, a fatal
 *		audio error or the end of an input file.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

type cliOptions struct {
	help      bool
	version   bool
	statsview string
}

/*------------------------------------------------------------------
 *
 * Name:	parseArgs
 *
 * Purpose:	Build the configuration from an optional file and the
 *		command line.
 *
 * Description:	Only options actually given on the command line
 *		override the file.  A single positional argument is
 *		taken as the carrier frequency.
 *
 *------------------------------------------------------------------*/

func parseArgs(args []string, stderr io.Writer) (*Config, *cliOptions, error) {
	var fs = pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false

	var d = Default()
	var freq = d.Frequency
	fs.VarP(&freq, "frequency", "f", "Carrier frequency, in MHz unless a unit is given.")
	var stereo = fs.BoolP("stereo", "s", false, "Transmit in stereo.  Needs --resamp.")
	var rds = fs.StringP("rds", "R", "", "Send this file of data subcarrier groups, repeating forever.  Needs --resamp.")
	var noPreemp = fs.BoolP("no-preemp", "e", false, "Disable pre-emphasis.")
	var reflowTime = fs.IntP("reflow-time", "t", int(d.Controller.ReflowTime.Seconds()), "Time between reflows, in seconds.")
	var calibration = fs.Int("calibration-reflows", d.Controller.CalibrationCycles, "Number of controller cycles in the calibration phase.")
	var resamp = fs.BoolP("resamp", "r", false, "Resample to 152 kHz before transmitting.")
	var period = fs.IntP("period", "p", d.Period, "Samples handed to the transmitter at once.")
	var ringSize = fs.Int("ringsize", d.RingSize, "Ring buffer capacity, in samples.")
	var quality = fs.Int("resamp-quality", d.ResampleQuality, "Resampler taps.")
	var squality = fs.Int("resamp-squality", d.ResampleSQuality, "Resampler phases.")
	var policy = fs.String("policy", d.Controller.Policy, "Rate control policy, reflow or pi.")
	var input = fs.StringP("input", "i", "", "Play this WAV or MP3 file instead of capturing live audio.")
	var loop = fs.Bool("loop", false, "With --input, start over at the end of the file.")
	var device = fs.StringP("device", "d", "", "Audio capture device name.  Default input if empty.")
	var dryRun = fs.String("dry-run", "", "Write the composite signal to this WAV file instead of transmitting.")
	var cps = fs.Float64P("clocks-per-sample", "C", d.ClocksPerSampleRatio, "Pacing clock ratio, for calibrating the carrier deviation.")
	var configPath = fs.StringP("config", "c", "", "YAML configuration file.")
	var logLevel = fs.String("log-level", d.Log.Level, "Log level: debug, info, warn or error.")

	var opts cliOptions
	fs.StringVar(&opts.statsview, "statsview", "", "Serve runtime statistics charts on this address, e.g. localhost:12600.")
	fs.BoolVarP(&opts.version, "version", "v", false, "Print version and exit.")
	fs.BoolVarP(&opts.help, "help", "h", false, "Display help text.")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s - FM transmitter using the Raspberry Pi clock generator.\n\n", args[0])
		fmt.Fprintf(stderr, "Usage: %s [options] [frequency]\n\n", args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, nil, err
	}
	if opts.help {
		fs.Usage()
		return nil, &opts, nil
	}
	if opts.version {
		return nil, &opts, nil
	}

	var cfg = d
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfig(*configPath); err != nil {
			return nil, nil, err
		}
	}

	switch fs.NArg() {
	case 0:
	case 1:
		if err := freq.Set(fs.Arg(0)); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		cfg.Frequency = freq
	default:
		return nil, nil, fmt.Errorf("%w: unexpected arguments %q", ErrConfig, fs.Args()[1:])
	}

	var set = func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("frequency", func() { cfg.Frequency = freq })
	set("stereo", func() { cfg.Stereo = *stereo })
	set("rds", func() { cfg.RDSFile = *rds })
	set("no-preemp", func() { cfg.NoPreemphasis = *noPreemp })
	set("reflow-time", func() { cfg.Controller.ReflowTime = time.Duration(*reflowTime) * time.Second })
	set("calibration-reflows", func() { cfg.Controller.CalibrationCycles = *calibration })
	set("resamp", func() { cfg.Resample = *resamp })
	set("period", func() { cfg.Period = *period })
	set("ringsize", func() { cfg.RingSize = *ringSize })
	set("resamp-quality", func() { cfg.ResampleQuality = *quality })
	set("resamp-squality", func() { cfg.ResampleSQuality = *squality })
	set("policy", func() { cfg.Controller.Policy = *policy })
	set("input", func() {
		cfg.Audio.Source = SourceFile
		cfg.Audio.File = *input
	})
	set("loop", func() { cfg.Audio.Loop = *loop })
	set("device", func() { cfg.Audio.Device = *device })
	set("dry-run", func() { cfg.DryRun = *dryRun })
	set("clocks-per-sample", func() { cfg.ClocksPerSampleRatio = *cps })
	set("log-level", func() { cfg.Log.Level = *logLevel })

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, &opts, nil
}

// Main runs the transmitter until it is told to stop.  The return value
// is the process exit status.
func Main(args []string) int {
	var cfg, opts, err = parseArgs(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 2
	}
	if opts.version {
		PrintVersion(os.Stdout, false)
		return 0
	}
	if opts.help {
		return 0
	}

	var logger, logErr = NewLogger(os.Stderr, cfg.Log.Level)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "%s\n", logErr)
		return 2
	}

	if opts.statsview != "" {
		LaunchStatsview(opts.statsview, logger)
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Stopped", "err", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *Config, logger *log.Logger) error {
	var payload []byte
	if cfg.RDSFile != "" {
		var err error
		if payload, err = LoadPayload(cfg.RDSFile); err != nil {
			return err
		}
	}

	var channels = 1
	if cfg.Stereo {
		channels = 2
	}

	var src, err = openSource(cfg, channels)
	if err != nil {
		return err
	}
	defer src.Close()

	var pipeline, pipeErr = BuildPipeline(cfg, src.SampleRate(), payload)
	if pipeErr != nil {
		return pipeErr
	}

	var txRate = cfg.OutputRate(src.SampleRate())
	var tx, pin, txErr = openTransmitter(cfg, txRate, logger)
	if txErr != nil {
		return txErr
	}
	defer pin.Close()

	var engine, engErr = NewEngine(EngineConfig{
		RingSize:        cfg.RingSize,
		Delay:           cfg.EffectiveDelay(),
		Chunk:           cfg.Period,
		Period:          src.Period(),
		Channels:        src.Channels(),
		TimestampFormat: cfg.Log.TimestampFormat,
	}, pipeline, tx, logger)
	if engErr != nil {
		tx.Close()
		return engErr
	}

	logger.Info("Transmitting",
		"carrier", cfg.Frequency,
		"rate", txRate,
		"period", cfg.Period,
		"stereo", cfg.Stereo,
		"data", payload != nil)
	ComputeLatency(cfg.Descriptors, cfg.EffectiveDelay(), cfg.RingSize, src.SampleRate(), txRate).Log(logger)

	engine.Start()
	if err := src.Start(engine.Process); err != nil {
		engine.Stop()
		return err
	}

	var ctlCtx, ctlCancel = context.WithCancel(ctx)
	var ctlDone sync.WaitGroup
	ctlDone.Add(1)
	go func() {
		defer ctlDone.Done()
		engine.RunController(ctlCtx, newRateController(cfg, txRate), cfg.Controller.CalibrationCycles)
	}()

	var finished <-chan struct{}
	if fs, ok := src.(*FileSource); ok {
		finished = fs.Done()
	}

	var result error
	select {
	case <-ctx.Done():
		logger.Info("Signal received, shutting down")
	case result = <-engine.Err():
	case <-finished:
		logger.Info("End of input file")
	}

	ctlCancel()
	ctlDone.Wait()
	src.Close()

	if err := engine.Stop(); err != nil && result == nil {
		result = err
	}

	var stats = engine.Stats()
	logger.Info("Done", "dropped_blocks", stats.Dropped, "underruns", stats.Underruns, "samples", stats.Read)

	return result
}

func openSource(cfg *Config, channels int) (AudioSource, error) {
	if cfg.Audio.Source == SourceFile {
		var pcm, err = LoadPCM(cfg.Audio.File)
		if err != nil {
			return nil, err
		}
		return NewFileSource(pcm, channels, cfg.Audio.Period, cfg.Audio.Loop), nil
	}
	return NewPortAudioSource(cfg.Audio.Device, channels, cfg.Audio.SampleRate, cfg.Audio.Period)
}

/*------------------------------------------------------------------
 *
 * Name:	openTransmitter
 *
 * Purpose:	Set up the radio, or the WAV file standing in for it.
 *
 * Returns:	The transmitter and the claim on the output pin, which
 *		must be released after the transmitter is closed.  The
 *		claim is nil for a dry run; Close on nil is fine.
 *
 *------------------------------------------------------------------*/

func openTransmitter(cfg *Config, rate float64, logger *log.Logger) (Transmitter, *PinClaim, error) {
	if cfg.DryRun != "" {
		logger.Info("Dry run, no hardware used", "output", cfg.DryRun)
		var tx, err = NewWAVTransmitter(cfg.DryRun, rate)
		return tx, nil, err
	}

	var base = cfg.PeripheralBase
	if base == 0 {
		var err error
		if base, err = DetectPeripheralBase(); err != nil {
			logger.Warn("Cannot detect peripheral base, assuming Pi 1", "base", fmt.Sprintf("%#x", base), "err", err)
		}
	}

	var pin, err = ClaimOutputPin(cfg.GPIO.Chip)
	if err != nil {
		return nil, nil, err
	}

	var periph, mapErr = MapPeripherals(base)
	if mapErr != nil {
		pin.Close()
		return nil, nil, mapErr
	}

	var tx, txErr = NewDMATransmitter(periph, PinnedAllocator(cfg.BusAlias), DMAConfig{
		CarrierHz:            cfg.Frequency.Hz(),
		PLLDHz:               cfg.PLLDHz,
		Descriptors:          cfg.Descriptors,
		ModulationIndex:      cfg.ModulationIndex,
		ClocksPerSampleRatio: cfg.ClocksPerSampleRatio,
		Rate:                 rate,
		Chunk:                cfg.Period,
	})
	if txErr != nil {
		pin.Close()
		return nil, nil, txErr
	}
	return tx, pin, nil
}

func newRateController(cfg *Config, nominal float64) RateController {
	var cc = cfg.Controller
	if cc.Policy == PolicyPI {
		return NewPIController(PIControllerConfig{
			Nominal:      nominal,
			Interval:     cc.Interval,
			SmoothSize:   cc.SmoothSize,
			CatchFactor:  cc.CatchFactor,
			CatchFactor2: cc.CatchFactor2,
			PClamp:       cc.PClamp,
			ControlQuant: cc.ControlQuant,
			MinFactor:    cc.MinResampleFactor,
			MaxFactor:    cc.MaxResampleFactor,
		})
	}
	return NewReflowController(nominal, cc.ReflowTime)
}
