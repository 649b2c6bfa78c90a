package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Move audio from the source callback to the transmitter.
 *
 * Description:	Three goroutines take part and no more:
 *
 *		  - The audio source calls Process once per period.  It
 *		    runs the DSP cascade and appends to the ring.  It must
 *		    never wait for the transmitter.
 *
 *		  - The worker drains fixed size chunks from the ring into
 *		    the transmitter, which blocks it at the pace of the
 *		    hardware.  It is started once, when the ring first
 *		    holds the target delay.
 *
 *		  - The rate controller, see RunController.
 *
 *		One mutex guards the ring, the flags and the counters.
 *		It is never held while the transmitter runs.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	ErrPeriodChanged   = errors.New("audio period changed")
	ErrChannelsChanged = errors.New("audio channel count changed")
)

// Transmitter consumes composite samples at its own pace.
type Transmitter interface {
	// Sync is called once by the worker before the first Output.
	Sync() error

	// Output blocks until all samples have been queued.
	Output(samples []float32)

	SetRate(hz float64)
	Rate() float64
	Close() error
}

type EngineConfig struct {
	RingSize int
	Delay    int // ring occupancy at which output starts
	Chunk    int // samples per transmitter call

	// Set once the source has negotiated them.
	Period   int
	Channels int

	TimestampFormat string
}

type EngineStats struct {
	Dropped   uint64 // blocks lost to a full ring
	Underruns uint64 // chunks repeated because the ring was short
	Written   uint64 // samples stored in the ring
	Read      uint64 // samples taken from the ring
}

type Engine struct {
	cfg      EngineConfig
	pipeline *Pipeline
	tx       Transmitter
	logger   *log.Logger

	mu         sync.Mutex
	ring       *ring
	running    bool
	started    bool
	calibrated bool
	in, out    uint64
	stats      EngineStats

	wg      sync.WaitGroup
	errOnce sync.Once
	errc    chan error
	stopped bool
}

func NewEngine(cfg EngineConfig, pipeline *Pipeline, tx Transmitter, logger *log.Logger) (*Engine, error) {
	if cfg.Chunk < 1 || cfg.RingSize < 2*cfg.Chunk+1 {
		return nil, fmt.Errorf("%w: ring of %d cannot hold two chunks of %d", ErrConfig, cfg.RingSize, cfg.Chunk)
	}
	if cfg.Delay < cfg.Chunk || cfg.Delay >= cfg.RingSize {
		return nil, fmt.Errorf("%w: delay %d outside [%d, %d)", ErrConfig, cfg.Delay, cfg.Chunk, cfg.RingSize)
	}
	if cfg.Channels == 0 {
		cfg.Channels = pipeline.Channels()
	}
	if cfg.Channels != pipeline.Channels() {
		return nil, fmt.Errorf("%w: %d audio channels for a %d channel pipeline", ErrConfig, cfg.Channels, pipeline.Channels())
	}

	return &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		tx:       tx,
		logger:   logger,
		ring:     newRing(cfg.RingSize),
		errc:     make(chan error, 1),
	}, nil
}

// Start accepts audio.  The worker follows once the ring has filled.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
}

// Stop halts the worker, waits for it and closes the transmitter.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.running = false
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.wg.Wait()
	return e.tx.Close()
}

// Err delivers the first fatal condition seen by Process.
func (e *Engine) Err() <-chan error {
	return e.errc
}

func (e *Engine) fail(err error) {
	e.errOnce.Do(func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.errc <- err
	})
}

func (e *Engine) WorkerStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Engine) Occupancy() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.occupied()
}

func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) setCalibrated() {
	e.mu.Lock()
	e.calibrated = true
	e.mu.Unlock()
}

// measure snapshots the ring and resets the throughput counters.
func (e *Engine) measure() Measurement {
	e.mu.Lock()
	var m = Measurement{
		Occupancy: e.ring.occupied(),
		Delay:     e.cfg.Delay,
		In:        e.in,
		Out:       e.out,
	}
	e.in, e.out = 0, 0
	e.mu.Unlock()

	m.Rate = e.tx.Rate()
	return m
}

/*------------------------------------------------------------------
 *
 * Name:	Process
 *
 * Purpose:	Audio source callback.
 *
 * Inputs:	channels	- One block per channel, all one period long.
 *
 * Description:	A block that does not fit in the ring is dropped
 *		whole.  A change of period or channel count is fatal
 *		and reported on Err.
 *
 *------------------------------------------------------------------*/

func (e *Engine) Process(channels [][]float32) {
	if len(channels) != e.cfg.Channels {
		e.fail(fmt.Errorf("%w: got %d, want %d", ErrChannelsChanged, len(channels), e.cfg.Channels))
		return
	}
	for _, c := range channels {
		if e.cfg.Period != 0 && len(c) != e.cfg.Period {
			e.fail(fmt.Errorf("%w: got %d frames, want %d", ErrPeriodChanged, len(c), e.cfg.Period))
			return
		}
	}

	var samples = e.pipeline.Run(channels)

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	var ok = e.ring.write(samples)
	e.in += uint64(len(samples))
	var warn bool
	if ok {
		e.stats.Written += uint64(len(samples))
		if !e.started && e.ring.occupied() >= e.cfg.Delay {
			e.started = true
			e.wg.Add(1)
			go e.work()
		}
	} else {
		e.stats.Dropped++
		warn = e.calibrated
	}
	var occupancy = e.ring.occupied()
	e.mu.Unlock()

	if warn {
		e.logger.Warn("Ring buffer overrun, block dropped", "samples", len(samples), "occupancy", occupancy)
	}
}

// work feeds the transmitter until the engine stops.
func (e *Engine) work() {
	defer e.wg.Done()

	if err := e.tx.Sync(); err != nil {
		e.logger.Warn("Transmitter sync", "err", err)
	}

	var chunk = make([]float32, e.cfg.Chunk)
	for {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		var ok = e.ring.read(chunk)
		e.out += uint64(len(chunk))
		var warn bool
		if ok {
			e.stats.Read += uint64(len(chunk))
		} else {
			e.stats.Underruns++
			warn = e.calibrated
		}
		e.mu.Unlock()

		if warn {
			e.logger.Warn("Ring buffer underrun, repeating chunk", "samples", len(chunk))
		}

		e.tx.Output(chunk)
	}
}
