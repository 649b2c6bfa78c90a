package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Keep the transmit rate locked to the audio source.
 *
 * Description:	The audio source and the DMA pacing run from two
 *		unrelated crystals.  Whatever rate we program, one of
 *		them runs a little faster, and the ring slowly fills or
 *		drains.  A controller looks at the ring at regular
 *		intervals and nudges the rate the transmitter thinks it
 *		is running at.
 *
 *		A positive occupancy offset means the consumer is too
 *		slow, so every policy answers it with a higher rate.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"math"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Measurement is what a controller gets to see each cycle.
type Measurement struct {
	Occupancy int // samples in the ring now
	Delay     int // target occupancy

	// Samples offered to and taken from the ring since the previous cycle.
	In  uint64
	Out uint64

	Rate float64 // rate currently programmed
}

func (m Measurement) Offset() int {
	return m.Occupancy - m.Delay
}

type RateController interface {
	Name() string
	Interval() time.Duration

	// Update returns the rate to program next.
	Update(m Measurement) float64

	// Reset forgets short term history, keeping the long term estimate.
	Reset()
}

/*------------------------------------------------------------------
 *
 * Name:	PIController
 *
 * Purpose:	Continuous proportional-integral control, in the manner
 *		of alsa_out.
 *
 * Description:	Offsets are smoothed with a Hann window.  The smoothed
 *		offset is integrated; it also drives the proportional
 *		term once it leaves a small dead zone.  The factor is
 *		quantized around a slow running mean so that tiny
 *		corrections do not dither the rate, and clamped.
 *
 *------------------------------------------------------------------*/

type PIControllerConfig struct {
	Nominal      float64
	Interval     time.Duration
	SmoothSize   int
	CatchFactor  float64
	CatchFactor2 float64
	PClamp       float64
	ControlQuant float64
	MinFactor    float64
	MaxFactor    float64
}

type PIController struct {
	cfg PIControllerConfig

	window  []float64
	offsets []float64
	next    int

	integral float64
	mean     float64
	factor   float64
}

func NewPIController(cfg PIControllerConfig) *PIController {
	var c = &PIController{
		cfg:     cfg,
		window:  make([]float64, cfg.SmoothSize),
		offsets: make([]float64, cfg.SmoothSize),
		mean:    1,
		factor:  1,
	}
	for i := range c.window {
		c.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(cfg.SmoothSize-1)))
	}
	return c
}

func (c *PIController) Name() string {
	return PolicyPI
}

func (c *PIController) Interval() time.Duration {
	return c.cfg.Interval
}

func (c *PIController) Integral() float64 {
	return c.integral
}

// Factor is the last rate multiplier returned, relative to nominal.
func (c *PIController) Factor() float64 {
	return c.factor
}

func (c *PIController) Update(m Measurement) float64 {
	c.offsets[c.next] = float64(m.Offset())
	c.next = (c.next + 1) % len(c.offsets)

	var smooth float64
	for i, w := range c.window {
		smooth += w * c.offsets[(c.next+i)%len(c.offsets)]
	}
	smooth /= float64(len(c.window))

	c.integral += smooth

	if math.Abs(smooth) < c.cfg.PClamp {
		smooth = 0
	}

	var catch, catch2 = c.cfg.CatchFactor, c.cfg.CatchFactor2
	var f = 1 + smooth/catch + c.integral/(catch*catch2)

	f = math.Floor((f-c.mean)*c.cfg.ControlQuant+0.5)/c.cfg.ControlQuant + c.mean
	f = max(c.cfg.MinFactor, min(c.cfg.MaxFactor, f))

	c.mean = 0.9999*c.mean + 0.0001*f
	c.factor = f

	return c.cfg.Nominal * f
}

// Reset clears the smoothing window and seeds the integral so that the
// next output continues from the tracked mean.
func (c *PIController) Reset() {
	clear(c.offsets)
	c.next = 0
	c.integral = (c.mean - 1) * c.cfg.CatchFactor * c.cfg.CatchFactor2
}

/*------------------------------------------------------------------
 *
 * Name:	ReflowController
 *
 * Purpose:	Periodic correction from measured throughput.
 *
 * Description:	Every interval the real output rate is estimated from
 *		how many samples went out against how many came in.
 *		Half of the error is folded into the setting, and a
 *		small proportional nudge pulls the ring back toward the
 *		target occupancy over one interval.
 *
 *------------------------------------------------------------------*/

type ReflowController struct {
	nominal  float64
	set      float64
	real     float64
	interval time.Duration
}

func NewReflowController(nominal float64, interval time.Duration) *ReflowController {
	return &ReflowController{nominal: nominal, set: nominal, real: nominal, interval: interval}
}

func (c *ReflowController) Name() string {
	return PolicyReflow
}

func (c *ReflowController) Interval() time.Duration {
	return c.interval
}

// Real is the output rate measured in the last cycle.
func (c *ReflowController) Real() float64 {
	return c.real
}

func (c *ReflowController) Update(m Measurement) float64 {
	// Nothing in or nothing out says nothing about the real rate.
	if m.In == 0 || m.Out == 0 {
		return m.Rate
	}

	c.real = c.nominal * float64(m.Out) / float64(m.In)
	c.set += (c.nominal - c.real) / 2

	return c.set + 0.25*float64(m.Offset())/c.interval.Seconds()
}

// Reset keeps the learned setting; there is no short term state.
func (c *ReflowController) Reset() {}

/*------------------------------------------------------------------
 *
 * Name:	RunController
 *
 * Purpose:	Drive a rate controller until ctx is done.
 *
 * Inputs:	calibrationCycles - Number of cycles during which ring
 *				    overruns and underruns are not reported.
 *
 * Description:	Cycles are skipped until the output worker has
 *		started.  Each cycle takes a snapshot of the ring and the
 *		throughput counters, and resets the counters.
 *
 *------------------------------------------------------------------*/

func (e *Engine) RunController(ctx context.Context, rc RateController, calibrationCycles int) {
	var stamp *strftime.Strftime
	if e.cfg.TimestampFormat != "" {
		stamp, _ = strftime.New(e.cfg.TimestampFormat)
	}

	var ticker = time.NewTicker(rc.Interval())
	defer ticker.Stop()

	rc.Reset()
	if calibrationCycles > 0 {
		e.logger.Info("Starting calibration", "policy", rc.Name(), "cycles", calibrationCycles, "interval", rc.Interval())
	} else {
		e.setCalibrated()
	}

	var cycles int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.WorkerStarted() {
			continue
		}

		var m = e.measure()
		var rate = rc.Update(m)
		e.tx.SetRate(rate)
		e.logStatus(rc, m, rate, stamp)

		cycles++
		if cycles == calibrationCycles {
			e.logger.Info("Calibration finished")
			e.setCalibrated()
			rc.Reset()
		}
	}
}
