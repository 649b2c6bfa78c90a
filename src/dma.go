package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Direct digital FM synthesis with the clock generator and
 *		a DMA control block ring.
 *
 * Description:	General purpose clock 0 runs from PLLD through a
 *		fractional divider.  Writing a slightly different divider
 *		moves the carrier by a tiny fixed step, so a stream of
 *		divider writes is frequency modulation.
 *
 *		The DMA controller walks a circular chain of control
 *		blocks, four per audio sample:
 *
 *			0	write divider (value - 1) to CM_GP0DIV
 *			1	feed the PWM FIFO, paced by its DREQ  (dwell high)
 *			2	write divider (value + 1) to CM_GP0DIV
 *			3	feed the PWM FIFO again               (dwell low)
 *
 *		Splitting each sample between the two neighbouring
 *		dividers, and carrying the rounding error into the next
 *		sample, gives delta-sigma resolution well below one
 *		divider step.
 *
 *		The only clock the output side has is the DMA controller
 *		itself: Output waits whenever it is about to overwrite the
 *		group the controller is executing.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const (
	dividerEntries = 1024
	dividerCenter  = dividerEntries / 2

	cbSize        = 32
	cbPerSample   = 4
	sampleGroup   = cbPerSample * cbSize
	groupAddrMask = ^uint32(sampleGroup - 1)

	// Pacing words per second are pacingBaseHz times the ratio.  The
	// ratio was found by experiment and varies a little between boards.
	pacingBaseHz                = 22500.0
	DefaultClocksPerSampleRatio = 1373.5

	// Fixed cost, in pacing units, of the controller loading the next
	// block.  Fed back through the delta-sigma loop.
	pipelineLatency = 2.3

	DefaultPLLDHz          = 500e6
	DefaultDescriptors     = 32768
	DefaultModulationIndex = 8
)

// Control block layout.
const (
	cbTI        = 0x00
	cbSourceAD  = 0x04
	cbDestAD    = 0x08
	cbTxfrLen   = 0x0c
	cbStride    = 0x10
	cbNextConBK = 0x14
)

// Transfer information bits.
const (
	tiDestDREQ     = 1 << 6
	tiPermapPWM    = 5 << 16
	tiNoWideBursts = 1 << 26
)

var ErrLostSync = errors.New("dma controller is not inside the control block ring")

type DMAConfig struct {
	CarrierHz            float64
	PLLDHz               float64
	Descriptors          int
	ModulationIndex      float64
	ClocksPerSampleRatio float64

	// Rate is the initial transmit sample rate, Chunk the number of
	// samples handed to Output at once.  Together they set how long
	// Output sleeps while the ring is full.
	Rate  float64
	Chunk int
}

type txState int

const (
	txSetup txState = iota
	txRunning
	txClosed
)

// DMATransmitter owns the peripherals and the pinned memory for its
// whole life.  Output is called from a single goroutine; SetRate may be
// called from any goroutine.
type DMATransmitter struct {
	periph *Peripherals
	consts *PinnedMemory
	cbs    *PinnedMemory

	state    txState
	n        int
	slot     int
	modIndex float64
	pacingHz float64
	chunk    int

	fracErr float64
	timeErr float64

	rate  atomic.Uint64 // math.Float64bits of the sample rate
	sleep atomic.Int64  // time.Duration
}

/*------------------------------------------------------------------
 *
 * Name:	NewDMATransmitter
 *
 * Purpose:	Build the divider table and control block ring, program
 *		the clocks and PWM, and start the DMA controller.
 *
 * Inputs:	periph	- Mapped registers.  Ownership passes to the
 *			  transmitter, even on error.
 *
 *		alloc	- Source of pinned pages.
 *
 * Returns:	A running transmitter emitting the bare carrier.
 *
 *------------------------------------------------------------------*/

func NewDMATransmitter(periph *Peripherals, alloc Allocator, cfg DMAConfig) (*DMATransmitter, error) {
	if cfg.Descriptors <= 0 || cfg.Descriptors%cbPerSample != 0 {
		periph.Close()
		return nil, fmt.Errorf("%w: descriptor count %d is not a positive multiple of %d", ErrConfig, cfg.Descriptors, cbPerSample)
	}
	if cfg.PLLDHz == 0 {
		cfg.PLLDHz = DefaultPLLDHz
	}
	if cfg.ClocksPerSampleRatio == 0 {
		cfg.ClocksPerSampleRatio = DefaultClocksPerSampleRatio
	}
	if cfg.ModulationIndex == 0 {
		cfg.ModulationIndex = DefaultModulationIndex
	}

	var center = int(math.Round(cfg.PLLDHz / cfg.CarrierHz * (1 << 12)))
	if center-dividerCenter < 1<<12 || center+dividerCenter >= 1<<24 {
		periph.Close()
		return nil, fmt.Errorf("%w: carrier %.3f MHz is out of reach of the divider", ErrConfig, cfg.CarrierHz/1e6)
	}

	var t = &DMATransmitter{
		periph:   periph,
		n:        cfg.Descriptors,
		modIndex: cfg.ModulationIndex,
		pacingHz: pacingBaseHz * cfg.ClocksPerSampleRatio,
		chunk:    cfg.Chunk,
	}
	t.SetRate(cfg.Rate)

	var err error
	if t.consts, err = alloc(1); err != nil {
		t.Close()
		return nil, fmt.Errorf("divider table: %w", err)
	}
	if t.cbs, err = alloc((t.n*cbSize + pageSize - 1) / pageSize); err != nil {
		t.Close()
		return nil, fmt.Errorf("control blocks: %w", err)
	}

	// Consecutive entries differ by the smallest step the divider has.
	for i := 0; i < dividerEntries; i++ {
		t.consts.Store(i*4, cmPassword|uint32(center-dividerCenter+i))
	}

	var tableCenter = t.consts.BusAddr(dividerCenter * 4)
	for i := 0; i < t.n; i++ {
		var off = i * cbSize
		var ti uint32 = tiDestDREQ | tiPermapPWM | tiNoWideBursts
		var dest = pwmBus(pwmFIF1)
		var stride uint32
		if i%2 == 0 {
			ti = tiNoWideBursts
			dest = clockBus(cmGP0DIV)
			stride = 4
		}
		t.cbs.Store(off+cbTI, ti)
		t.cbs.Store(off+cbSourceAD, tableCenter)
		t.cbs.Store(off+cbDestAD, dest)
		t.cbs.Store(off+cbTxfrLen, 4)
		t.cbs.Store(off+cbStride, stride)
		t.cbs.Store(off+cbNextConBK, t.cbs.BusAddr(((i+1)%t.n)*cbSize))
	}

	t.start()
	return t, nil
}

func (t *DMATransmitter) start() {
	// GPIO 4 to ALT0, the GPCLK0 output.
	var fsel = t.periph.GPIO.Load(gpfsel0)
	fsel &^= 7 << 12
	fsel |= 4 << 12
	t.periph.GPIO.Store(gpfsel0, fsel)

	// GPCLK0 from PLLD with MASH 1.
	var clk = t.periph.Clock
	clk.Store(cmGP0CTL, cmPassword|1<<9|1<<4|6)

	// PWM clock: kill, set divider, enable.
	clk.Store(cmPWMCTL, cmPassword|0x26)
	time.Sleep(time.Millisecond)
	clk.Store(cmPWMDIV, cmPassword|0x2800)
	clk.Store(cmPWMCTL, cmPassword|0x16)
	time.Sleep(time.Millisecond)

	// PWM in serializer mode through the FIFO, with DMA requests on.
	var pwm = t.periph.PWM
	pwm.Store(pwmCTL, 0)
	time.Sleep(time.Millisecond)
	pwm.Store(pwmSTA, ^uint32(0))
	time.Sleep(time.Millisecond)
	pwm.Store(pwmCTL, ^uint32(0))
	time.Sleep(time.Millisecond)
	pwm.Store(pwmDMAC, 1<<31|0x0707)

	var dma = t.periph.DMA
	dma.Store(dmaCS, 1<<31)
	dma.Store(dmaCONBLKAD, 0)
	dma.Store(dmaTI, 0)
	dma.Store(dmaCONBLKAD, t.cbs.BusAddr(0))
	dma.Store(dmaCS, 1|255<<16)

	t.state = txRunning
}

// SetRate changes the nominal transmit sample rate.  Safe to call while
// Output is running.
func (t *DMATransmitter) SetRate(hz float64) {
	t.rate.Store(math.Float64bits(hz))
	t.sleep.Store(int64(float64(time.Second) * float64(t.chunk) / hz))
}

func (t *DMATransmitter) Rate() float64 {
	return math.Float64frombits(t.rate.Load())
}

// Slot is the control block index the next sample will be written to.
func (t *DMATransmitter) Slot() int {
	return t.slot
}

func (t *DMATransmitter) current() uint32 {
	return t.periph.DMA.Load(dmaCONBLKAD) & groupAddrMask
}

// Sync moves the write position to the sample group the controller is
// executing, so the first write lands a whole ring ahead of it.
func (t *DMATransmitter) Sync() error {
	var pos = t.current()
	for slot := 0; slot < t.n; slot += cbPerSample {
		if t.cbs.BusAddr(slot*cbSize) == pos {
			t.slot = slot
			return nil
		}
	}
	return fmt.Errorf("%w: at %#x", ErrLostSync, pos)
}

/*------------------------------------------------------------------
 *
 * Name:	Output
 *
 * Purpose:	Turn composite samples into divider writes and dwell
 *		times.
 *
 * Inputs:	samples	- Composite baseband, nominally -1 .. +1.
 *
 * Description:	Blocks while the ring is full, which is what paces the
 *		whole output side.
 *
 *------------------------------------------------------------------*/

func (t *DMATransmitter) Output(samples []float32) {
	var cps = t.pacingHz / t.Rate()
	var sleep = time.Duration(t.sleep.Load())
	var table = int(t.consts.BusAddr(dividerCenter * 4))

	for _, s := range samples {
		var v = float64(s)*t.modIndex + t.fracErr
		var intval = int(math.Round(v))
		var frac = (v - float64(intval) + 1) / 2
		var fracval = math.Round(frac * cps)

		// If one sample ran long the next one is shorter.
		t.timeErr = t.timeErr - math.Floor(t.timeErr) + cps

		t.fracErr = 2 * (frac - fracval*(1-pipelineLatency/cps)/cps)

		// Keep both neighbours inside the table.
		if intval < 1-dividerCenter {
			intval = 1 - dividerCenter
		} else if intval > dividerCenter-2 {
			intval = dividerCenter - 2
		}

		var group = t.cbs.BusAddr(t.slot * cbSize)
		for t.current() == group {
			time.Sleep(sleep)
		}

		var base = t.slot * cbSize
		t.cbs.Store(base+cbSourceAD, uint32(table+intval*4-4))
		t.cbs.Store(base+cbSize+cbTxfrLen, uint32(int(math.Floor(t.timeErr))-int(fracval)))
		t.cbs.Store(base+2*cbSize+cbSourceAD, uint32(table+intval*4+4))
		t.cbs.Store(base+3*cbSize+cbTxfrLen, uint32(fracval))

		t.slot = (t.slot + cbPerSample) % t.n
	}
}

// Close resets the DMA controller, stops the carrier and releases the
// memory and mappings.  Calling it again does nothing.
func (t *DMATransmitter) Close() error {
	if t.state == txClosed {
		return nil
	}

	if t.state == txRunning {
		t.periph.DMA.Store(dmaCS, 1<<31)
		t.periph.Clock.Store(cmGP0CTL, cmPassword|1<<9|6)
		t.periph.PWM.Store(pwmCTL, 0)
	}
	t.state = txClosed

	var errs []error
	if t.cbs != nil {
		errs = append(errs, t.cbs.Close())
	}
	if t.consts != nil {
		errs = append(errs, t.consts.Close())
	}
	errs = append(errs, t.periph.Close())

	return errors.Join(errs...)
}
