package pifm

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransmitter(t *testing.T, descriptors int) (*DMATransmitter, *fakeHardware) {
	t.Helper()
	var h = newFakeHardware(t)
	var tx, err = NewDMATransmitter(h.periph, h.alloc, DMAConfig{
		CarrierHz:   103.3e6,
		Descriptors: descriptors,
		Rate:        152000,
		Chunk:       1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })
	return tx, h
}

func TestDMADividerTable(t *testing.T) {
	var tx, _ = newTestTransmitter(t, 256)

	var center = uint32(math.Round(500e6 / 103.3e6 * 4096))
	assert.Equal(t, uint32(cmPassword)|(center-512), tx.consts.Load(0))
	assert.Equal(t, uint32(cmPassword)|center, tx.consts.Load(512*4))
	assert.Equal(t, uint32(cmPassword)|(center+511), tx.consts.Load(1023*4))
}

func TestDMAControlBlockRing(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)

	// 256 blocks of 32 bytes span two pages.
	require.Len(t, h.allocated, 2)
	assert.Equal(t, 2*pageSize, tx.cbs.Len())

	for i := 0; i < 256; i++ {
		var off = i * cbSize
		var next = tx.cbs.Load(off + cbNextConBK)
		assert.Equal(t, tx.cbs.BusAddr(((i+1)%256)*cbSize), next, "block %d", i)
		assert.Equal(t, tx.consts.BusAddr(512*4), tx.cbs.Load(off+cbSourceAD), "block %d", i)

		if i%2 == 0 {
			assert.Equal(t, uint32(tiNoWideBursts), tx.cbs.Load(off+cbTI))
			assert.Equal(t, clockBus(cmGP0DIV), tx.cbs.Load(off+cbDestAD))
			assert.Equal(t, uint32(4), tx.cbs.Load(off+cbStride))
		} else {
			assert.Equal(t, uint32(tiDestDREQ|tiPermapPWM|tiNoWideBursts), tx.cbs.Load(off+cbTI))
			assert.Equal(t, pwmBus(pwmFIF1), tx.cbs.Load(off+cbDestAD))
			assert.Equal(t, uint32(4), tx.cbs.Load(off+cbTxfrLen))
		}
	}
}

func TestDMAPeripheralSetup(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)

	assert.Equal(t, uint32(4<<12), h.periph.GPIO.Load(gpfsel0)&(7<<12), "GPIO 4 in ALT0")
	assert.Equal(t, uint32(cmPassword|1<<9|1<<4|6), h.periph.Clock.Load(cmGP0CTL))
	assert.Equal(t, uint32(cmPassword|0x2800), h.periph.Clock.Load(cmPWMDIV))
	assert.Equal(t, uint32(1<<31|0x0707), h.periph.PWM.Load(pwmDMAC))
	assert.Equal(t, tx.cbs.BusAddr(0), h.periph.DMA.Load(dmaCONBLKAD))
	assert.Equal(t, uint32(1|255<<16), h.periph.DMA.Load(dmaCS))
}

func TestDMASlotWraps(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)

	// Controller parked outside the ring, so nothing blocks.
	h.periph.DMA.Store(dmaCONBLKAD, 0)

	assert.Equal(t, 0, tx.Slot())
	tx.Output(make([]float32, 63))
	assert.Equal(t, 252, tx.Slot())
	tx.Output(make([]float32, 1))
	assert.Equal(t, 0, tx.Slot())
}

func TestDMAOutputWrites(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)
	h.periph.DMA.Store(dmaCONBLKAD, 0)

	var center = tx.consts.BusAddr(512 * 4)

	tx.Output([]float32{0})
	assert.Equal(t, center-4, tx.cbs.Load(0*cbSize+cbSourceAD))
	assert.Equal(t, center+4, tx.cbs.Load(2*cbSize+cbSourceAD))

	// Far out of range is clamped to the ends of the table.
	tx.Output([]float32{1000})
	assert.Equal(t, tx.consts.BusAddr(1023*4), tx.cbs.Load(6*cbSize+cbSourceAD))
	assert.Equal(t, tx.consts.BusAddr(1021*4), tx.cbs.Load(4*cbSize+cbSourceAD))

	tx.Output([]float32{-1000})
	assert.Equal(t, tx.consts.BusAddr(0), tx.cbs.Load(8*cbSize+cbSourceAD))
}

func TestDMADwellTracksRate(t *testing.T) {
	var tx, h = newTestTransmitter(t, 4096)
	h.periph.DMA.Store(dmaCONBLKAD, 0)

	var samples = make([]float32, 1000)
	for i := range samples {
		samples[i] = float32(0.1 * math.Sin(float64(i)/10))
	}
	tx.Output(samples)

	var cps = pacingBaseHz * DefaultClocksPerSampleRatio / 152000
	var total float64
	for i := range samples {
		var base = i * sampleGroup
		var high = tx.cbs.Load(base + cbSize + cbTxfrLen)
		var low = tx.cbs.Load(base + 3*cbSize + cbTxfrLen)
		total += float64(high) + float64(low)
		assert.InDelta(t, cps, float64(high+low), 1, "sample %d", i)
	}
	assert.InDelta(t, cps*float64(len(samples)), total, 1)
}

func TestDMASync(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)

	// Somewhere inside the second block of group 5.
	h.periph.DMA.Store(dmaCONBLKAD, tx.cbs.BusAddr(21*cbSize))
	require.NoError(t, tx.Sync())
	assert.Equal(t, 20, tx.Slot())

	h.periph.DMA.Store(dmaCONBLKAD, 0x12345680)
	assert.ErrorIs(t, tx.Sync(), ErrLostSync)
}

func TestDMABackpressure(t *testing.T) {
	var tx, h = newTestTransmitter(t, 256)

	h.periph.DMA.Store(dmaCONBLKAD, tx.cbs.BusAddr(20*cbSize))
	require.NoError(t, tx.Sync())

	var done = make(chan struct{})
	go func() {
		tx.Output([]float32{0})
		close(done)
	}()

	var finished = func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	assert.Never(t, finished, 50*time.Millisecond, 5*time.Millisecond, "wrote over the executing group")

	h.periph.DMA.Store(dmaCONBLKAD, tx.cbs.BusAddr(24*cbSize))
	require.Eventually(t, finished, time.Second, time.Millisecond)
	assert.Equal(t, 24, tx.Slot())
}

func TestDMARate(t *testing.T) {
	var tx, _ = newTestTransmitter(t, 256)

	assert.InDelta(t, 152000.0, tx.Rate(), 0)
	tx.SetRate(151234.5)
	assert.InDelta(t, 151234.5, tx.Rate(), 0)
}

func TestDMAClose(t *testing.T) {
	var h = newFakeHardware(t)
	var tx, err = NewDMATransmitter(h.periph, h.alloc, DMAConfig{CarrierHz: 100e6, Descriptors: 256, Rate: 152000, Chunk: 1})
	require.NoError(t, err)

	require.NoError(t, tx.Close())
	assert.Equal(t, uint32(1<<31), h.periph.DMA.Load(dmaCS))
	assert.Equal(t, uint32(cmPassword|1<<9|6), h.periph.Clock.Load(cmGP0CTL))
	assert.Equal(t, uint32(0), h.periph.PWM.Load(pwmCTL))
	assert.Equal(t, 2, h.released)
	assert.True(t, h.unmapped)

	require.NoError(t, tx.Close())
	assert.Equal(t, 2, h.released)
}

func TestDMABadConfig(t *testing.T) {
	var h = newFakeHardware(t)
	var _, err = NewDMATransmitter(h.periph, h.alloc, DMAConfig{CarrierHz: 100e6, Descriptors: 30, Rate: 152000})
	assert.ErrorIs(t, err, ErrConfig)
	assert.True(t, h.unmapped)

	h = newFakeHardware(t)
	_, err = NewDMATransmitter(h.periph, h.alloc, DMAConfig{CarrierHz: 1e3, Descriptors: 256, Rate: 152000})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParseSocRanges(t *testing.T) {
	var base, err = parseSocRanges([]byte{0x7e, 0, 0, 0, 0x3f, 0, 0, 0, 0x01, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3f000000), base)

	// Pi 4: 64 bit physical address, high word zero.
	base, err = parseSocRanges([]byte{0x7e, 0, 0, 0, 0, 0, 0, 0, 0xfe, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfe000000), base)

	base, err = parseSocRanges([]byte{1, 2})
	assert.Error(t, err)
	assert.Equal(t, uint32(defaultPeripheralBase), base)
}
