package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Typed access to the few SoC peripherals we drive.
 *
 * Description:	Everything here is for the BCM2835 family.  The CPU sees
 *		the peripherals at a board specific physical base, the DMA
 *		controller always sees them at bus address 0x7e000000.
 *
 *		Register words are read and written with sync/atomic so
 *		that every access really reaches memory, in program order,
 *		and is never cached in a CPU register.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

const pageSize = 4096

const (
	busPeripheralBase = 0x7e000000

	// Raspberry Pi 1 and Zero.  Used when the device tree says nothing.
	defaultPeripheralBase = 0x20000000

	gpioOffset  = 0x200000
	clockOffset = 0x101000
	pwmOffset   = 0x20c000
	dmaOffset   = 0x007000

	registerBlock = 4096
)

// GPIO function select, clock manager, PWM and DMA channel 0 register offsets.
const (
	gpfsel0 = 0x00

	cmGP0CTL   = 0x70
	cmGP0DIV   = 0x74
	cmPWMCTL   = 0xa0
	cmPWMDIV   = 0xa4
	cmPassword = 0x5a << 24

	pwmCTL  = 0x00
	pwmSTA  = 0x04
	pwmDMAC = 0x08
	pwmFIF1 = 0x18

	dmaCS       = 0x00
	dmaCONBLKAD = 0x04
	dmaTI       = 0x08
)

var (
	ErrUnsupportedPlatform = errors.New("hardware access is only supported on linux")
	ErrNeedRoot            = errors.New("physical memory access needs root")
)

// Registers is one mapped block of 32 bit peripheral registers.
type Registers struct {
	words []uint32
}

// Load reads the register at byte offset off.
func (r *Registers) Load(off uint32) uint32 {
	return atomic.LoadUint32(&r.words[off/4])
}

// Store writes the register at byte offset off.
func (r *Registers) Store(off uint32, v uint32) {
	atomic.StoreUint32(&r.words[off/4], v)
}

// Peripherals holds the register windows used by the transmitter.
// It is owned by exactly one DMATransmitter, which closes it.
type Peripherals struct {
	GPIO  *Registers
	Clock *Registers
	PWM   *Registers
	DMA   *Registers

	release func() error
}

// Bus address of a register, as seen by the DMA controller.
func clockBus(off uint32) uint32 { return busPeripheralBase + clockOffset + off }
func pwmBus(off uint32) uint32   { return busPeripheralBase + pwmOffset + off }

// Close unmaps the register windows.
func (p *Peripherals) Close() error {
	if p.release == nil {
		return nil
	}
	var err = p.release()
	p.release = nil
	return err
}

// PinnedMemory is a run of locked, non-pageable pages together with the
// bus address of each page.  Pages are not physically contiguous; every
// structure stored here must fit within one page.
type PinnedMemory struct {
	words []uint32
	bus   []uint32

	release func() error
}

// Allocator hands out pinned memory, in whole pages.
type Allocator func(pages int) (*PinnedMemory, error)

// Len is the size in bytes.
func (m *PinnedMemory) Len() int {
	return len(m.words) * 4
}

func (m *PinnedMemory) Load(off int) uint32 {
	return atomic.LoadUint32(&m.words[off/4])
}

func (m *PinnedMemory) Store(off int, v uint32) {
	atomic.StoreUint32(&m.words[off/4], v)
}

// BusAddr translates a byte offset into the address the DMA controller uses.
func (m *PinnedMemory) BusAddr(off int) uint32 {
	return m.bus[off/pageSize] + uint32(off%pageSize)
}

// Close unlocks and releases the pages.
func (m *PinnedMemory) Close() error {
	if m.release == nil {
		return nil
	}
	var err = m.release()
	m.release = nil
	return err
}

/*------------------------------------------------------------------
 *
 * Name:	DetectPeripheralBase
 *
 * Purpose:	Find the physical address of the peripherals from the
 *		device tree.
 *
 * Description:	/proc/device-tree/soc/ranges starts with the bus address
 *		followed by the CPU physical address.  On the Pi 4 the
 *		physical address is 64 bits wide and the first word is 0.
 *
 * Returns:	The base, or the Pi 1 default together with an error.
 *
 *------------------------------------------------------------------*/

func DetectPeripheralBase() (uint32, error) {
	var ranges, err = os.ReadFile("/proc/device-tree/soc/ranges")
	if err != nil {
		return defaultPeripheralBase, fmt.Errorf("read soc ranges: %w", err)
	}
	return parseSocRanges(ranges)
}

func parseSocRanges(ranges []byte) (uint32, error) {
	if len(ranges) < 8 {
		return defaultPeripheralBase, fmt.Errorf("soc ranges too short: %d bytes", len(ranges))
	}

	var base = binary.BigEndian.Uint32(ranges[4:8])
	if base == 0 {
		if len(ranges) < 12 {
			return defaultPeripheralBase, fmt.Errorf("soc ranges too short: %d bytes", len(ranges))
		}
		base = binary.BigEndian.Uint32(ranges[8:12])
	}

	return base, nil
}
