package pifm

import (
	"testing"
)

// Heap backed stand-ins for the mapped hardware.  Pages get bus addresses
// with gaps between them, like real scattered frames.

const fakeBusBase = 0x10000000

type fakeHardware struct {
	periph     *Peripherals
	allocated  []*PinnedMemory
	released   int
	unmapped   bool
	nextBusPfn uint32
}

func newFakeHardware(t *testing.T) *fakeHardware {
	t.Helper()
	var h = &fakeHardware{}
	var block = func() *Registers {
		return &Registers{words: make([]uint32, registerBlock/4)}
	}
	h.periph = &Peripherals{
		GPIO:  block(),
		Clock: block(),
		PWM:   block(),
		DMA:   block(),
		release: func() error {
			h.unmapped = true
			return nil
		},
	}
	return h
}

func (h *fakeHardware) alloc(pages int) (*PinnedMemory, error) {
	var m = &PinnedMemory{
		words: make([]uint32, pages*pageSize/4),
		bus:   make([]uint32, pages),
	}
	for i := range m.bus {
		m.bus[i] = fakeBusBase + h.nextBusPfn*pageSize
		h.nextBusPfn += 3
	}
	m.release = func() error {
		h.released++
		return nil
	}
	h.allocated = append(h.allocated, m)
	return m, nil
}
