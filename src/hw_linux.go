//go:build linux

package pifm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func wordsOf(b []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

/*------------------------------------------------------------------
 *
 * Name:	MapPeripherals
 *
 * Purpose:	Map the GPIO, clock manager, PWM and DMA register blocks
 *		through /dev/mem.
 *
 * Inputs:	base	- Physical peripheral base, see DetectPeripheralBase.
 *
 *------------------------------------------------------------------*/

func MapPeripherals(base uint32) (*Peripherals, error) {
	var fd, err = unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("open /dev/mem: %w", ErrNeedRoot)
		}
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	// The mappings stay valid after the descriptor is closed.
	defer unix.Close(fd)

	var maps [][]byte
	var release = func() error {
		var errs []error
		for _, m := range maps {
			errs = append(errs, unix.Munmap(m))
		}
		return errors.Join(errs...)
	}

	var mapBlock = func(off uint32) (*Registers, error) {
		var m, err = unix.Mmap(fd, int64(base)+int64(off), registerBlock, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("map peripheral block %#x: %w", base+off, err)
		}
		maps = append(maps, m)
		return &Registers{words: wordsOf(m)}, nil
	}

	var p = &Peripherals{release: release}
	for _, b := range []struct {
		regs **Registers
		off  uint32
	}{
		{&p.GPIO, gpioOffset},
		{&p.Clock, clockOffset},
		{&p.PWM, pwmOffset},
		{&p.DMA, dmaOffset},
	} {
		var r, err = mapBlock(b.off)
		if err != nil {
			release()
			return nil, err
		}
		*b.regs = r
	}

	return p, nil
}

// PinnedAllocator returns an Allocator handing out locked anonymous pages.
// alias is ORed into every bus address to select the DMA's view of DRAM.
func PinnedAllocator(alias uint32) Allocator {
	return func(pages int) (*PinnedMemory, error) {
		return allocPinned(pages, alias)
	}
}

func allocPinned(pages int, alias uint32) (*PinnedMemory, error) {
	if os.Getpagesize() != pageSize {
		return nil, fmt.Errorf("page size is %d, need %d", os.Getpagesize(), pageSize)
	}

	var size = pages * pageSize
	var mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("allocate %d pages: %w", pages, err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("lock %d pages: %w", pages, err)
	}

	var release = func() error {
		return errors.Join(unix.Munlock(mem), unix.Munmap(mem))
	}

	// Touch every page so it has a frame behind it before we ask for it.
	for off := 0; off < size; off += pageSize {
		mem[off] = 0
	}

	var bus, mapErr = busAddresses(mem, pages, alias)
	if mapErr != nil {
		release()
		return nil, mapErr
	}

	return &PinnedMemory{words: wordsOf(mem), bus: bus, release: release}, nil
}

/*
 * Each 64 bit pagemap entry has bit 63 set when the page is present, with
 * the page frame number in bits 0-54.  Without CAP_SYS_ADMIN the kernel
 * reports every frame number as 0.
 */

func busAddresses(mem []byte, pages int, alias uint32) ([]uint32, error) {
	var f, err = os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	defer f.Close()

	var start = uintptr(unsafe.Pointer(&mem[0]))
	var bus = make([]uint32, pages)
	var entry [8]byte

	for i := range bus {
		var virt = start + uintptr(i*pageSize)
		if _, err := f.ReadAt(entry[:], int64(virt/pageSize)*8); err != nil {
			return nil, fmt.Errorf("read pagemap: %w", err)
		}

		var e = binary.LittleEndian.Uint64(entry[:])
		if e&(1<<63) == 0 {
			return nil, fmt.Errorf("page at %#x is not present", virt)
		}

		var pfn = e & (1<<55 - 1)
		if pfn == 0 {
			return nil, fmt.Errorf("pagemap frame numbers hidden: %w", ErrNeedRoot)
		}

		bus[i] = uint32(pfn*pageSize) | alias
	}

	return bus, nil
}
