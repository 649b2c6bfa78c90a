//go:build !linux

package pifm

func MapPeripherals(base uint32) (*Peripherals, error) {
	return nil, ErrUnsupportedPlatform
}

func PinnedAllocator(alias uint32) Allocator {
	return func(pages int) (*PinnedMemory, error) {
		return nil, ErrUnsupportedPlatform
	}
}
