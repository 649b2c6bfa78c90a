//go:build !linux

package pifm

const outputLine = 4

type PinClaim struct{}

func ClaimOutputPin(chip string) (*PinClaim, error) {
	return nil, ErrUnsupportedPlatform
}

func (c *PinClaim) Close() error {
	return nil
}
