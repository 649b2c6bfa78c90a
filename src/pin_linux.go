//go:build linux

package pifm

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// The general purpose clock 0 output is only routed to GPIO 4 (ALT0).
const outputLine = 4

// PinClaim keeps the output line requested from the GPIO character device
// so that no other process can take it while we transmit.
type PinClaim struct {
	line *gpiocdev.Line
}

// ClaimOutputPin requests the output line on chip (e.g. "gpiochip0").
// The line is requested as an output driven low; the transmitter then
// switches its function to the clock output.
func ClaimOutputPin(chip string) (*PinClaim, error) {
	var line, err = gpiocdev.RequestLine(chip, outputLine, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("pifm"))
	if err != nil {
		return nil, fmt.Errorf("claim %s line %d: %w", chip, outputLine, err)
	}
	return &PinClaim{line: line}, nil
}

func (c *PinClaim) Close() error {
	if c == nil || c.line == nil {
		return nil
	}
	var err = c.line.Close()
	c.line = nil
	return err
}
