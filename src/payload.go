package pifm

import (
	"fmt"
	"os"
)

// LoadPayload reads the data subcarrier payload: a file of raw, ready to
// send groups including their check words.  It is read once at start-up.
func LoadPayload(path string) ([]byte, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("data payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data payload %s: %w", path, ErrEmptyPayload)
	}
	return data, nil
}
