package pifm

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures from a sound card input.
type PortAudioSource struct {
	params portaudio.StreamParameters
	stream *portaudio.Stream
	closed bool
}

/*------------------------------------------------------------------
 *
 * Name:	NewPortAudioSource
 *
 * Purpose:	Open a capture device.
 *
 * Inputs:	device		- Device name, empty for the default input.
 *
 *		channels	- 1 or 2.
 *
 *		rate, period	- Requested sample rate and frames per
 *				  callback.  PortAudio either grants them
 *				  or fails to open the stream.
 *
 *------------------------------------------------------------------*/

func NewPortAudioSource(device string, channels int, rate float64, period int) (*PortAudioSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}

	var dev, err = findInputDevice(device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if dev.MaxInputChannels < channels {
		portaudio.Terminate()
		return nil, fmt.Errorf("audio device %q has %d input channels, need %d", dev.Name, dev.MaxInputChannels, channels)
	}

	var params = portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = rate
	params.FramesPerBuffer = period

	return &PortAudioSource{params: params}, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}

	var devices, err = portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no audio input device named %q", name)
}

func (s *PortAudioSource) SampleRate() float64 { return s.params.SampleRate }
func (s *PortAudioSource) Period() int         { return s.params.FramesPerBuffer }
func (s *PortAudioSource) Channels() int       { return s.params.Input.Channels }

func (s *PortAudioSource) Start(process func(channels [][]float32)) error {
	var stream, err = portaudio.OpenStream(s.params, func(in [][]float32) {
		process(in)
	})
	if err != nil {
		return fmt.Errorf("open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start audio stream: %w", err)
	}
	s.stream = stream
	return nil
}

// Close stops capture and releases PortAudio.  Only the first call does
// anything.
func (s *PortAudioSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.stream != nil {
		err = s.stream.Stop()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		s.stream = nil
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
