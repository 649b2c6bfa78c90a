package pifm

/*------------------------------------------------------------------
 *
 * Purpose:	Transmitter configuration.
 *
 * Description:	Settings come from an optional YAML file, then the
 *		command line overrides individual fields.  Zero values
 *		mean "use the default", so a file only needs to mention
 *		what it changes.
 *
 *		frequency: 103.3MHz
 *		stereo: true
 *		resample: true
 *		rds_file: /etc/pifm/station.rds
 *		controller:
 *		  policy: pi
 *		audio:
 *		  source: file
 *		  file: /srv/music/loop.mp3
 *		  loop: true
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

var ErrConfig = errors.New("invalid configuration")

const (
	PolicyReflow = "reflow"
	PolicyPI     = "pi"

	SourcePortAudio = "portaudio"
	SourceFile      = "file"
)

// Carrier is the transmit frequency.  A bare number is in MHz, anything
// else is parsed with its unit, e.g. "103.3MHz" or "88500kHz".
type Carrier physic.Frequency

func (c Carrier) String() string {
	return physic.Frequency(c).String()
}

// Set implements pflag.Value.
func (c *Carrier) Set(s string) error {
	if mhz, err := strconv.ParseFloat(s, 64); err == nil {
		*c = Carrier(mhz * float64(physic.MegaHertz))
		return nil
	}
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return fmt.Errorf("frequency %q: %w", s, err)
	}
	*c = Carrier(f)
	return nil
}

func (c *Carrier) Type() string {
	return "frequency"
}

func (c Carrier) Hz() float64 {
	return float64(c) / float64(physic.Hertz)
}

func (c *Carrier) UnmarshalYAML(value *yaml.Node) error {
	return c.Set(value.Value)
}

func (c Carrier) MarshalYAML() (any, error) {
	return c.String(), nil
}

type Config struct {
	Frequency     Carrier `yaml:"frequency"`
	Stereo        bool    `yaml:"stereo"`
	NoPreemphasis bool    `yaml:"no_preemphasis"`
	RDSFile       string  `yaml:"rds_file"`

	Resample         bool    `yaml:"resample"`
	ResampleQuality  int     `yaml:"resample_quality"`
	ResampleSQuality int     `yaml:"resample_squality"`
	TransmitRate     float64 `yaml:"transmit_rate"`

	RingSize int `yaml:"ring_size"`
	Period   int `yaml:"period"`
	Delay    int `yaml:"delay"`

	Descriptors          int     `yaml:"descriptors"`
	ModulationIndex      float64 `yaml:"modulation_index"`
	ClocksPerSampleRatio float64 `yaml:"clocks_per_sample_ratio"`
	PLLDHz               float64 `yaml:"plld_hz"`
	PeripheralBase       uint32  `yaml:"peripheral_base"`
	BusAlias             uint32  `yaml:"bus_alias"`

	GPIO GPIOConfig `yaml:"gpio"`

	// DryRun, when set, writes the composite to this WAV file instead of
	// touching any hardware.
	DryRun string `yaml:"dry_run"`

	Controller ControllerConfig `yaml:"controller"`
	Audio      AudioConfig      `yaml:"audio"`
	Log        LogConfig        `yaml:"log"`
}

type GPIOConfig struct {
	Chip string `yaml:"chip"`
}

type ControllerConfig struct {
	Policy            string        `yaml:"policy"`
	ReflowTime        time.Duration `yaml:"reflow_time"`
	CalibrationCycles int           `yaml:"calibration_cycles"`

	Interval          time.Duration `yaml:"interval"`
	SmoothSize        int           `yaml:"smooth_size"`
	CatchFactor       float64       `yaml:"catch_factor"`
	CatchFactor2      float64       `yaml:"catch_factor2"`
	PClamp            float64       `yaml:"pclamp"`
	ControlQuant      float64       `yaml:"controlquant"`
	MinResampleFactor float64       `yaml:"min_resample_factor"`
	MaxResampleFactor float64       `yaml:"max_resample_factor"`
}

type AudioConfig struct {
	Source     string  `yaml:"source"`
	Device     string  `yaml:"device"`
	File       string  `yaml:"file"`
	Loop       bool    `yaml:"loop"`
	SampleRate float64 `yaml:"sample_rate"`
	Period     int     `yaml:"period"`
}

type LogConfig struct {
	Level           string `yaml:"level"`
	TimestampFormat string `yaml:"timestamp_format"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Frequency: Carrier(103300 * physic.KiloHertz),

		ResampleQuality:  5,
		ResampleSQuality: 10,
		TransmitRate:     152000,

		RingSize: 16384,
		Period:   512,

		Descriptors:          DefaultDescriptors,
		ModulationIndex:      DefaultModulationIndex,
		ClocksPerSampleRatio: DefaultClocksPerSampleRatio,
		PLLDHz:               DefaultPLLDHz,

		GPIO: GPIOConfig{Chip: "gpiochip0"},

		Controller: ControllerConfig{
			Policy:            PolicyReflow,
			ReflowTime:        40 * time.Second,
			CalibrationCycles: 5,
			Interval:          500 * time.Millisecond,
			SmoothSize:        64,
			CatchFactor:       100000,
			CatchFactor2:      10000,
			PClamp:            15,
			ControlQuant:      10000,
			MinResampleFactor: 0.99,
			MaxResampleFactor: 1.01,
		},

		Audio: AudioConfig{
			Source:     SourcePortAudio,
			SampleRate: 48000,
			Period:     1024,
		},

		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML configuration file.  Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Zero calibration cycles is a real setting, so that default is seeded
	// before decoding instead of filled in afterwards.
	var c Config
	c.Controller.CalibrationCycles = Default().Controller.CalibrationCycles

	var dec = yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	var d = Default()

	if c.Frequency == 0 {
		c.Frequency = d.Frequency
	}
	if c.ResampleQuality == 0 {
		c.ResampleQuality = d.ResampleQuality
	}
	if c.ResampleSQuality == 0 {
		c.ResampleSQuality = d.ResampleSQuality
	}
	if c.TransmitRate == 0 {
		c.TransmitRate = d.TransmitRate
	}
	if c.RingSize == 0 {
		c.RingSize = d.RingSize
	}
	if c.Period == 0 {
		c.Period = d.Period
	}
	if c.Descriptors == 0 {
		c.Descriptors = d.Descriptors
	}
	if c.ModulationIndex == 0 {
		c.ModulationIndex = d.ModulationIndex
	}
	if c.ClocksPerSampleRatio == 0 {
		c.ClocksPerSampleRatio = d.ClocksPerSampleRatio
	}
	if c.PLLDHz == 0 {
		c.PLLDHz = d.PLLDHz
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = d.GPIO.Chip
	}

	var cc, dc = &c.Controller, &d.Controller
	if cc.Policy == "" {
		cc.Policy = dc.Policy
	}
	if cc.ReflowTime == 0 {
		cc.ReflowTime = dc.ReflowTime
	}
	if cc.Interval == 0 {
		cc.Interval = dc.Interval
	}
	if cc.SmoothSize == 0 {
		cc.SmoothSize = dc.SmoothSize
	}
	if cc.CatchFactor == 0 {
		cc.CatchFactor = dc.CatchFactor
	}
	if cc.CatchFactor2 == 0 {
		cc.CatchFactor2 = dc.CatchFactor2
	}
	if cc.PClamp == 0 {
		cc.PClamp = dc.PClamp
	}
	if cc.ControlQuant == 0 {
		cc.ControlQuant = dc.ControlQuant
	}
	if cc.MinResampleFactor == 0 {
		cc.MinResampleFactor = dc.MinResampleFactor
	}
	if cc.MaxResampleFactor == 0 {
		cc.MaxResampleFactor = dc.MaxResampleFactor
	}

	if c.Audio.Source == "" {
		c.Audio.Source = d.Audio.Source
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Period == 0 {
		c.Audio.Period = d.Audio.Period
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// EffectiveDelay is the target ring occupancy in samples.
func (c *Config) EffectiveDelay() int {
	if c.Delay == 0 {
		return c.RingSize / 2
	}
	return c.Delay
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	var bad = func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
	}

	switch {
	case c.Frequency <= 0:
		return bad("frequency %s", c.Frequency)
	case (c.Stereo || c.RDSFile != "") && !c.Resample:
		return bad("stereo and data subcarrier need resampling to %.0f Hz", c.TransmitRate)
	case c.Resample && c.TransmitRate != 152000 && (c.Stereo || c.RDSFile != ""):
		return bad("stereo and data subcarrier need a transmit rate of 152000 Hz, not %.0f", c.TransmitRate)
	case c.ResampleQuality < 1 || c.ResampleSQuality < 1:
		return bad("resampler quality %d/%d", c.ResampleQuality, c.ResampleSQuality)
	case c.Period < 1:
		return bad("period %d", c.Period)
	case c.RingSize < 2*c.Period+1:
		return bad("ring of %d samples cannot hold two periods of %d", c.RingSize, c.Period)
	case c.EffectiveDelay() < c.Period || c.EffectiveDelay() >= c.RingSize:
		return bad("delay %d outside [%d, %d)", c.EffectiveDelay(), c.Period, c.RingSize)
	case c.Descriptors <= 0 || c.Descriptors%cbPerSample != 0:
		return bad("descriptors %d is not a positive multiple of %d", c.Descriptors, cbPerSample)
	case c.Controller.Policy != PolicyReflow && c.Controller.Policy != PolicyPI:
		return bad("controller policy %q, want %q or %q", c.Controller.Policy, PolicyReflow, PolicyPI)
	case c.Controller.ReflowTime <= 0 || c.Controller.Interval <= 0:
		return bad("controller intervals must be positive")
	case c.Controller.CalibrationCycles < 0:
		return bad("calibration cycles %d", c.Controller.CalibrationCycles)
	case c.Controller.SmoothSize < 2:
		return bad("smooth_size %d, need at least 2", c.Controller.SmoothSize)
	case c.Controller.MinResampleFactor > 1 || c.Controller.MaxResampleFactor < 1:
		return bad("resample factor clamp [%v, %v] excludes 1", c.Controller.MinResampleFactor, c.Controller.MaxResampleFactor)
	case c.Audio.Source != SourcePortAudio && c.Audio.Source != SourceFile:
		return bad("audio source %q, want %q or %q", c.Audio.Source, SourcePortAudio, SourceFile)
	case c.Audio.Source == SourceFile && c.Audio.File == "":
		return bad("audio source %q needs a file", SourceFile)
	}
	return nil
}

// OutputRate is the sample rate the transmitter runs at.
func (c *Config) OutputRate(sourceRate float64) float64 {
	if c.Resample {
		return c.TransmitRate
	}
	return sourceRate
}
