package pifm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "pifm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	var c = Default()
	require.NoError(t, c.Validate())
	assert.InDelta(t, 103.3e6, c.Frequency.Hz(), 1e-3)
	assert.Equal(t, 8192, c.EffectiveDelay())
	assert.InDelta(t, 48000.0, c.OutputRate(48000), 0)
}

func TestLoadConfig(t *testing.T) {
	var path = writeConfig(t, `
frequency: 88.5MHz
stereo: true
resample: true
rds_file: station.rds
ring_size: 32768
delay: 12000
controller:
  policy: pi
  interval: 250ms
  catch_factor: 50000
audio:
  source: file
  file: music.mp3
  loop: true
log:
  level: debug
  timestamp_format: "%H:%M:%S"
`)

	var c, err = LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.InDelta(t, 88.5e6, c.Frequency.Hz(), 1e-3)
	assert.True(t, c.Stereo)
	assert.Equal(t, "station.rds", c.RDSFile)
	assert.Equal(t, 12000, c.EffectiveDelay())
	assert.Equal(t, PolicyPI, c.Controller.Policy)
	assert.Equal(t, 250*time.Millisecond, c.Controller.Interval)
	assert.InDelta(t, 50000.0, c.Controller.CatchFactor, 0)
	assert.True(t, c.Audio.Loop)
	assert.Equal(t, "%H:%M:%S", c.Log.TimestampFormat)
	assert.InDelta(t, 152000.0, c.OutputRate(44100), 0)

	// Untouched settings keep their defaults.
	assert.Equal(t, 512, c.Period)
	assert.Equal(t, 40*time.Second, c.Controller.ReflowTime)
	assert.InDelta(t, 10000.0, c.Controller.CatchFactor2, 0)
	assert.Equal(t, "gpiochip0", c.GPIO.Chip)
	assert.False(t, c.NoPreemphasis)
}

func TestLoadConfigCalibrationOff(t *testing.T) {
	var c, err = LoadConfig(writeConfig(t, "controller:\n  calibration_cycles: 0\n"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Zero(t, c.Controller.CalibrationCycles)

	c, err = LoadConfig(writeConfig(t, "controller:\n  policy: pi\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, c.Controller.CalibrationCycles)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	var c, err = LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadConfigErrors(t *testing.T) {
	var _, err = LoadConfig(writeConfig(t, "frequncy: 100\n"))
	assert.Error(t, err, "misspelt key")

	_, err = LoadConfig(writeConfig(t, "frequency: fast\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCarrierSet(t *testing.T) {
	var c Carrier

	require.NoError(t, c.Set("103.3"))
	assert.InDelta(t, 103.3e6, c.Hz(), 1e-3)

	require.NoError(t, c.Set("96.7MHz"))
	assert.InDelta(t, 96.7e6, c.Hz(), 1e-3)

	require.NoError(t, c.Set("100500kHz"))
	assert.InDelta(t, 100.5e6, c.Hz(), 1e-3)

	assert.Error(t, c.Set("103.3 furlongs"))
	assert.Equal(t, "frequency", c.Type())
}

func TestValidate(t *testing.T) {
	var cases = []struct {
		name   string
		modify func(c *Config)
	}{
		{"stereo without resampling", func(c *Config) { c.Stereo = true }},
		{"data without resampling", func(c *Config) { c.RDSFile = "x.rds" }},
		{"stereo at the wrong rate", func(c *Config) { c.Stereo, c.Resample, c.TransmitRate = true, true, 96000 }},
		{"ring too small", func(c *Config) { c.RingSize = 1024 }},
		{"delay past the ring", func(c *Config) { c.Delay = c.RingSize }},
		{"odd descriptors", func(c *Config) { c.Descriptors = 1001 }},
		{"unknown policy", func(c *Config) { c.Controller.Policy = "bang-bang" }},
		{"tiny window", func(c *Config) { c.Controller.SmoothSize = 1 }},
		{"clamp excludes 1", func(c *Config) { c.Controller.MinResampleFactor = 1.001 }},
		{"file source without file", func(c *Config) { c.Audio.Source = SourceFile }},
		{"unknown source", func(c *Config) { c.Audio.Source = "jack" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c = Default()
			tc.modify(c)
			assert.ErrorIs(t, c.Validate(), ErrConfig)
		})
	}
}
