package pifm

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// NewLogger returns the process logger.  level is one of debug, info,
// warn, error.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	var lvl, err = log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrConfig, level)
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "pifm",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           lvl,
	}), nil
}

/*------------------------------------------------------------------
 *
 * Name:	logStatus
 *
 * Purpose:	One line per controller cycle.
 *
 * Description:	Fast controllers would flood the log, so anything
 *		running more often than once a second logs at debug.
 *
 *------------------------------------------------------------------*/

func (e *Engine) logStatus(rc RateController, m Measurement, rate float64, stamp *strftime.Strftime) {
	var kv = []any{
		"policy", rc.Name(),
		"rate", fmt.Sprintf("%.3f", rate),
		"occupancy", m.Occupancy,
		"deviation", m.Offset(),
		"deviation_ms", fmt.Sprintf("%.2f", float64(m.Offset())*1000/rate),
	}

	switch c := rc.(type) {
	case *ReflowController:
		kv = append(kv,
			"real", fmt.Sprintf("%.3f", c.Real()),
			"error_pct", fmt.Sprintf("%+.3f", (c.Real()-c.nominal)*100/c.nominal))
	case *PIController:
		kv = append(kv,
			"factor", fmt.Sprintf("%.6f", c.Factor()),
			"integral", fmt.Sprintf("%.1f", c.Integral()))
	default:
		kv = append(kv, "previous", fmt.Sprintf("%.3f", m.Rate))
	}

	if stamp != nil {
		kv = append(kv, "at", stamp.FormatString(time.Now()))
	}

	if rc.Interval() >= time.Second {
		e.logger.Info("Rate update", kv...)
	} else {
		e.logger.Debug("Rate update", kv...)
	}
}

// Latency describes how far behind the source the transmission runs, in
// source frames.
type Latency struct {
	Min, Target, Max float64
	SourceRate       float64
}

// ComputeLatency estimates latency from ring and descriptor sizes.
// All three figures include the quarter of the descriptors that hold one
// sample group each.
func ComputeLatency(descriptors, delay, ringSize int, sourceRate, txRate float64) Latency {
	var scale = sourceRate / txRate
	var dma = float64(descriptors / cbPerSample)
	return Latency{
		Min:        dma * scale,
		Target:     (dma + float64(delay)) * scale,
		Max:        (dma + float64(ringSize)) * scale,
		SourceRate: sourceRate,
	}
}

func (l Latency) ms(frames float64) string {
	return fmt.Sprintf("%.1fms", frames*1000/l.SourceRate)
}

func (l Latency) Log(logger *log.Logger) {
	logger.Info("Latency",
		"min", fmt.Sprintf("%.0f (%s)", l.Min, l.ms(l.Min)),
		"target", fmt.Sprintf("%.0f (%s)", l.Target, l.ms(l.Target)),
		"max", fmt.Sprintf("%.0f (%s)", l.Max, l.ms(l.Max)))
}
