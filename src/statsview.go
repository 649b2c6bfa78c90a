package pifm

import (
	"github.com/charmbracelet/log"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
)

const statsviewPath = "/debug/statsview"

// LaunchStatsview serves live runtime charts (heap, goroutines, GC) on
// addr, for watching the process while it transmits.
func LaunchStatsview(addr string, logger *log.Logger) {
	viewer.SetConfiguration(viewer.WithAddr(addr))
	var mgr = statsview.New()
	go mgr.Start()

	logger.Info("Stats viewer available", "url", "http://"+addr+statsviewPath)
}
