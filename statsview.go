//go:build statsview

// statsview.go - Runtime statistics server

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"io"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
)

const (
	STATSVIEW_ADDR = "localhost:12600"
	statsviewPath  = "/debug/statsview"
)

// LaunchStatsView serves live runtime graphs for the host process.
func LaunchStatsView(output io.Writer) {
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(STATSVIEW_ADDR))
		mgr := statsview.New()
		mgr.Start()
	}()

	fmt.Fprintf(output, "stats server available at http://%s%s\n", STATSVIEW_ADDR, statsviewPath)
}

func StatsViewAvailable() bool {
	return true
}
