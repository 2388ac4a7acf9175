//go:build !statsview

package main

import (
	"fmt"
	"io"
)

func LaunchStatsView(output io.Writer) {
	fmt.Fprintln(output, "stats server not available: build with -tags statsview")
}

func StatsViewAvailable() bool {
	return false
}
