//go:build headless

package main

import "sync/atomic"

// SilentBell counts rings without producing sound.
type SilentBell struct {
	rings atomic.Uint64
}

func NewBell() (Bell, error) {
	return &SilentBell{}, nil
}

func (sb *SilentBell) Ring() { sb.rings.Add(1) }

func (sb *SilentBell) Rings() uint64 { return sb.rings.Load() }

func (sb *SilentBell) Close() error { return nil }
