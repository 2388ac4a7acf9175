//go:build headless

package main

import "testing"

func TestSilentBell_CountsRings(t *testing.T) {
	b, err := NewBell()
	if err != nil {
		t.Fatalf("NewBell returned error: %v", err)
	}
	defer b.Close()
	hook := bellHook(b)
	hook(ASCII_BEL)
	hook('x')
	hook(ASCII_BEL)
	if got := b.(*SilentBell).Rings(); got != 2 {
		t.Fatalf("expected 2 rings, got %d", got)
	}
}
