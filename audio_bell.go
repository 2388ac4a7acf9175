// audio_bell.go - Console bell for the serial device

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	BELL_SAMPLE_RATE = 44100
	BELL_FREQUENCY   = 880.0
	BELL_DURATION    = 120 * time.Millisecond
	BELL_HOLDOFF     = 80 * time.Millisecond // Rings closer together than this are merged

	ASCII_BEL = 0x07
)

// Bell sounds when the guest transmits BEL.
type Bell interface {
	Ring()
	Close() error
}

// makeBellTone renders a decaying sine as mono float32 little-endian
// samples, the format the audio context is opened with.
func makeBellTone(sampleRate int, freq float64, d time.Duration) []byte {
	n := int(float64(sampleRate) * d.Seconds())
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		env := math.Exp(-t * 30)
		s := float32(0.4 * env * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// bellHook returns a transmit hook that rings b on every BEL byte.
func bellHook(b Bell) func(byte) {
	return func(c byte) {
		if c == ASCII_BEL {
			b.Ring()
		}
	}
}
