//go:build !headless

// audio_bell_oto.go - OTO v3 bell output

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

type OtoBell struct {
	ctx      *oto.Context
	tone     []byte
	player   *oto.Player
	lastRing time.Time
	mutex    sync.Mutex
}

func NewBell() (Bell, error) {
	op := &oto.NewContextOptions{
		SampleRate:   BELL_SAMPLE_RATE,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   4,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	return &OtoBell{
		ctx:  ctx,
		tone: makeBellTone(BELL_SAMPLE_RATE, BELL_FREQUENCY, BELL_DURATION),
	}, nil
}

// Ring is called from the guest's transmit path, so it never waits for
// playback.
func (ob *OtoBell) Ring() {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	now := time.Now()
	if now.Sub(ob.lastRing) < BELL_HOLDOFF {
		return
	}
	ob.lastRing = now

	if ob.player != nil {
		ob.player.Close()
	}
	ob.player = ob.ctx.NewPlayer(bytes.NewReader(ob.tone))
	ob.player.Play()
}

func (ob *OtoBell) Close() error {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	if ob.player != nil {
		err := ob.player.Close()
		ob.player = nil
		return err
	}
	return nil
}
