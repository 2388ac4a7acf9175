//go:build headless

package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// HeadlessVideoOutput pulls frames on a ticker instead of a window.
type HeadlessVideoOutput struct {
	mu          sync.Mutex
	started     bool
	config      DisplayConfig
	refreshRate int
	source      FrameSource
	lastFrame   []uint32
	frameCount  atomic.Uint64
	vsyncChan   chan struct{}
	stopCh      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func NewVideoOutput() (VideoOutput, error) {
	return &HeadlessVideoOutput{
		refreshRate: 60,
		vsyncChan:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (h *HeadlessVideoOutput) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	select {
	case <-h.done:
		return &VideoError{Operation: "start", Details: "output already closed"}
	default:
	}
	h.started = true
	go h.refreshLoop(time.Second / time.Duration(h.GetRefreshRate()))
	return nil
}

func (h *HeadlessVideoOutput) refreshLoop(period time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.refresh()
		}
	}
}

func (h *HeadlessVideoOutput) refresh() {
	h.mu.Lock()
	if h.source != nil {
		h.lastFrame = h.source.PackFrame(h.lastFrame)
	}
	h.mu.Unlock()
	h.frameCount.Add(1)
	select {
	case h.vsyncChan <- struct{}{}:
	default:
	}
}

func (h *HeadlessVideoOutput) Stop() error {
	h.closeOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		started := h.started
		h.started = false
		h.mu.Unlock()
		if !started {
			close(h.done)
		}
	})
	return nil
}

func (h *HeadlessVideoOutput) Close() error {
	return h.Stop()
}

func (h *HeadlessVideoOutput) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *HeadlessVideoOutput) Done() <-chan struct{} {
	return h.done
}

func (h *HeadlessVideoOutput) SetDisplayConfig(config DisplayConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	config.Scale = clampScale(config.Scale)
	h.config = config
	if config.RefreshRate > 0 {
		h.refreshRate = config.RefreshRate
	}
	return nil
}

func (h *HeadlessVideoOutput) GetDisplayConfig() DisplayConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

func (h *HeadlessVideoOutput) SetFrameSource(src FrameSource) {
	h.mu.Lock()
	h.source = src
	h.mu.Unlock()
}

func (h *HeadlessVideoOutput) SetKeyHandler(fn func(byte)) {}

func (h *HeadlessVideoOutput) SetStatusProvider(fn func() string) {}

// LastFrame returns a copy of the most recently pulled frame.
func (h *HeadlessVideoOutput) LastFrame() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, len(h.lastFrame))
	copy(out, h.lastFrame)
	return out
}

func (h *HeadlessVideoOutput) WaitForVSync() error {
	select {
	case <-h.vsyncChan:
		return nil
	case <-h.done:
		return ErrDisplayClosed
	}
}

func (h *HeadlessVideoOutput) GetFrameCount() uint64 {
	return h.frameCount.Load()
}

func (h *HeadlessVideoOutput) GetRefreshRate() int {
	if h.refreshRate == 0 {
		return 60
	}
	return h.refreshRate
}
