// video_interface.go - Display sink interface for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
)

// ErrDisplayClosed is returned by WaitForVSync once the display has been
// closed, either by the user or by Stop.
var ErrDisplayClosed = errors.New("display closed")

// VideoError provides detailed error context for video operations
type VideoError struct {
	Operation string // What operation was being attempted
	Details   string // Additional error context
	Err       error  // Underlying error if any
}

func (e *VideoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("video %s failed: %s: %v", e.Operation, e.Details, e.Err)
	}
	return fmt.Sprintf("video %s failed: %s", e.Operation, e.Details)
}

func (e *VideoError) Unwrap() error { return e.Err }

// DisplayConfig contains hardware-independent configuration
type DisplayConfig struct {
	Width       int
	Height      int
	Scale       int // Integer scaling factor for output
	RefreshRate int // Target refresh rate in Hz
	VSync       bool
	Fullscreen  bool
}

// FrameSource is pulled once per refresh for a packed frame.
// Framebuffer implements it.
type FrameSource interface {
	Width() int
	Height() int
	PackFrame(dst []uint32) []uint32
}

// VideoOutput defines the minimal interface that backends must implement.
// Backends pull frames from their FrameSource; the machine paces itself
// with WaitForVSync and learns about a close request from Done.
type VideoOutput interface {
	// Lifecycle management
	Start() error
	Stop() error
	Close() error
	IsStarted() bool
	Done() <-chan struct{}

	SetDisplayConfig(config DisplayConfig) error
	GetDisplayConfig() DisplayConfig
	SetFrameSource(src FrameSource)
	SetKeyHandler(fn func(byte))
	SetStatusProvider(fn func() string)

	// Timing and synchronization
	WaitForVSync() error
	GetFrameCount() uint64
	GetRefreshRate() int
}

const (
	MIN_SCALE = 1
	MAX_SCALE = 4
)

func clampScale(scale int) int {
	if scale < MIN_SCALE {
		return MIN_SCALE
	}
	if scale > MAX_SCALE {
		return MAX_SCALE
	}
	return scale
}

// packedToRGBA expands packed pixels into RGBA bytes for the window. The
// display reads a packed pixel as 0x__RRGGBB: bits 16-23 red, 8-15 green,
// 0-7 blue. The top byte is ignored and every pixel is drawn opaque.
func packedToRGBA(dst []byte, src []uint32) []byte {
	n := len(src) * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, p := range src {
		o := i * 4
		dst[o] = byte(p >> 16)
		dst[o+1] = byte(p >> 8)
		dst[o+2] = byte(p)
		dst[o+3] = 0xFF
	}
	return dst
}

// frameImage renders the current frame of src as an image.
func frameImage(src FrameSource) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, src.Width(), src.Height()))
	packedToRGBA(img.Pix[:0], src.PackFrame(nil))
	return img
}

// WriteScreenshot saves the current frame of src as a PNG file.
func WriteScreenshot(path string, src FrameSource) error {
	f, err := os.Create(path)
	if err != nil {
		return &VideoError{Operation: "screenshot", Details: path, Err: err}
	}
	if err := png.Encode(f, frameImage(src)); err != nil {
		f.Close()
		return &VideoError{Operation: "screenshot", Details: "encode", Err: err}
	}
	if err := f.Close(); err != nil {
		return &VideoError{Operation: "screenshot", Details: path, Err: err}
	}
	return nil
}
