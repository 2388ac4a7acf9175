// framebuffer.go - Byte-addressable pixel store for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import "sync"

// Framebuffer is a width x height image stored as 4 bytes per pixel in a
// flat, row-major buffer. The buffer is allocated once and never replaced.
//
// The engine writes through Store on its own goroutine while the display
// pulls frames on another, so the buffer is guarded by mu.
type Framebuffer struct {
	mu     sync.RWMutex
	buffer []byte
	width  int
	height int
	pitch  int
}

// NewFramebuffer allocates a zeroed framebuffer.
func NewFramebuffer(width, height int) *Framebuffer {
	return &Framebuffer{
		buffer: make([]byte, width*height*FB_BYTES_PER_PIXEL),
		width:  width,
		height: height,
		pitch:  width * FB_BYTES_PER_PIXEL,
	}
}

func (fb *Framebuffer) Width() int  { return fb.width }
func (fb *Framebuffer) Height() int { return fb.height }
func (fb *Framebuffer) Pitch() int  { return fb.pitch }

// Len is the addressable length in bytes: width*height*4.
func (fb *Framebuffer) Len() int { return len(fb.buffer) }

// Load returns the byte at offset. offset must be below Len.
func (fb *Framebuffer) Load(offset uint32) uint8 {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.buffer[offset]
}

// Store sets the byte at offset. offset must be below Len.
func (fb *Framebuffer) Store(offset uint32, value uint8) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.buffer[offset] = value
}

// PackFrame packs every 4-byte group into one uint32, least significant
// byte first, in row-major order. dst is reused when it has room for
// width*height values.
func (fb *Framebuffer) PackFrame(dst []uint32) []uint32 {
	n := fb.width * fb.height
	if cap(dst) < n {
		dst = make([]uint32, n)
	}
	dst = dst[:n]

	fb.mu.RLock()
	buf := fb.buffer
	for i := range dst {
		p := buf[i*FB_BYTES_PER_PIXEL : i*FB_BYTES_PER_PIXEL+FB_BYTES_PER_PIXEL]
		dst[i] = PackPixel(p[0], p[1], p[2], p[3])
	}
	fb.mu.RUnlock()
	return dst
}

// PackPixel returns b0 | b1<<8 | b2<<16 | b3<<24.
func PackPixel(b0, b1, b2, b3 byte) uint32 {
	return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
}
