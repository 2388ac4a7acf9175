//go:build !headless

// video_backend_ebiten.go - Ebiten video backend for the Viisi machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"image/color"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/text"
	"golang.design/x/clipboard"
	"golang.org/x/image/font/basicfont"
)

type EbitenOutput struct {
	running     atomic.Bool
	window      *ebiten.Image
	width       int
	height      int
	fullscreen  bool
	scale       int
	windowedW   int
	windowedH   int
	source      FrameSource
	packed      []uint32
	rgba        []byte
	bufferMutex sync.RWMutex
	frameCount  atomic.Uint64
	refreshRate int
	vsyncChan   chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	started     bool
	keyHandler  func(byte)
	status      func() string

	clipboardOnce sync.Once
	clipboardOK   bool
	showStatusBar bool
}

func NewVideoOutput() (VideoOutput, error) {
	return &EbitenOutput{
		width:       DEFAULT_FB_WIDTH,
		height:      DEFAULT_FB_HEIGHT,
		scale:       1,
		windowedW:   DEFAULT_FB_WIDTH,
		windowedH:   DEFAULT_FB_HEIGHT,
		refreshRate: 60,
		vsyncChan:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

func (eo *EbitenOutput) Start() error {
	eo.bufferMutex.Lock()
	if eo.started {
		eo.bufferMutex.Unlock()
		return nil
	}
	select {
	case <-eo.done:
		eo.bufferMutex.Unlock()
		return &VideoError{Operation: "start", Details: "output already closed"}
	default:
	}
	eo.started = true
	eo.bufferMutex.Unlock()

	eo.running.Store(true)
	ebiten.SetWindowSize(eo.windowedW, eo.windowedH)
	ebiten.SetWindowTitle("Viisi")
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)
	ebiten.SetVsyncEnabled(true)
	if eo.fullscreen {
		ebiten.SetFullscreen(true)
	}

	first := make(chan struct{})
	go func() {
		defer func() {
			eo.running.Store(false)
			eo.doneOnce.Do(func() { close(eo.done) })
		}()
		if err := ebiten.RunGame(&ebitenGame{eo: eo, first: first}); err != nil {
			log.Printf("ebiten: %v", err)
		}
	}()

	// Wait for the first Draw so the window exists before the guest runs.
	select {
	case <-first:
	case <-eo.done:
		return &VideoError{Operation: "start", Details: "window closed before first frame"}
	}
	return nil
}

func (eo *EbitenOutput) Stop() error {
	eo.running.Store(false)
	eo.bufferMutex.RLock()
	started := eo.started
	eo.bufferMutex.RUnlock()
	// Without a game loop nothing else would close done.
	if !started {
		eo.doneOnce.Do(func() { close(eo.done) })
	}
	return nil
}

func (eo *EbitenOutput) Close() error {
	return eo.Stop()
}

func (eo *EbitenOutput) IsStarted() bool {
	return eo.running.Load()
}

func (eo *EbitenOutput) Done() <-chan struct{} {
	return eo.done
}

func (eo *EbitenOutput) SetDisplayConfig(config DisplayConfig) error {
	eo.bufferMutex.Lock()
	defer eo.bufferMutex.Unlock()

	if config.Width <= 0 || config.Height <= 0 {
		return &VideoError{Operation: "configure", Details: "width and height must be positive"}
	}
	eo.width = config.Width
	eo.height = config.Height
	eo.scale = clampScale(config.Scale)
	if config.RefreshRate > 0 {
		eo.refreshRate = config.RefreshRate
	}

	eo.windowedW = eo.width * eo.scale
	eo.windowedH = eo.height * eo.scale
	eo.fullscreen = config.Fullscreen
	ebiten.SetFullscreen(eo.fullscreen)
	if !eo.fullscreen {
		ebiten.SetWindowSize(eo.windowedW, eo.windowedH)
	}
	// Draw may still hold the old image, so it is dropped rather than deallocated.
	eo.window = nil
	return nil
}

func (eo *EbitenOutput) GetDisplayConfig() DisplayConfig {
	eo.bufferMutex.RLock()
	defer eo.bufferMutex.RUnlock()
	return DisplayConfig{
		Width:       eo.width,
		Height:      eo.height,
		Scale:       eo.scale,
		RefreshRate: eo.refreshRate,
		VSync:       true,
		Fullscreen:  eo.fullscreen,
	}
}

func (eo *EbitenOutput) SetFrameSource(src FrameSource) {
	eo.bufferMutex.Lock()
	eo.source = src
	eo.bufferMutex.Unlock()
}

func (eo *EbitenOutput) SetKeyHandler(fn func(byte)) {
	eo.bufferMutex.Lock()
	eo.keyHandler = fn
	eo.bufferMutex.Unlock()
}

func (eo *EbitenOutput) SetStatusProvider(fn func() string) {
	eo.bufferMutex.Lock()
	eo.status = fn
	eo.bufferMutex.Unlock()
}

func (eo *EbitenOutput) WaitForVSync() error {
	select {
	case <-eo.vsyncChan:
		return nil
	case <-eo.done:
		return ErrDisplayClosed
	}
}

func (eo *EbitenOutput) GetFrameCount() uint64 {
	return eo.frameCount.Load()
}

func (eo *EbitenOutput) GetRefreshRate() int {
	return eo.refreshRate
}

// ebitenGame keeps ebiten's Game methods off the VideoOutput surface.
type ebitenGame struct {
	eo        *EbitenOutput
	first     chan struct{}
	firstOnce sync.Once
}

func (g *ebitenGame) Update() error {
	eo := g.eo
	// Window closed, Escape, or Stop all end the display loop.
	if ebiten.IsWindowBeingClosed() || !eo.running.Load() {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF11) {
		eo.bufferMutex.Lock()
		eo.fullscreen = !eo.fullscreen
		ebiten.SetFullscreen(eo.fullscreen)
		if !eo.fullscreen {
			ebiten.SetWindowSize(eo.windowedW, eo.windowedH)
		}
		eo.bufferMutex.Unlock()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		eo.bufferMutex.Lock()
		eo.showStatusBar = !eo.showStatusBar
		eo.bufferMutex.Unlock()
	}
	eo.handleKeyboardInput()
	return nil
}

func (g *ebitenGame) Draw(screen *ebiten.Image) {
	eo := g.eo

	eo.bufferMutex.Lock()
	if eo.window == nil {
		eo.window = ebiten.NewImage(eo.width, eo.height)
	}
	if eo.source != nil {
		eo.packed = eo.source.PackFrame(eo.packed)
		eo.rgba = packedToRGBA(eo.rgba, eo.packed)
		if len(eo.rgba) == eo.width*eo.height*4 {
			eo.window.WritePixels(eo.rgba)
		}
	}
	win := eo.window
	showStatusBar := eo.showStatusBar
	status := eo.status
	eo.bufferMutex.Unlock()

	screen.DrawImage(win, nil)
	if showStatusBar && status != nil {
		eo.drawStatusBar(screen, status())
	}

	eo.frameCount.Add(1)
	g.firstOnce.Do(func() { close(g.first) })
	select {
	case eo.vsyncChan <- struct{}{}:
	default:
	}
}

func (g *ebitenGame) Layout(_, _ int) (int, int) {
	g.eo.bufferMutex.RLock()
	defer g.eo.bufferMutex.RUnlock()
	return g.eo.width, g.eo.height
}

func (eo *EbitenOutput) emitByte(b byte) {
	eo.bufferMutex.RLock()
	handler := eo.keyHandler
	eo.bufferMutex.RUnlock()
	if handler != nil {
		handler(b)
	}
}

func (eo *EbitenOutput) emitSeq(seq []byte) {
	for _, b := range seq {
		eo.emitByte(b)
	}
}

func (eo *EbitenOutput) handleKeyboardInput() {
	eo.bufferMutex.RLock()
	hasHandler := eo.keyHandler != nil
	eo.bufferMutex.RUnlock()
	if !hasHandler {
		return
	}

	ctrl := ebiten.IsKeyPressed(ebiten.KeyControlLeft) || ebiten.IsKeyPressed(ebiten.KeyControlRight)
	shift := ebiten.IsKeyPressed(ebiten.KeyShiftLeft) || ebiten.IsKeyPressed(ebiten.KeyShiftRight)

	// Clipboard paste: Ctrl+Shift+V
	if ctrl && shift && inpututil.IsKeyJustPressed(ebiten.KeyV) {
		eo.handleClipboardPaste()
		return
	}

	for _, r := range ebiten.AppendInputChars(nil) {
		if b, ok := runeToInputByte(r); ok {
			eo.emitByte(b)
		}
	}

	// Ctrl+letter sends the matching control code, as a terminal would.
	if ctrl && !shift {
		for k := ebiten.KeyA; k <= ebiten.KeyZ; k++ {
			if inpututil.IsKeyJustPressed(k) {
				eo.emitByte(byte(k-ebiten.KeyA) + 1)
			}
		}
	}

	specialKeys := []ebiten.Key{
		ebiten.KeyEnter,
		ebiten.KeyNumpadEnter,
		ebiten.KeyBackspace,
		ebiten.KeyTab,
		ebiten.KeyArrowUp,
		ebiten.KeyArrowDown,
		ebiten.KeyArrowRight,
		ebiten.KeyArrowLeft,
		ebiten.KeyHome,
		ebiten.KeyEnd,
		ebiten.KeyDelete,
	}
	for _, key := range specialKeys {
		if inpututil.IsKeyJustPressed(key) {
			if seq, ok := translateSpecialKey(key); ok {
				eo.emitSeq(seq)
			}
		}
	}
}

func runeToInputByte(r rune) (byte, bool) {
	if r <= 0 || r > 0x7F {
		return 0, false
	}
	return byte(r), true
}

// translateSpecialKey maps non-printing keys to what a serial terminal
// sends: CR for Enter, DEL for Backspace, ANSI sequences for cursor keys.
func translateSpecialKey(key ebiten.Key) ([]byte, bool) {
	switch key {
	case ebiten.KeyEnter, ebiten.KeyNumpadEnter:
		return []byte{'\r'}, true
	case ebiten.KeyBackspace:
		return []byte{0x7F}, true
	case ebiten.KeyTab:
		return []byte{'\t'}, true
	case ebiten.KeyArrowUp:
		return []byte{0x1B, '[', 'A'}, true
	case ebiten.KeyArrowDown:
		return []byte{0x1B, '[', 'B'}, true
	case ebiten.KeyArrowRight:
		return []byte{0x1B, '[', 'C'}, true
	case ebiten.KeyArrowLeft:
		return []byte{0x1B, '[', 'D'}, true
	case ebiten.KeyHome:
		return []byte{0x1B, '[', 'H'}, true
	case ebiten.KeyEnd:
		return []byte{0x1B, '[', 'F'}, true
	case ebiten.KeyDelete:
		return []byte{0x1B, '[', '3', '~'}, true
	default:
		return nil, false
	}
}

// normalizePasteText turns CRLF and LF line endings into CR, the byte a
// terminal sends for Enter.
func normalizePasteText(raw []byte) []byte {
	norm := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
			norm = append(norm, '\r')
		case '\n':
			norm = append(norm, '\r')
		default:
			norm = append(norm, raw[i])
		}
	}
	return norm
}

func capPasteText(raw []byte, max int) []byte {
	if len(raw) <= max {
		return raw
	}
	return raw[:max]
}

func (eo *EbitenOutput) handleClipboardPaste() {
	eo.clipboardOnce.Do(func() {
		eo.clipboardOK = clipboard.Init() == nil
	})
	if !eo.clipboardOK {
		return
	}
	data := clipboard.Read(clipboard.FmtText)
	if len(data) == 0 {
		return
	}
	data = normalizePasteText(data)
	data = capPasteText(data, consoleKeyBufferSize)
	eo.emitSeq(data)
}

func (eo *EbitenOutput) drawStatusBar(screen *ebiten.Image, status string) {
	face := basicfont.Face7x13
	lines := strings.Split(status, "\n")
	barHeight := 13*len(lines) + 5
	if barHeight >= eo.height {
		return
	}
	y := eo.height - barHeight
	ebitenutil.DrawRect(screen, 0, float64(y), float64(eo.width), float64(barHeight), color.RGBA{0, 0, 0, 180})

	labelColor := color.RGBA{190, 190, 190, 255}
	for i, line := range lines {
		text.Draw(screen, line, face, 6, y+13*(i+1), labelColor)
	}

	legend := "F11 Fullscreen  F12 Status  Esc Quit"
	legendW := text.BoundString(face, legend).Dx()
	legendX := max(eo.width-legendW-6, 6)
	text.Draw(screen, legend, face, legendX, y+13, color.RGBA{160, 160, 160, 255})
}
