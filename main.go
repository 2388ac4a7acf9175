// main.go - Main entry point for the Viisi virtual machine

/*
Viisi virtual machine
License: GPLv3 or later
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var verbose bool

// debugf logs only when --verbose is set.
func debugf(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

func boilerPlate() {
	fmt.Fprintln(os.Stderr, "\033[38;2;255;110;147mViisi\033[0m - a small 32-bit machine with a serial console and a framebuffer")
	fmt.Fprintln(os.Stderr, "License: GPLv3 or later")
}

type CLI struct {
	Guest string `arg:"" type:"existingfile" help:"Lua guest program to run."`

	Width      int    `default:"800" help:"Framebuffer width in pixels."`
	Height     int    `default:"600" help:"Framebuffer height in pixels."`
	Scale      int    `default:"1" help:"Window scale factor (1-4)."`
	RAM        int    `name:"ram" default:"128" help:"Guest RAM in MiB."`
	Raw        bool   `help:"Put the host terminal in raw mode while running."`
	Bell       bool   `help:"Sound the console bell when the guest sends BEL."`
	Frames     uint64 `default:"0" help:"Stop after this many frames (0 runs until the window closes)."`
	Screenshot string `type:"path" help:"Write the last frame to this PNG file on exit."`
	Stats      bool   `help:"Serve runtime statistics over HTTP (statsview builds only)."`
	Verbose    bool   `short:"v" help:"Log device mapping and lifecycle details."`
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("viisi: ")

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("viisi"),
		kong.Description("Run a guest program on the Viisi virtual machine."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(cli.run())
}

func (c *CLI) run() error {
	verbose = c.Verbose
	boilerPlate()

	if c.RAM <= 0 {
		return fmt.Errorf("--ram must be positive, got %d", c.RAM)
	}
	if c.Stats {
		LaunchStatsView(os.Stderr)
	}

	input := NewConsoleInput(os.Stdin)
	defer input.Close()

	if c.Raw {
		host := NewTerminalHost(os.Stdin)
		if err := host.Start(); err != nil {
			return err
		}
		defer host.Stop()
	}

	m, err := NewMachine(MachineConfig{
		RAMSize:   c.RAM << 20,
		Width:     c.Width,
		Height:    c.Height,
		Input:     input,
		Output:    bufio.NewWriter(os.Stdout),
		MaxFrames: c.Frames,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Engine.LoadFile(c.Guest); err != nil {
		return err
	}

	if c.Bell {
		bell, err := NewBell()
		if err != nil {
			log.Printf("bell disabled: %v", err)
		} else {
			defer bell.Close()
			m.UART.SetTransmitHook(bellHook(bell))
		}
	}

	video, err := NewVideoOutput()
	if err != nil {
		return err
	}
	if err := video.SetDisplayConfig(DisplayConfig{
		Width:       m.Framebuffer.Width(),
		Height:      m.Framebuffer.Height(),
		Scale:       c.Scale,
		RefreshRate: 60,
		VSync:       true,
	}); err != nil {
		return err
	}
	video.SetFrameSource(m.Framebuffer)
	video.SetStatusProvider(m.Status)
	video.SetKeyHandler(func(b byte) {
		if !input.Push(b) {
			debugf("console: key buffer full, dropped 0x%02X", b)
		}
	})
	if err := video.Start(); err != nil {
		return err
	}
	defer video.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := m.Run(ctx, video)

	if c.Screenshot != "" {
		if err := WriteScreenshot(c.Screenshot, m.Framebuffer); err != nil {
			log.Printf("%v", err)
		} else {
			debugf("screenshot written to %s", c.Screenshot)
		}
	}
	debugf("%s", m.Status())
	return runErr
}
