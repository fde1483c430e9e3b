// Command hpukernel boots the kernel on the host and runs init
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/hpu-os/hpukernel/internal/cli"
	"github.com/hpu-os/hpukernel/internal/config"
	"github.com/hpu-os/hpukernel/internal/kernel"
	"github.com/mattn/go-tty"
	"golang.org/x/sys/unix"
)

func main() { os.Exit(run()) }

func run() int {
	var (
		showVersion bool
		jsonOutput  bool
		configFile  string
		rootFS      string
		harts       int
		logLevel    string
		interactive bool
		showStatus  bool
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version and status in JSON format")
	flag.StringVar(&configFile, "config", "", "kernel configuration file (JSON)")
	flag.StringVar(&rootFS, "rootfs", "", "host directory used as the root filesystem")
	flag.IntVar(&harts, "harts", 0, "number of harts, overrides the configuration")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flag.BoolVar(&interactive, "i", false, "run an interactive shell on the terminal")
	flag.BoolVar(&showStatus, "status", false, "print kernel status after init exits")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boots the kernel and runs /initproc. Without -i init runs /etc/rc,\n")
		fmt.Fprintf(os.Stderr, "or the bundled test schedule, and powers off.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		if err := cli.PrintVersion(os.Stdout, cli.GetVersionInfo("hpukernel", kernel.Version), jsonOutput); err != nil {
			cli.ExitWithError("%v", err)
		}
		return 0
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			cli.ExitWithError("%v", err)
		}
	}
	if rootFS != "" {
		cfg.RootFS = rootFS
	}
	if harts > 0 {
		cfg.Harts = harts
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := kernel.Options{Stdin: os.Stdin, Stdout: os.Stdout, LogOutput: os.Stderr}
	var term *ttyConsole
	if interactive {
		t, err := tty.Open()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: open terminal: %v\n", err)
			return 1
		}
		defer t.Close()
		term = newTTYConsole(t)
		opts.Stdin = term
		opts.Stdout = term.Output()
		opts.LogOutput = term.Output()
	}

	k, err := kernel.New(cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: kernel initialization failed: %v\n", err)
		return 1
	}
	defer k.Close()
	if term != nil {
		term.monitor = &monitor{k: k, shutdown: cancel}
		fmt.Fprintf(term.Output(), "Type '!help' for kernel monitor commands.\n")
	}

	var argv []string
	if interactive {
		argv = []string{"-i"}
	}
	status, err := k.Run(ctx, argv...)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if showStatus {
		printStatus(os.Stdout, k.Status(), jsonOutput)
	}
	if err != nil {
		return 130
	}
	if sig := status & 0x7f; sig != 0 {
		return 128 + sig
	}
	return (status >> 8) & 0xff
}

func printStatus(w io.Writer, status map[string]interface{}, jsonOutput bool) {
	if jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: marshal status: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}
	writeStatus(w, status)
}

// ============================================================================
// Terminal console
// ============================================================================

// ttyConsole feeds lines typed on the terminal to the console. Lines
// starting with "!" go to the kernel monitor instead
type ttyConsole struct {
	tty     *tty.TTY
	out     io.Writer
	monitor *monitor
	pending []byte
}

func newTTYConsole(t *tty.TTY) *ttyConsole {
	return &ttyConsole{tty: t, out: crlfWriter{t.Output()}}
}

// Output writes to the terminal, which is in raw mode
func (c *ttyConsole) Output() io.Writer { return c.out }

func (c *ttyConsole) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		line, err := c.tty.ReadString()
		if err != nil {
			return 0, err
		}
		if cmd, ok := strings.CutPrefix(strings.TrimSpace(line), "!"); ok && c.monitor != nil {
			c.monitor.exec(cmd, c.out)
			continue
		}
		c.pending = []byte(line + "\n")
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// crlfWriter turns line feeds into the CR LF pairs a raw terminal needs
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write([]byte(strings.ReplaceAll(string(p), "\n", "\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
