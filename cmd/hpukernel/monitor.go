package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/hpu-os/hpukernel/internal/cli"
	"github.com/hpu-os/hpukernel/internal/kernel"
	"github.com/hpu-os/hpukernel/internal/klog"
	sys "github.com/hpu-os/hpukernel/internal/syscall"
)

// machine is what the monitor inspects
type machine interface {
	Processes() []kernel.ProcessInfo
	Status() map[string]interface{}
	SyscallCounts() []sys.CallCount
	Uptime() time.Duration
	Syslog() *klog.Ring
}

// monitor runs the host side commands typed on the console after "!"
type monitor struct {
	k        machine
	shutdown func()
}

var monitorCommands = []cli.CommandInfo{
	{Name: "help", Usage: "help", Description: "Show this help"},
	{Name: "ps", Usage: "ps", Description: "List tasks"},
	{Name: "mem", Usage: "mem", Description: "Show memory usage"},
	{Name: "uptime", Usage: "uptime", Description: "Show system uptime"},
	{Name: "syscalls", Usage: "syscalls [n]", Description: "Show the most frequent system calls"},
	{Name: "dmesg", Usage: "dmesg [bytes]", Description: "Show the kernel log"},
	{Name: "status", Usage: "status", Description: "Show every kernel counter"},
	{Name: "shutdown", Usage: "shutdown", Description: "Stop the machine"},
}

func (m *monitor) exec(line string, w io.Writer) {
	cmd, args, ok := cli.FindCommand(monitorCommands, line)
	if !ok {
		if cmd.Name != "" {
			fmt.Fprintf(w, "Unknown command: %s\n", cmd.Name)
		}
		return
	}
	switch cmd.Name {
	case "help":
		cli.PrintCommands(w, monitorCommands)

	case "ps":
		fmt.Fprintf(w, "%-5s %-5s %-5s %s\n", "TID", "PID", "PPID", "STATE")
		for _, p := range m.k.Processes() {
			fmt.Fprintf(w, "%-5d %-5d %-5d %s\n", p.Tid, p.Pid, p.Parent, p.Status)
		}

	case "mem":
		status := m.k.Status()
		fmt.Fprintf(w, "Memory Usage:\n")
		fmt.Fprintf(w, "Total: %v pages\n", status["memory_total_pages"])
		fmt.Fprintf(w, "Used:  %v pages\n", status["memory_allocated_pages"])
		fmt.Fprintf(w, "Free:  %v pages\n", status["memory_free_pages"])
		if v, ok := status["swap_pages"]; ok {
			fmt.Fprintf(w, "Swap:  %v pages\n", v)
		}
		if v, ok := status["compressed_bytes"]; ok {
			fmt.Fprintf(w, "Compressed: %v bytes\n", v)
		}

	case "uptime":
		fmt.Fprintf(w, "Uptime: %d seconds\n", int64(m.k.Uptime()/time.Second))

	case "syscalls":
		n := intArg(args, 10)
		counts := m.k.SyscallCounts()
		if len(counts) > n {
			counts = counts[:n]
		}
		for _, c := range counts {
			fmt.Fprintf(w, "%-16s %d\n", c.Number, c.Count)
		}

	case "dmesg":
		ring := m.k.Syslog()
		w.Write(ring.Tail(intArg(args, ring.Len())))

	case "status":
		writeStatus(w, m.k.Status())

	case "shutdown":
		fmt.Fprintf(w, "Shutting down...\n")
		m.shutdown()
	}
}

func writeStatus(w io.Writer, status map[string]interface{}) {
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-24s %v\n", k, status[k])
	}
}

func intArg(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return def
	}
	return n
}
