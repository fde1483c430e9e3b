package task

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/hpu-os/hpukernel/internal/mm"
	"golang.org/x/sys/unix"
)

// DefaultShell interprets "#!" scripts.
const DefaultShell = "/bin/bash"

type resolvedImage struct {
	data []byte
	argv []string
}

// resolve reads path and finds the entry point of the image, following
// scripts to the shell.
func (m *Manager) resolve(path string, argv []string) (Entry, resolvedImage, error) {
	if m.opts.Images == nil {
		return nil, resolvedImage{}, fmt.Errorf("no image source: %w", unix.ENOENT)
	}
	data, err := m.opts.Images.ReadImage(path)
	if err != nil {
		return nil, resolvedImage{}, err
	}
	if IsScript(data) {
		argv = append([]string{DefaultShell}, argv...)
		if data, err = m.opts.Images.ReadImage(DefaultShell); err != nil {
			return nil, resolvedImage{}, err
		}
	}
	name, err := ParseImage(data)
	if err != nil {
		return nil, resolvedImage{}, fmt.Errorf("exec %s: %w", path, err)
	}
	entry, ok := m.program(name)
	if !ok {
		return nil, resolvedImage{}, fmt.Errorf("exec %s: unknown entry %q: %w", path, name, unix.ENOEXEC)
	}
	return entry, resolvedImage{data: data, argv: argv}, nil
}

// Execve replaces the program of the calling task. It only returns on
// failure, leaving the task untouched.
func (t *Task) Execve(path string, argv, envp []string) error {
	m := t.mgr
	entry, img, err := m.resolve(path, argv)
	if err != nil {
		return err
	}
	old := t.VM()
	if err := t.load(img.data, img.argv, envp); err != nil {
		return err
	}
	old.release()

	g := t.group
	others := g.others(t)
	if len(others) > 0 {
		g.mutex.Lock()
		if g.execKill == nil {
			g.execKill = make(map[*Task]bool)
		}
		for _, o := range others {
			g.execKill[o] = true
		}
		g.mutex.Unlock()
		for _, o := range others {
			o.send(unix.SIGKILL)
		}
	}

	t.mutex.Lock()
	t.inner.sighand = t.inner.sighand.forExec()
	t.inner.sigframes = nil
	t.inner.robustHead, t.inner.robustLen = 0, 0
	t.next = entry
	t.mutex.Unlock()
	m.log.Debug("execve", "tid", t.tid, "path", path, "argv", img.argv)
	runtime.Goexit()
	return nil
}

// load builds a fresh address space holding the image, a heap and a stack
// with argv and envp, installs it and points the trap context at it.
func (t *Task) load(data []byte, argv, envp []string) error {
	m := t.mgr
	opts := m.opts
	ms := mm.NewMemorySet(opts.Pool, nil)
	progEnd, err := ms.LoadProgram(ProgramBase, data, mm.MapR|mm.MapX|mm.MapU)
	if err != nil {
		ms.Recycle()
		return err
	}
	stackTop := opts.StackTop
	if err := ms.InsertFramedArea(stackTop-mm.VirtAddr(opts.StackSize), stackTop, mm.MapR|mm.MapW|mm.MapU, mm.AreaStack); err != nil {
		ms.Recycle()
		return err
	}
	sp, argvAddr, envpAddr, err := pushArgs(ms, stackTop, argv, envp)
	if err != nil {
		ms.Recycle()
		return err
	}
	heapBottom := progEnd + mm.PageSize

	var trap TrapContext
	trap.Sepc = uint64(ProgramBase)
	trap.Regs[RegSP] = uint64(sp)
	trap.Regs[RegA0] = uint64(len(argv))
	trap.Regs[RegA1] = uint64(argvAddr)
	trap.Regs[RegA2] = uint64(envpAddr)

	t.mutex.Lock()
	t.inner.vm = newAddressSpace(ms)
	t.inner.heapBottom, t.inner.heapPt = heapBottom, heapBottom
	t.inner.trap = trap
	t.mutex.Unlock()
	return nil
}

// pushArgs copies the strings to the top of the stack, then the argc,
// argv and envp vectors below them, and returns the 16 byte aligned stack
// pointer, which addresses argc.
func pushArgs(ms *mm.MemorySet, top mm.VirtAddr, argv, envp []string) (sp, argvAddr, envpAddr mm.VirtAddr, err error) {
	sp = top
	push := func(s string) (mm.VirtAddr, error) {
		sp -= mm.VirtAddr(len(s) + 1)
		return sp, ms.WriteBytes(sp, append([]byte(s), 0))
	}
	envPtrs := make([]uint64, 0, len(envp)+1)
	for _, s := range envp {
		p, err := push(s)
		if err != nil {
			return 0, 0, 0, err
		}
		envPtrs = append(envPtrs, uint64(p))
	}
	argPtrs := make([]uint64, 0, len(argv)+1)
	for _, s := range argv {
		p, err := push(s)
		if err != nil {
			return 0, 0, 0, err
		}
		argPtrs = append(argPtrs, uint64(p))
	}

	words := append([]uint64{uint64(len(argv))}, argPtrs...)
	words = append(words, 0)
	words = append(words, envPtrs...)
	words = append(words, 0)
	sp = (sp - mm.VirtAddr(len(words)*8)) &^ 15

	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if err := ms.WriteBytes(sp, buf); err != nil {
		return 0, 0, 0, err
	}
	argvAddr = sp + 8
	envpAddr = argvAddr + mm.VirtAddr((len(argv)+1)*8)
	return sp, argvAddr, envpAddr, nil
}
