package mm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Kernel access to user memory
// ============================================================================

// copyUser walks [addr, addr+n) page by page, faulting pages in as a user
// access of the same kind would.
func (ms *MemorySet) copyUser(addr VirtAddr, n int, write bool, fn func(page []byte, done int) int) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	done := 0
	for done < n {
		va := addr + VirtAddr(done)
		t, err := ms.pageLocked(va.Floor(), write)
		if err != nil {
			return err
		}
		done += fn(t.Bytes()[va.PageOffset():], done)
	}
	return nil
}

// ReadBytes copies len(buf) bytes at addr into buf.
func (ms *MemorySet) ReadBytes(addr VirtAddr, buf []byte) error {
	return ms.copyUser(addr, len(buf), false, func(page []byte, done int) int {
		return copy(buf[done:], page)
	})
}

// WriteBytes copies buf to addr.
func (ms *MemorySet) WriteBytes(addr VirtAddr, buf []byte) error {
	return ms.copyUser(addr, len(buf), true, func(page []byte, done int) int {
		return copy(page, buf[done:])
	})
}

func (ms *MemorySet) ReadU32(addr VirtAddr) (uint32, error) {
	var b [4]byte
	if err := ms.ReadBytes(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (ms *MemorySet) WriteU32(addr VirtAddr, v uint32) error {
	return ms.WriteBytes(addr, binary.LittleEndian.AppendUint32(nil, v))
}

func (ms *MemorySet) ReadU64(addr VirtAddr) (uint64, error) {
	var b [8]byte
	if err := ms.ReadBytes(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (ms *MemorySet) WriteU64(addr VirtAddr, v uint64) error {
	return ms.WriteBytes(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// ReadCString reads a NUL terminated string of at most limit bytes.
func (ms *MemorySet) ReadCString(addr VirtAddr, limit int) (string, error) {
	var out []byte
	for len(out) < limit {
		n := min(int(PageSize-(addr+VirtAddr(len(out))).PageOffset()), limit-len(out))
		chunk := make([]byte, n)
		if err := ms.ReadBytes(addr+VirtAddr(len(out)), chunk); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
	}
	return "", fmt.Errorf("string at %#x longer than %d: %w", uint64(addr), limit, unix.ENAMETOOLONG)
}

// ReadStruct decodes a fixed-size little endian value at addr into v.
func (ms *MemorySet) ReadStruct(addr VirtAddr, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("%T has no fixed size: %w", v, unix.EINVAL)
	}
	buf := make([]byte, size)
	if err := ms.ReadBytes(addr, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// WriteStruct encodes v little endian at addr.
func (ms *MemorySet) WriteStruct(addr VirtAddr, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("encode %T: %w", v, unix.EINVAL)
	}
	return ms.WriteBytes(addr, buf.Bytes())
}
