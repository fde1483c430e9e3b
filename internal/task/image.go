package task

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Program images
// ============================================================================

// Image layout: the ELF magic, padding up to entryOffset, then the name of
// the registered entry point, NUL terminated, inside a header of
// imageHeaderSize bytes.
const (
	imageHeaderSize = 64
	entryOffset     = 16
)

var (
	elfMagic    = []byte("\x7fELF")
	scriptMagic = []byte("#!")
)

// ImageSource resolves executable paths to image bytes.
type ImageSource interface {
	ReadImage(path string) ([]byte, error)
}

// BuildImage returns the image of the program registered under name.
func BuildImage(name string) []byte {
	if len(name) >= imageHeaderSize-entryOffset {
		panic(fmt.Sprintf("entry name %q too long", name))
	}
	img := make([]byte, imageHeaderSize)
	copy(img, elfMagic)
	copy(img[entryOffset:], name)
	return img
}

// ParseImage returns the entry name of an executable image.
func ParseImage(data []byte) (string, error) {
	if !bytes.HasPrefix(data, elfMagic) || len(data) < imageHeaderSize {
		return "", fmt.Errorf("not an executable image: %w", unix.ENOEXEC)
	}
	name := data[entryOffset:imageHeaderSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return "", fmt.Errorf("image without entry: %w", unix.ENOEXEC)
	}
	return string(name), nil
}

// IsScript reports whether data starts with an interpreter line.
func IsScript(data []byte) bool { return bytes.HasPrefix(data, scriptMagic) }
