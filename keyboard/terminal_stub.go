//go:build !linux

package keyboard

import (
	"os"
)

// Terminal never reports a key press on this platform.
type Terminal struct{}

func NewTerminal(f *os.File) *Terminal {
	log.Warn("keyboard polling is not supported on this platform", "file", f.Name())
	return &Terminal{}
}

func (t *Terminal) Poll() (byte, bool) {
	return 0, false
}
