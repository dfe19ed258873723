//go:build linux

package keyboard

import (
	"os"

	"golang.org/x/sys/unix"
)

// Terminal polls a terminal (usually stdin) for key presses. Each Poll puts
// the terminal in non-canonical, non-echo mode with VMIN=0 VTIME=0 and
// restores the previous mode before returning. Input that is not a terminal,
// such as a pipe, is polled as is.
type Terminal struct {
	fd int
}

func NewTerminal(f *os.File) *Terminal {
	return &Terminal{fd: int(f.Fd())}
}

func (t *Terminal) Poll() (byte, bool) {
	if saved, err := unix.IoctlGetTermios(t.fd, unix.TCGETS); err == nil {
		raw := *saved
		raw.Lflag &^= unix.ICANON | unix.ECHO
		raw.Cc[unix.VMIN] = 0
		raw.Cc[unix.VTIME] = 0
		if err = unix.IoctlSetTermios(t.fd, unix.TCSETS, &raw); err != nil {
			log.Debug("failed to set terminal mode", "fd", t.fd, "err", err)
			return 0, false
		}
		defer func() {
			_ = unix.IoctlSetTermios(t.fd, unix.TCSETS, saved)
		}()
	}

	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return 0, false
	}
	var buf [1]byte
	n, err = unix.Read(t.fd, buf[:])
	if err != nil || n != 1 {
		return 0, false
	}
	return buf[0], true
}
