// Package keyboard reads single key presses without blocking.
package keyboard

import (
	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("/eluvio/klvsnap/keyboard")

// Poller returns the next pending key press, if any, without blocking.
type Poller interface {
	Poll() (key byte, ok bool)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func() (byte, bool)

func (f PollerFunc) Poll() (byte, bool) {
	return f()
}
