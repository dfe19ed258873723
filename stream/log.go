package stream

import (
	"sync"

	"github.com/modern-go/gls"

	elog "github.com/eluv-io/log-go"
)

// logWrapper wraps the log-go logger to include the handle of the decoder
// running on the current goroutine, if it is known.
type logWrapper struct {
	log *elog.Log
}

func (l *logWrapper) Trace(msg string, fields ...interface{}) {
	l.log.Trace(msg, append(fields, logHandleIfKnown()...)...)
}

func (l *logWrapper) Debug(msg string, fields ...interface{}) {
	l.log.Debug(msg, append(fields, logHandleIfKnown()...)...)
}

func (l *logWrapper) Info(msg string, fields ...interface{}) {
	l.log.Info(msg, append(fields, logHandleIfKnown()...)...)
}

func (l *logWrapper) Warn(msg string, fields ...interface{}) {
	l.log.Warn(msg, append(fields, logHandleIfKnown()...)...)
}

func (l *logWrapper) Error(msg string, fields ...interface{}) {
	l.log.Error(msg, append(fields, logHandleIfKnown()...)...)
}

var log = logWrapper{log: elog.Get("/eluvio/klvsnap/stream")}

var gidHandleMap sync.Map

func associateGIDWithHandle(handle int32) {
	gidHandleMap.Store(gls.GoID(), handle)
}

func dissociateGIDWithHandle() {
	gidHandleMap.Delete(gls.GoID())
}

// GIDHandle returns the decoder handle associated with the calling goroutine.
func GIDHandle() (int32, bool) {
	handle, ok := gidHandleMap.Load(gls.GoID())
	if !ok {
		return 0, false
	}
	return handle.(int32), true
}

func logHandleIfKnown() []interface{} {
	if handle, ok := GIDHandle(); ok {
		return []interface{}{"decoder", handle}
	}
	return nil
}
