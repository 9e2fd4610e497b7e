//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package srv

import (
	"encoding/binary"
	"sync/atomic"
)

// timerProto is the internal protocol attached to a timer fd. Each
// readable event carries an 8-byte expiration count; the scheduled
// task runs once per expiration until the repetitions are used up.
type timerProto struct {
	BaseProtocol
	task    func(arg interface{})
	arg     interface{}
	reps    int32 // remaining repetitions, 0 = run forever
	cleanup func()
}

func (tp *timerProto) Service() string { return "timer" }

func (tp *timerProto) OnData(s *Server, fd int) {
	var b [8]byte
	for {
		n, err := s.Read(fd, b[:])
		if err != nil || n < 8 {
			return
		}
		expirations := binary.NativeEndian.Uint64(b[:])
		for i := uint64(0); i < expirations; i++ {
			tp.task(tp.arg)
			if atomic.LoadInt32(&tp.reps) > 0 {
				if atomic.AddInt32(&tp.reps, -1) == 0 {
					s.Close(fd)
					return
				}
			}
		}
	}
}

func (tp *timerProto) OnClose(_ *Server, _ int) {
	if tp.cleanup != nil {
		tp.cleanup()
	}
}

// timers never idle out
func (tp *timerProto) Ping(_ *Server, _ int) {}
