//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package srv

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Without timerfd the timer is a pipe pumped by a time.Timer: the read
// end is attached to the reactor, so dispatch still flows through the
// event loop exactly as on Linux.

// RunAfter schedules a one-shot task at the cost of one fd, dispatched
// through the reactor. It returns the timer's fd.
//
// Do not create timers from within OnClose: the fresh timer fd may
// collide with the slot still being torn down.
func (s *Server) RunAfter(delay time.Duration, task func(arg interface{}), arg interface{}) (int, error) {
	return s.runTimer(delay, 0, 1, task, arg)
}

// RunEvery schedules a repeating task at the cost of one fd.
// repetitions 0 repeats forever. It returns the timer's fd.
//
// The OnClose restriction of RunAfter applies here as well.
func (s *Server) RunEvery(interval time.Duration, repetitions int, task func(arg interface{}), arg interface{}) (int, error) {
	return s.runTimer(interval, interval, repetitions, task, arg)
}

func (s *Server) runTimer(initial, interval time.Duration, repetitions int, task func(arg interface{}), arg interface{}) (int, error) {
	if task == nil {
		return -1, ErrNilTask
	}
	if initial <= 0 {
		initial = time.Millisecond
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, errors.Wrap(err, "pipe")
	}
	unix.SetNonblock(p[0], true)
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])

	stop := make(chan struct{})
	var stopOnce sync.Once
	tp := &timerProto{
		task: task,
		arg:  arg,
		reps: int32(repetitions),
		cleanup: func() {
			stopOnce.Do(func() { close(stop) })
		},
	}

	go pumpTimer(p[1], initial, interval, repetitions, stop)

	if err := s.attach(p[0], tp, 0); err != nil {
		tp.cleanup()
		unix.Close(p[0])
		return -1, err
	}
	return p[0], nil
}

func pumpTimer(wfd int, initial, interval time.Duration, repetitions int, stop chan struct{}) {
	defer unix.Close(wfd)

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)

	t := time.NewTimer(initial)
	defer t.Stop()

	fired := 0
	for {
		select {
		case <-t.C:
			if _, err := unix.Write(wfd, b[:]); err != nil {
				return
			}
			fired++
			if repetitions > 0 && fired >= repetitions {
				return
			}
			if interval <= 0 {
				return
			}
			t.Reset(interval)
		case <-stop:
			return
		}
	}
}
