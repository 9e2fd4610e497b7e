//go:build linux
// +build linux

package srv

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RunAfter schedules a one-shot task at the cost of one timer fd,
// dispatched through the reactor. It returns the timer's fd.
//
// Do not create timers from within OnClose: the fresh timer fd may
// collide with the slot still being torn down.
func (s *Server) RunAfter(delay time.Duration, task func(arg interface{}), arg interface{}) (int, error) {
	return s.runTimer(delay, 0, 1, task, arg)
}

// RunEvery schedules a repeating task at the cost of one timer fd.
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

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "timerfd_create")
	}

	it := unix.ItimerSpec{Value: unix.NsecToTimespec(initial.Nanoseconds())}
	if interval > 0 {
		it.Interval = unix.NsecToTimespec(interval.Nanoseconds())
	}
	if err := unix.TimerfdSettime(tfd, 0, &it, nil); err != nil {
		unix.Close(tfd)
		return -1, errors.Wrap(err, "timerfd_settime")
	}

	tp := &timerProto{task: task, arg: arg, reps: int32(repetitions)}
	if err := s.attach(tfd, tp, 0); err != nil {
		unix.Close(tfd)
		return -1, err
	}
	return tfd, nil
}
