//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package srv

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// poller is the kqueue-backed readiness notifier. EV_CLEAR gives the
// same edge-triggered semantics the epoll build relies on.
type poller struct {
	fd int

	die     chan struct{}
	dieOnce sync.Once
}

func openPoller() (*poller, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	if _, err := unix.FcntlInt(uintptr(kfd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(kfd)
		return nil, errors.Wrap(err, "fcntl cloexec")
	}

	// ident 0 EVFILT_USER is reserved for wakeups
	if _, err := unix.Kevent(kfd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		unix.Close(kfd)
		return nil, errors.Wrap(err, "kevent add user")
	}

	return &poller{fd: kfd, die: make(chan struct{})}, nil
}

func (p *poller) close() {
	p.dieOnce.Do(func() {
		close(p.die)
		p.wakeup()
	})
}

func (p *poller) wakeup() {
	unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
}

func (p *poller) watch(fd int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	return errors.Wrap(err, "kevent add read")
}

func (p *poller) modReadWrite(fd int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	return errors.Wrap(err, "kevent add write")
}

func (p *poller) modRead(fd int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return errors.Wrap(err, "kevent del write")
}

func (p *poller) delete(fd int) error {
	unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_WRITE,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return errors.Wrap(err, "kevent del read")
}

// wait polls for readiness and delivers batches on ch until the poller
// is closed. Read and write filters for the same ident are coalesced
// into one event. An empty batch is delivered once per second when
// nothing is ready, which drives the loop's idle pass.
func (p *poller) wait(ch chan<- pollerEvents) {
	defer unix.Close(p.fd)

	events := make([]unix.Kevent_t, maxEvents)
	ts := unix.NsecToTimespec(1e9)
	for {
		select {
		case <-p.die:
			return
		default:
		}

		n, err := unix.Kevent(p.fd, nil, events, &ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}

		pe := make(pollerEvents, 0, n)
		idx := make(map[int]int, n)
		for i := 0; i < n; i++ {
			if events[i].Filter == unix.EVFILT_USER {
				select {
				case <-p.die:
					return
				default:
					continue
				}
			}
			fd := int(events[i].Ident)
			j, ok := idx[fd]
			if !ok {
				j = len(pe)
				idx[fd] = j
				pe = append(pe, event{ident: fd})
			}
			if events[i].Filter == unix.EVFILT_READ {
				pe[j].r = true
			}
			if events[i].Filter == unix.EVFILT_WRITE {
				pe[j].w = true
			}
			if events[i].Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
				pe[j].hup = true
			}
		}

		select {
		case ch <- pe:
		case <-p.die:
			return
		}
	}
}
