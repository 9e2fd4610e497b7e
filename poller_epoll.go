//go:build linux
// +build linux

package srv

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// poller is the epoll-backed readiness notifier. Connections are
// registered edge-triggered for reads; write interest is added and
// removed dynamically as outbound buffers fill and drain.
type poller struct {
	fd  int // epoll fd
	wfd int // eventfd for waking up Wait

	die     chan struct{}
	dieOnce sync.Once
}

func openPoller() (*poller, error) {
	pfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(pfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	if err := unix.EpollCtl(pfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{
		Fd:     int32(wfd),
		Events: unix.EPOLLIN,
	}); err != nil {
		unix.Close(wfd)
		unix.Close(pfd)
		return nil, errors.Wrap(err, "epoll_ctl add eventfd")
	}

	return &poller{fd: pfd, wfd: wfd, die: make(chan struct{})}, nil
}

// close stops the wait goroutine; fds are released once it returns.
func (p *poller) close() {
	p.dieOnce.Do(func() {
		close(p.die)
		p.wakeup()
	})
}

func (p *poller) wakeup() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	unix.Write(p.wfd, b[:])
}

// watch registers fd as edge-triggered readable.
func (p *poller) watch(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
	})
	return errors.Wrap(err, "epoll_ctl add")
}

// modReadWrite arms write readiness; EPOLL_CTL_MOD re-triggers a
// pending edge, so calling this on an already armed fd is how the
// drain path gets rescheduled.
func (p *poller) modReadWrite(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
	})
	return errors.Wrap(err, "epoll_ctl mod")
}

// modRead drops write interest once the outbound queue has drained.
func (p *poller) modRead(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
	})
	return errors.Wrap(err, "epoll_ctl mod")
}

func (p *poller) delete(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	return errors.Wrap(err, "epoll_ctl del")
}

// wait polls for readiness and delivers batches on ch until the poller
// is closed. An empty batch is delivered once per second when nothing
// is ready, which drives the loop's idle pass.
func (p *poller) wait(ch chan<- pollerEvents) {
	defer func() {
		unix.Close(p.wfd)
		unix.Close(p.fd)
	}()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-p.die:
			return
		default:
		}

		n, err := unix.EpollWait(p.fd, events, 1000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			select {
			case <-p.die:
			default:
			}
			return
		}

		pe := make(pollerEvents, 0, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wfd {
				var b [8]byte
				unix.Read(p.wfd, b[:])
				continue
			}
			e := event{ident: fd}
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				e.r = true
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				e.w = true
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				e.hup = true
			}
			pe = append(pe, e)
		}

		select {
		case ch <- pe:
		case <-p.die:
			return
		}
	}
}
