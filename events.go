package srv

import (
	"net"
	"syscall"
)

// poller wait max events count
const maxEvents = 1024

// event represent a file descriptor readiness event
type event struct {
	ident int  // identifier of this event, usually file descriptor
	r     bool // readable
	w     bool // writable
	hup   bool // peer hangup or socket error
}

// events from epoll_wait/kevent passing to the loop, delivered in batch
// for atomicity. batch processing is the key to amortize context
// switching costs for tiny messages.
type pollerEvents []event

// dupconn use RawConn to dup() file descriptor
func dupconn(conn net.Conn) (newfd int, err error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, ErrUnsupported
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, ErrUnsupported
	}

	// Control() guarantees the integrity of file descriptor
	ec := rc.Control(func(fd uintptr) {
		newfd, err = syscall.Dup(int(fd))
	})

	if ec != nil {
		return -1, ec
	}

	return
}
