//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package srv

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// slot is the per-fd record in the connection table. Lookups are
// lock-free pointer loads; mutation of slot fields goes through mu,
// and user-callback execution is serialized by the busy flag.
type slot struct {
	fd int

	mu      sync.Mutex
	proto   Protocol
	udata   interface{}
	rhook   ReadHook
	whook   WriteHook
	timeout uint8

	lastTouch int64 // tick of last activity, atomic
	busy      int32 // callback mutual exclusion, atomic
	closing   int32 // scheduled close, atomic

	out writeBuffer
}

func newSlot(fd int, p Protocol, timeout uint8) *slot {
	return &slot{
		fd:      fd,
		proto:   p,
		rhook:   defaultReadHook,
		whook:   defaultWriteHook,
		timeout: timeout,
	}
}

func (sl *slot) tryBusy() bool {
	return atomic.CompareAndSwapInt32(&sl.busy, 0, 1)
}

// acquireBusy spins until the flag is won; holders are user callbacks
// and they are required not to block indefinitely.
func (sl *slot) acquireBusy() {
	for !sl.tryBusy() {
		runtime.Gosched()
	}
}

func (sl *slot) releaseBusy() {
	atomic.StoreInt32(&sl.busy, 0)
}

func (sl *slot) isClosing() bool {
	return atomic.LoadInt32(&sl.closing) == 1
}

func (sl *slot) setClosing() {
	atomic.StoreInt32(&sl.closing, 1)
}

func (sl *slot) touchAt(tick int64) {
	atomic.StoreInt64(&sl.lastTouch, tick)
}

func (sl *slot) protocol() Protocol {
	sl.mu.Lock()
	p := sl.proto
	sl.mu.Unlock()
	return p
}

func (sl *slot) readHook() ReadHook {
	sl.mu.Lock()
	h := sl.rhook
	sl.mu.Unlock()
	return h
}

func (sl *slot) writeHook() WriteHook {
	sl.mu.Lock()
	h := sl.whook
	sl.mu.Unlock()
	return h
}

func (sl *slot) timeoutSecs() uint8 {
	sl.mu.Lock()
	t := sl.timeout
	sl.mu.Unlock()
	return t
}

// slot returns the active slot for fd, or nil.
func (s *Server) slot(fd int) *slot {
	if fd < 0 || fd >= len(s.slots) {
		return nil
	}
	return s.slots[fd].Load()
}

// Attach brings an existing fd under the server's reactor and protocol
// management. The fd must be non-blocking. OnOpen fires before Attach
// returns.
func (s *Server) Attach(fd int, p Protocol) error {
	return s.attach(fd, p, s.settings.Timeout)
}

// AttachConn dup()s the fd out of a net.Conn and attaches it. The
// original conn is closed; the duplicated fd is returned.
func (s *Server) AttachConn(conn net.Conn, p Protocol) (int, error) {
	fd, err := dupconn(conn)
	if err != nil {
		return -1, err
	}
	conn.Close()
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := s.Attach(fd, p); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *Server) attach(fd int, p Protocol, timeout uint8) error {
	if p == nil {
		return ErrNoProtocol
	}
	if fd <= 2 || fd >= s.capacity {
		return ErrOutOfRange
	}

	sl := newSlot(fd, p, timeout)
	sl.busy = 1 // held until OnOpen completes
	sl.touchAt(atomic.LoadInt64(&s.tick))
	if !s.slots[fd].CompareAndSwap(nil, sl) {
		return ErrFdInUse
	}
	s.raiseMaxFd(fd)

	if err := s.pfd.watch(fd); err != nil {
		s.slots[fd].Store(nil)
		s.logger.Warn("failed to register fd", zap.Int("fd", fd), zap.Error(err))
		p.OnClose(s, fd)
		return err
	}

	p.OnOpen(s, fd)
	s.finishBusy(fd, sl)
	return nil
}

// Close closes the connection. If data is still queued the close is
// deferred until the queue drains; no new outbound packets are
// accepted meanwhile.
func (s *Server) Close(fd int) {
	sl := s.slot(fd)
	if sl == nil {
		return
	}
	sl.setClosing()

	if !sl.out.empty() {
		s.pfd.modReadWrite(fd)
		return
	}
	if sl.tryBusy() {
		s.teardown(fd, sl, true)
		return
	}
	// a callback holds the slot; the drain path closes it afterwards
	s.pfd.modReadWrite(fd)
}

// finishBusy releases the busy flag after a callback ran, completing a
// close that was requested during the callback and left nothing to
// drain. Non-socket fds never report write readiness, so the drain
// path cannot be relied on to finish such closes.
func (s *Server) finishBusy(fd int, sl *slot) {
	if sl.isClosing() && sl.out.empty() && s.slots[fd].Load() == sl {
		s.teardown(fd, sl, true)
		return
	}
	sl.releaseBusy()
}

// teardown deactivates the slot, fires OnClose exactly once and
// releases the fd. busyHeld reports whether the caller already won the
// busy flag.
func (s *Server) teardown(fd int, sl *slot, busyHeld bool) {
	if !s.slots[fd].CompareAndSwap(sl, nil) {
		if busyHeld {
			sl.releaseBusy()
		}
		return
	}
	if !busyHeld {
		sl.acquireBusy()
	}

	s.pfd.delete(fd)
	sl.out.releaseAll()
	sl.protocol().OnClose(s, fd)
	unix.Close(fd)
	sl.releaseBusy()
}

// Hijack relinquishes control of the socket without firing OnClose.
// It blocks until queued data has drained, then deregisters the fd and
// returns it to the caller. Call it from the connection's own callback
// or fd task, so no other callback can be mid-flight on the slot.
func (s *Server) Hijack(fd int) (int, error) {
	sl := s.slot(fd)
	if sl == nil {
		return -1, ErrNotAttached
	}

	hook := sl.writeHook()
	for {
		switch sl.out.drainStep(s, fd, hook) {
		case drainEmpty:
		case drainBlocked:
			runtime.Gosched()
			continue
		case drainFatal:
			s.Close(fd)
			return -1, ErrConnClosed
		}
		break
	}

	if !s.slots[fd].CompareAndSwap(sl, nil) {
		return -1, ErrNotAttached
	}
	s.pfd.delete(fd)
	return fd, nil
}

// Read reads up to len(buf) bytes through the connection's read hook.
// It returns 0 when no data is available. A fatal transport error
// closes the connection and returns ErrConnClosed.
func (s *Server) Read(fd int, buf []byte) (int, error) {
	sl := s.slot(fd)
	if sl == nil {
		return 0, ErrNotAttached
	}
	n := sl.readHook()(s, fd, buf)
	if n < 0 {
		s.Close(fd)
		return 0, ErrConnClosed
	}
	if n > 0 {
		sl.touchAt(atomic.LoadInt64(&s.tick))
	}
	return n, nil
}

// GetProtocol returns the active protocol for fd, or nil.
func (s *Server) GetProtocol(fd int) Protocol {
	sl := s.slot(fd)
	if sl == nil {
		return nil
	}
	return sl.protocol()
}

// SetProtocol swaps the connection's protocol. The swap takes the busy
// flag, so it never races a running callback.
func (s *Server) SetProtocol(fd int, p Protocol) error {
	if p == nil {
		return ErrNoProtocol
	}
	sl := s.slot(fd)
	if sl == nil {
		return ErrNotAttached
	}
	sl.acquireBusy()
	if s.slot(fd) != sl {
		sl.releaseBusy()
		return ErrNotAttached
	}
	sl.mu.Lock()
	sl.proto = p
	sl.mu.Unlock()
	sl.releaseBusy()
	return nil
}

// Udata returns the opaque user data associated with the connection.
func (s *Server) Udata(fd int) interface{} {
	sl := s.slot(fd)
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	u := sl.udata
	sl.mu.Unlock()
	return u
}

// SetUdata associates opaque user data with the connection and returns
// the previous value, if any.
func (s *Server) SetUdata(fd int, udata interface{}) interface{} {
	sl := s.slot(fd)
	if sl == nil {
		return nil
	}
	sl.mu.Lock()
	old := sl.udata
	sl.udata = udata
	sl.mu.Unlock()
	return old
}

// SetRWHooks installs transport hooks for the connection. Nil restores
// the default socket hooks. Hooks are cleared automatically when the
// connection closes.
func (s *Server) SetRWHooks(fd int, r ReadHook, w WriteHook) error {
	sl := s.slot(fd)
	if sl == nil {
		return ErrNotAttached
	}
	if r == nil {
		r = defaultReadHook
	}
	if w == nil {
		w = defaultWriteHook
	}
	sl.mu.Lock()
	sl.rhook = r
	sl.whook = w
	sl.mu.Unlock()
	return nil
}

// SetTimeout sets the connection's idle timeout in seconds, up to 255.
// Zero disables the timeout.
func (s *Server) SetTimeout(fd int, seconds uint8) {
	sl := s.slot(fd)
	if sl == nil {
		return
	}
	sl.mu.Lock()
	sl.timeout = seconds
	sl.mu.Unlock()
}

// Touch resets the connection's idle timeout counter.
func (s *Server) Touch(fd int) {
	sl := s.slot(fd)
	if sl != nil {
		sl.touchAt(atomic.LoadInt64(&s.tick))
	}
}

// IsBusy reports whether a protected callback is running on the
// connection right now.
func (s *Server) IsBusy(fd int) bool {
	sl := s.slot(fd)
	return sl != nil && atomic.LoadInt32(&sl.busy) == 1
}

// Count returns the number of active connections for the given
// service; empty counts all services.
func (s *Server) Count(service string) int {
	n := 0
	max := s.loadMaxFd()
	for fd := 0; fd <= max; fd++ {
		sl := s.slots[fd].Load()
		if sl == nil {
			continue
		}
		if service == "" || sl.protocol().Service() == service {
			n++
		}
	}
	return n
}
