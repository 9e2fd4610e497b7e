//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

// Package srv is a protocol-agnostic TCP server core.
//
// Each server instance runs a single event-loop goroutine over an
// epoll/kqueue poller, routing readiness events to user-supplied
// Protocol callbacks, buffering outbound writes under backpressure and
// enforcing per-connection idle timeouts. An optional worker pool
// executes scheduled tasks; with Threads <= 1 the core is fully
// single-threaded cooperative.
package srv

import (
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// bound on how long a graceful stop keeps draining outbound buffers
const shutdownGrace = 5 * time.Second

// connection table hard ceiling, regardless of the fd limit
const maxCapacity = 1 << 20

// all live server instances, for StopAll
var instances sync.Map

// Server is one reactor instance: a poller, a connection table and a
// worker pool, created by Listen and destroyed when Listen returns.
type Server struct {
	settings Settings
	logger   *zap.Logger
	id       int

	pfd      *poller
	ln       net.Listener
	lnf      *os.File
	lnfd     int
	capacity int

	slots []atomic.Pointer[slot]
	maxFd int64 // high-water fd mark, atomic
	tick  int64 // seconds since start, atomic

	globalMu sync.Mutex
	global   interface{}

	chTasks      chan func()
	workersWG    sync.WaitGroup
	dieTasks     chan struct{}
	dieTasksOnce sync.Once
	taskStop     int32

	die     chan struct{}
	dieOnce sync.Once
}

// Listen starts serving with the given settings and blocks until the
// server is stopped, either through Stop/StopAll or on SIGINT/SIGTERM.
// Settings.Processes > 1 runs that many reactor instances over
// SO_REUSEPORT listeners. A nil return means a clean stop; a non-nil
// return means listener or poller setup failed.
func Listen(settings Settings) error {
	settings = settings.withDefaults()
	if settings.Protocol == nil {
		return ErrNoProtocol
	}

	shared := settings.Processes > 1
	servers := make([]*Server, 0, settings.Processes)
	for i := 0; i < settings.Processes; i++ {
		s, err := newServer(settings, i, shared)
		if err != nil {
			for _, prev := range servers {
				prev.release()
			}
			return err
		}
		servers = append(servers, s)
	}

	var g errgroup.Group
	for _, s := range servers {
		s := s
		g.Go(s.serve)
	}
	return g.Wait()
}

func newServer(settings Settings, id int, shared bool) (*Server, error) {
	capacity := Capacity()

	addr := net.JoinHostPort(settings.Address, settings.Port)
	var ln net.Listener
	var err error
	if shared {
		ln, err = reuseport.Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	tcpln, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, ErrUnsupported
	}
	f, err := tcpln.File()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "listener file")
	}
	lnfd := int(f.Fd())
	if err := unix.SetNonblock(lnfd, true); err != nil {
		f.Close()
		ln.Close()
		return nil, errors.Wrap(err, "set nonblock")
	}
	if lnfd >= capacity {
		f.Close()
		ln.Close()
		return nil, ErrOutOfRange
	}

	pfd, err := openPoller()
	if err != nil {
		f.Close()
		ln.Close()
		return nil, err
	}
	if err := pfd.watch(lnfd); err != nil {
		pfd.close()
		f.Close()
		ln.Close()
		return nil, err
	}

	s := &Server{
		settings: settings,
		logger:   settings.Logger,
		id:       id,
		pfd:      pfd,
		ln:       ln,
		lnf:      f,
		lnfd:     lnfd,
		capacity: capacity,
		slots:    make([]atomic.Pointer[slot], capacity),
		dieTasks: make(chan struct{}),
		die:      make(chan struct{}),
	}
	return s, nil
}

// release frees resources of an instance whose loop never ran.
func (s *Server) release() {
	s.pfd.close()
	s.lnf.Close()
	s.ln.Close()
}

func (s *Server) serve() error {
	instances.Store(s, struct{}{})
	defer instances.Delete(s)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		select {
		case <-sigch:
			s.Stop()
		case <-s.die:
		}
	}()

	s.startWorkers()
	s.logger.Info("server listening",
		zap.Int("instance", s.id),
		zap.String("addr", s.ln.Addr().String()),
		zap.Int("capacity", s.capacity))

	if s.settings.OnInit != nil {
		s.settings.OnInit(s)
	}
	err := s.run()
	if s.settings.OnFinish != nil {
		s.settings.OnFinish(s)
	}
	return err
}

// run is the event loop: poller batches drive dispatch and drains, a
// once-per-second tick drives the timeout sweep.
func (s *Server) run() error {
	chEvents := make(chan pollerEvents)
	go s.pfd.wait(chEvents)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case pe := <-chEvents:
			if len(pe) == 0 {
				if s.settings.OnIdle != nil {
					s.settings.OnIdle(s)
				}
			} else {
				for _, e := range pe {
					s.handleEvent(e)
				}
			}
			if s.settings.OnTick != nil {
				s.settings.OnTick(s)
			}
		case <-ticker.C:
			s.sweepTimeouts()
		case <-s.die:
			return s.shutdown(chEvents)
		}
	}
}

func (s *Server) handleEvent(e event) {
	if e.ident == s.lnfd {
		if e.r {
			s.accept()
		}
		return
	}

	sl := s.slot(e.ident)
	if sl == nil {
		return
	}
	if e.r {
		s.dispatch(e.ident, sl, Protocol.OnData)
	}
	if e.w {
		s.drain(e.ident, sl)
	}
	if e.hup && !e.r {
		if s.slot(e.ident) == sl {
			s.teardown(e.ident, sl, false)
		}
	}
}

// accept drains the listening socket. Edge triggering requires going
// until EAGAIN.
func (s *Server) accept() {
	for {
		nfd, _, err := unix.Accept(s.lnfd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				s.logger.Warn("accept: out of file descriptors", zap.Error(err))
			default:
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		unix.SetNonblock(nfd, true)
		unix.CloseOnExec(nfd)

		if nfd >= s.capacity {
			s.reject(nfd)
			continue
		}
		if err := s.attach(nfd, s.settings.Protocol, s.settings.Timeout); err != nil {
			unix.Close(nfd)
		}
	}
}

// reject turns away a connection over capacity, with the busy message
// when one is configured.
func (s *Server) reject(fd int) {
	if len(s.settings.BusyMsg) > 0 {
		unix.Write(fd, s.settings.BusyMsg)
	}
	unix.Close(fd)
}

// dispatch runs a protocol callback under the connection's busy flag.
// If the flag is contended the event is re-queued through the worker
// pool instead of being invoked recursively, keeping user state
// single-threaded per connection.
func (s *Server) dispatch(fd int, sl *slot, f func(Protocol, *Server, int)) {
	if sl.isClosing() {
		return
	}
	if sl.tryBusy() {
		if s.slots[fd].Load() == sl && !sl.isClosing() {
			f(sl.protocol(), s, fd)
		}
		s.finishBusy(fd, sl)
		return
	}

	s.submitInternal(func() {
		for {
			if s.slots[fd].Load() != sl || sl.isClosing() {
				return
			}
			if sl.tryBusy() {
				if s.slots[fd].Load() == sl && !sl.isClosing() {
					f(sl.protocol(), s, fd)
				}
				s.finishBusy(fd, sl)
				return
			}
			runtime.Gosched()
		}
	})
}

// drain flushes the outbound queue on write readiness.
func (s *Server) drain(fd int, sl *slot) {
	switch sl.out.drainStep(s, fd, sl.writeHook()) {
	case drainFatal:
		s.teardown(fd, sl, false)
	case drainEmpty:
		if sl.isClosing() {
			s.teardown(fd, sl, false)
			return
		}
		s.pfd.modRead(fd)
		// a writer may have slipped a packet in after the queue ran
		// dry; rearm so it is not stranded
		if !sl.out.empty() {
			s.pfd.modReadWrite(fd)
			return
		}
		s.dispatch(fd, sl, Protocol.OnReady)
	case drainBlocked:
	}
}

// sweepTimeouts advances the tick and pings or closes idle
// connections. Busy slots are skipped; they are not idle.
func (s *Server) sweepTimeouts() {
	now := atomic.AddInt64(&s.tick, 1)
	max := s.loadMaxFd()
	for fd := 0; fd <= max && fd < len(s.slots); fd++ {
		sl := s.slots[fd].Load()
		if sl == nil || sl.isClosing() {
			continue
		}
		t := sl.timeoutSecs()
		if t == 0 || now-atomic.LoadInt64(&sl.lastTouch) < int64(t) {
			continue
		}
		if sl.tryBusy() {
			if s.slots[fd].Load() == sl && !sl.isClosing() {
				sl.protocol().Ping(s, fd)
			}
			s.finishBusy(fd, sl)
		}
	}
}

// shutdown is the graceful stop: no new connections or tasks, notify
// every connection, drain outbound buffers for a bounded interval,
// then close what remains and drain queued tasks.
func (s *Server) shutdown(chEvents <-chan pollerEvents) error {
	s.logger.Info("server stopping", zap.Int("instance", s.id))
	atomic.StoreInt32(&s.taskStop, 1)
	s.pfd.delete(s.lnfd)

	max := s.loadMaxFd()
	for fd := 0; fd <= max && fd < len(s.slots); fd++ {
		sl := s.slots[fd].Load()
		if sl == nil {
			continue
		}
		sl.acquireBusy()
		if s.slots[fd].Load() == sl {
			sl.protocol().OnShutdown(s, fd)
		}
		sl.releaseBusy()
	}

	deadline := time.Now().Add(shutdownGrace)
	for !s.allDrained() && time.Now().Before(deadline) {
		select {
		case pe := <-chEvents:
			for _, e := range pe {
				if e.ident == s.lnfd || !e.w {
					continue
				}
				if sl := s.slot(e.ident); sl != nil {
					s.drain(e.ident, sl)
				}
			}
		case <-time.After(50 * time.Millisecond):
		}
	}

	max = s.loadMaxFd()
	for fd := 0; fd <= max && fd < len(s.slots); fd++ {
		if sl := s.slots[fd].Load(); sl != nil {
			s.teardown(fd, sl, false)
		}
	}

	s.stopWorkers()
	s.pfd.close()
	s.lnf.Close()
	s.ln.Close()
	s.logger.Info("server stopped", zap.Int("instance", s.id))
	return nil
}

func (s *Server) allDrained() bool {
	max := s.loadMaxFd()
	for fd := 0; fd <= max && fd < len(s.slots); fd++ {
		if sl := s.slots[fd].Load(); sl != nil && !sl.out.empty() {
			return false
		}
	}
	return true
}

func (s *Server) raiseMaxFd(fd int) {
	for {
		cur := atomic.LoadInt64(&s.maxFd)
		if int64(fd) <= cur || atomic.CompareAndSwapInt64(&s.maxFd, cur, int64(fd)) {
			return
		}
	}
}

func (s *Server) loadMaxFd() int {
	return int(atomic.LoadInt64(&s.maxFd))
}

// Stop begins a graceful stop of this instance.
func (s *Server) Stop() {
	s.dieOnce.Do(func() {
		close(s.die)
	})
}

// StopAll stops every live server instance in the process.
func StopAll() {
	instances.Range(func(key, _ interface{}) bool {
		key.(*Server).Stop()
		return true
	})
}

// ID returns the instance index within its Listen call.
func (s *Server) ID() int { return s.id }

// Addr returns the listener's address, useful with Port "0".
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Settings exposes the instance's settings, with defaults filled in.
func (s *Server) Settings() *Settings { return &s.settings }

// GlobalUdata returns the server-wide opaque user data.
func (s *Server) GlobalUdata() interface{} {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if s.global != nil {
		return s.global
	}
	return s.settings.Udata
}

// SetGlobalUdata replaces the server-wide opaque user data and returns
// the previous value.
func (s *Server) SetGlobalUdata(udata interface{}) interface{} {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	old := s.global
	if old == nil {
		old = s.settings.Udata
	}
	s.global = udata
	return old
}

// Capacity probes the process fd limit, raises it to the hard maximum
// and subtracts a margin for the poller, timer fds, the listening
// socket and response files. The result bounds the connection table.
func Capacity() int {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 1024
	}
	if lim.Cur < lim.Max {
		lim.Cur = lim.Max
		unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
		unix.Getrlimit(unix.RLIMIT_NOFILE, &lim)
	}

	c := maxCapacity
	if cur := int64(lim.Cur); cur > 0 && cur < int64(maxCapacity) {
		c = int(cur)
	}
	margin := c / 8
	if margin < 64 {
		margin = 64
	}
	c -= margin
	if c < 8 {
		c = 8
	}
	return c
}
