package srv

import "go.uber.org/zap"

// Protocol controls the events of a single connection. A protocol value
// is borrowed, never owned: one value typically serves many fds, with
// per-connection state kept in the slot's user data.
//
// OnData, OnReady, Ping and per-fd tasks are serialized per connection
// by the slot's busy flag; they never overlap for the same fd.
type Protocol interface {
	// Service identifies the protocol, i.e. "http". Empty is valid.
	Service() string

	// OnOpen is called once the connection is attached.
	OnOpen(s *Server, fd int)

	// OnData is called when data is available. Reads are edge
	// triggered: consume until Read returns 0.
	OnData(s *Server, fd int)

	// OnReady is called when the outbound queue has fully drained,
	// signalling room for more writes.
	OnReady(s *Server, fd int)

	// OnShutdown is called for every active connection when the server
	// begins a graceful stop, before any close.
	OnShutdown(s *Server, fd int)

	// OnClose is called exactly once per attached fd.
	OnClose(s *Server, fd int)

	// Ping is called when the connection's idle timeout is reached.
	// Implementations that want to keep the connection should Touch it.
	Ping(s *Server, fd int)
}

// BaseProtocol is a no-op implementation of Protocol meant for
// embedding, so protocols only spell out the events they care about.
// Its Ping closes the idle connection.
type BaseProtocol struct{}

func (BaseProtocol) Service() string             { return "" }
func (BaseProtocol) OnOpen(_ *Server, _ int)     {}
func (BaseProtocol) OnData(_ *Server, _ int)     {}
func (BaseProtocol) OnReady(_ *Server, _ int)    {}
func (BaseProtocol) OnShutdown(_ *Server, _ int) {}
func (BaseProtocol) OnClose(_ *Server, _ int)    {}
func (BaseProtocol) Ping(s *Server, fd int)      { s.Close(fd) }

// ReadHook reads from the transport into buf. It returns the number of
// bytes placed in buf, 0 when no data is available yet, or -1 on a
// fatal error (the connection will be closed). TLS engines and
// monitoring layers plug in here.
type ReadHook func(s *Server, fd int, buf []byte) int

// WriteHook writes data to the transport. It returns the number of
// bytes that can be marked as sent, 0 for backpressure (the hook will
// be called again on the next write readiness), or -1 on a fatal
// error.
type WriteHook func(s *Server, fd int, data []byte) int

// ConnTask is a task targeted at a single connection.
type ConnTask func(s *Server, fd int, arg interface{})

// Settings sets up a server's behavior. Missing fields are filled with
// defaults; only Protocol is required.
type Settings struct {
	// Protocol is the default protocol for accepted connections.
	Protocol Protocol

	// Port to listen to. Defaults to "8080".
	Port string

	// Address to bind to. Defaults to all addresses.
	Address string

	// OnInit is called once per server instance before the loop
	// starts, allowing for timed event scheduling and the like.
	OnInit func(s *Server)

	// OnFinish is called when the instance is done, to clean up.
	OnFinish func(s *Server)

	// OnTick is called whenever the event loop cycled.
	OnTick func(s *Server)

	// OnIdle is called when a loop cycle had no pending events.
	OnIdle func(s *Server)

	// OnInitThread is called within each worker goroutine as it
	// spawns.
	OnInitThread func(s *Server)

	// BusyMsg, if set, is written to connections rejected for
	// capacity before they are closed.
	BusyMsg []byte

	// Udata is the server's global opaque user data.
	Udata interface{}

	// Threads sets the worker pool size. At most 1 keeps the server
	// fully single threaded: tasks run inline on the caller.
	Threads int

	// Processes sets the number of reactor instances sharing the
	// port. Each instance runs its own poller, connection table and
	// worker pool.
	Processes int

	// Timeout is the idle timeout for new connections in seconds,
	// up to 255. Defaults to 5.
	Timeout uint8

	// Logger receives lifecycle and error events. Defaults to a nop
	// logger.
	Logger *zap.Logger
}

func (st Settings) withDefaults() Settings {
	if st.Port == "" {
		st.Port = "8080"
	}
	if st.Threads < 1 {
		st.Threads = 1
	}
	if st.Processes < 1 {
		st.Processes = 1
	}
	if st.Timeout == 0 {
		st.Timeout = 5
	}
	if st.Logger == nil {
		st.Logger = zap.NewNop()
	}
	return st
}
