package srv

import "github.com/pkg/errors"

var (
	// ErrNoProtocol is returned when settings carry no default protocol,
	// or when Attach is handed a nil protocol.
	ErrNoProtocol = errors.New("protocol is required")

	// ErrServerClosed is returned for operations on a stopped server.
	ErrServerClosed = errors.New("server closed")

	// ErrOutOfRange is returned when a file descriptor is negative,
	// reserved (0-2) or beyond the server's capacity.
	ErrOutOfRange = errors.New("fd out of range")

	// ErrNotAttached is returned for operations on an fd without an
	// active connection slot.
	ErrNotAttached = errors.New("fd not attached")

	// ErrFdInUse is returned by Attach when the fd already has a slot.
	ErrFdInUse = errors.New("fd already attached")

	// ErrConnClosed is returned when a read or write hook reported a
	// fatal error and the connection has been torn down.
	ErrConnClosed = errors.New("connection closed")

	// ErrUnsupported is returned for conns that cannot expose a raw fd.
	ErrUnsupported = errors.New("unsupported connection type")

	// ErrNilTask is returned when a nil task function is scheduled.
	ErrNilTask = errors.New("nil task")

	// ErrNilFile is returned by Sendfile for a nil file handle.
	ErrNilFile = errors.New("nil file")
)
