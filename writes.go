//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package srv

import "os"

// Write copies data into the connection's outbound buffer. The copy is
// sent as one atomic packet once the socket is writable.
func (s *Server) Write(fd int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := append(make([]byte, 0, len(data)), data...)
	return s.enqueue(fd, newPacket(buf, ownCopied, false))
}

// WriteMove takes ownership of data and queues it without copying. The
// caller must not touch the slice afterwards.
func (s *Server) WriteMove(fd int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.enqueue(fd, newPacket(data, ownMoved, false))
}

// WriteUrgent copies data and queues it ahead of all pending normal
// packets, behind urgent packets already queued, and never ahead of
// the packet currently in flight.
func (s *Server) WriteUrgent(fd int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := append(make([]byte, 0, len(data)), data...)
	return s.enqueue(fd, newPacket(buf, ownCopied, true))
}

// WriteMoveUrgent is WriteMove with urgent ordering.
func (s *Server) WriteMoveUrgent(fd int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.enqueue(fd, newPacket(data, ownMoved, true))
}

// Sendfile streams a whole file as a single atomic packet, chunk by
// chunk. The file is closed once fully sent, or on teardown.
func (s *Server) Sendfile(fd int, f *os.File) error {
	if f == nil {
		return ErrNilFile
	}
	// on failure enqueue releases the packet, which closes the file
	return s.enqueue(fd, newFilePacket(f))
}

func (s *Server) enqueue(fd int, p *packet) error {
	sl := s.slot(fd)
	if sl == nil || sl.isClosing() {
		p.release()
		if sl == nil {
			return ErrNotAttached
		}
		return ErrConnClosed
	}
	sl.out.push(p)
	// the slot may have been torn down while the packet went in; make
	// sure a dead queue holds no file handles or payloads
	if s.slot(fd) != sl {
		sl.out.releaseAll()
		return ErrConnClosed
	}
	return s.pfd.modReadWrite(fd)
}
