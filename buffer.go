//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package srv

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// file packets are drained in chunks of this size
const fileChunkSize = 64 * 1024

type ownership uint8

const (
	ownCopied ownership = iota // payload copied into the buffer
	ownMoved                   // payload handed over by the caller
	ownFile                    // payload streamed from an open file
)

// packet is one atomic unit of outbound data. Its bytes are never
// interleaved with those of another packet.
type packet struct {
	data   []byte
	file   *os.File
	sent   int
	own    ownership
	urgent bool
	next   *packet
}

var packetPool sync.Pool

func init() {
	packetPool.New = func() interface{} {
		return new(packet)
	}
}

func newPacket(data []byte, own ownership, urgent bool) *packet {
	p := packetPool.Get().(*packet)
	*p = packet{data: data, own: own, urgent: urgent}
	return p
}

func newFilePacket(f *os.File) *packet {
	p := packetPool.Get().(*packet)
	*p = packet{file: f, own: ownFile}
	return p
}

// refill loads the next chunk of a file packet. It reports false once
// the file is exhausted or unreadable, closing the file.
func (p *packet) refill() bool {
	if p.data == nil {
		p.data = make([]byte, fileChunkSize)
	}
	n, _ := p.file.Read(p.data[:fileChunkSize])
	if n <= 0 {
		p.file.Close()
		return false
	}
	p.data = p.data[:n]
	p.sent = 0
	return true
}

func (p *packet) release() {
	if p.file != nil {
		p.file.Close()
	}
	*p = packet{}
	packetPool.Put(p)
}

// writeBuffer is the per-fd ordered queue of outbound packets.
//
// Within each urgency class packets drain in FIFO order. An urgent
// packet overtakes all pending normal packets but never the packet
// currently in flight: the insertion point is after the in-flight
// packet and after previously queued urgent packets.
type writeBuffer struct {
	mu         sync.Mutex
	head, tail *packet
	lastUrgent *packet
}

func (b *writeBuffer) empty() bool {
	b.mu.Lock()
	e := b.head == nil
	b.mu.Unlock()
	return e
}

// push appends a packet, honoring its urgency class. Callers hold no
// other locks.
func (b *writeBuffer) push(p *packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !p.urgent {
		if b.tail == nil {
			b.head, b.tail = p, p
		} else {
			b.tail.next = p
			b.tail = p
		}
		return
	}

	// urgent: slot in after the in-flight packet and any earlier
	// urgent packets, ahead of all pending normal packets. A file
	// packet counts as in flight once its first chunk is loaded, since
	// refill resets sent for every chunk.
	after := b.lastUrgent
	if after == nil && b.head != nil &&
		(b.head.sent > 0 || b.head.own == ownFile && b.head.data != nil) {
		after = b.head
	}
	if after == nil {
		p.next = b.head
		b.head = p
		if b.tail == nil {
			b.tail = p
		}
	} else {
		p.next = after.next
		after.next = p
		if b.tail == after {
			b.tail = p
		}
	}
	b.lastUrgent = p
}

// pop removes the head packet. Caller holds b.mu.
func (b *writeBuffer) pop() {
	p := b.head
	if p == nil {
		return
	}
	b.head = p.next
	if b.head == nil {
		b.tail = nil
	}
	if b.lastUrgent == p {
		b.lastUrgent = nil
	}
	p.release()
}

type drainResult int

const (
	drainEmpty   drainResult = iota // queue fully drained
	drainBlocked                    // transport reported backpressure
	drainFatal                      // transport reported a fatal error
)

// drainStep pushes queued bytes through the write hook until the queue
// empties, the transport blocks, or the transport fails.
func (b *writeBuffer) drainStep(s *Server, fd int, hook WriteHook) drainResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		p := b.head
		if p == nil {
			return drainEmpty
		}

		if p.own == ownFile && p.sent == len(p.data) {
			if !p.refill() {
				b.pop()
				continue
			}
		}

		if p.sent < len(p.data) {
			n := hook(s, fd, p.data[p.sent:])
			if n < 0 {
				return drainFatal
			}
			if n == 0 {
				return drainBlocked
			}
			p.sent += n
			if p.sent < len(p.data) {
				continue
			}
		}

		if p.own == ownFile {
			if p.refill() {
				continue
			}
		}
		b.pop()
	}
}

// releaseAll drops every queued packet, closing file handles.
func (b *writeBuffer) releaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.head != nil {
		b.pop()
	}
	b.lastUrgent = nil
}

// defaultWriteHook writes straight to the socket. EINTR is retried,
// EAGAIN is no progress; other errors are fatal.
func defaultWriteHook(_ *Server, fd int, data []byte) int {
	for {
		n, err := unix.Write(fd, data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0
		}
		if err != nil {
			return -1
		}
		return n
	}
}

// defaultReadHook reads straight from the socket. A zero-byte read is
// a peer close and therefore fatal, matching recv semantics.
func defaultReadHook(_ *Server, fd int, buf []byte) int {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0
		}
		if err != nil || n == 0 {
			return -1
		}
		return n
	}
}
