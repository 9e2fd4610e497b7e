package srv

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// startServer runs Listen on an ephemeral port and hands back the
// instance once its loop is up. The instance is stopped on cleanup and
// the Listen error checked.
func startServer(t testing.TB, set Settings) (*Server, string) {
	t.Helper()

	ready := make(chan *Server, 1)
	userInit := set.OnInit
	set.Port = "0"
	set.OnInit = func(s *Server) {
		if userInit != nil {
			userInit(s)
		}
		ready <- s
	}

	errc := make(chan error, 1)
	go func() { errc <- Listen(set) }()

	select {
	case s := <-ready:
		t.Cleanup(func() {
			s.Stop()
			select {
			case err := <-errc:
				if err != nil {
					t.Errorf("listen returned %v", err)
				}
			case <-time.After(15 * time.Second):
				t.Error("server did not stop")
			}
		})
		return s, s.Addr().String()
	case err := <-errc:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, ""
}

func waitFor(t testing.TB, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// echoProto reads whatever is available and writes it back.
type echoProto struct {
	BaseProtocol
	opens  int32
	closes int32
	lastFd int32
}

func (p *echoProto) Service() string { return "echo" }

func (p *echoProto) OnOpen(s *Server, fd int) {
	atomic.StoreInt32(&p.lastFd, int32(fd))
	atomic.AddInt32(&p.opens, 1)
}

func (p *echoProto) OnClose(_ *Server, _ int) {
	atomic.AddInt32(&p.closes, 1)
}

func (p *echoProto) OnData(s *Server, fd int) {
	var buf [4096]byte
	for {
		n, err := s.Read(fd, buf[:])
		if err != nil || n == 0 {
			return
		}
		s.Write(fd, buf[:n])
	}
}

func TestEcho(t *testing.T) {
	p := &echoProto{}
	_, addr := startServer(t, Settings{Protocol: p})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	tx := []byte("hello\n")
	if _, err := conn.Write(tx); err != nil {
		t.Fatal(err)
	}
	rx := make([]byte, len(tx))
	if _, err := io.ReadFull(conn, rx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx, rx) {
		t.Fatalf("rx: %q, want %q", rx, tx)
	}

	conn.Close()
	waitFor(t, 5*time.Second, "close callback", func() bool {
		return atomic.LoadInt32(&p.closes) == 1
	})
	if got := atomic.LoadInt32(&p.opens); got != 1 {
		t.Fatalf("opens: %d, want 1", got)
	}
}

func TestEchoRoundTripLarge(t *testing.T) {
	p := &echoProto{}
	_, addr := startServer(t, Settings{Protocol: p})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	tx := make([]byte, 256*1024)
	for i := range tx {
		tx[i] = byte(i % 251)
	}

	go func() {
		conn.Write(tx)
	}()

	rx := make([]byte, len(tx))
	if _, err := io.ReadFull(conn, rx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tx, rx) {
		t.Fatal("round trip mismatch")
	}
}

// urgentProto floods a big packet and then an urgent one from OnOpen.
type urgentProto struct {
	BaseProtocol
	big []byte
}

func (p *urgentProto) OnOpen(s *Server, fd int) {
	s.SetTimeout(fd, 0)
	s.Write(fd, p.big)
	s.WriteUrgent(fd, []byte("!"))
}

func TestUrgentNeverSplitsAPacket(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	p := &urgentProto{big: big}
	_, addr := startServer(t, Settings{Protocol: p})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	rx := make([]byte, len(big)+1)
	if _, err := io.ReadFull(conn, rx); err != nil {
		t.Fatal(err)
	}

	bang := bytes.IndexByte(rx, '!')
	if bang < 0 {
		t.Fatal("urgent byte never arrived")
	}
	if n := bytes.Count(rx, []byte("!")); n != 1 {
		t.Fatalf("urgent byte seen %d times", n)
	}
	// the urgent byte may overtake the big packet entirely or trail
	// it, but it must never land inside it
	if bang != 0 && bang != len(big) {
		t.Fatalf("urgent byte split the packet at offset %d", bang)
	}
	rest := append(append([]byte{}, rx[:bang]...), rx[bang+1:]...)
	if !bytes.Equal(rest, big) {
		t.Fatal("payload corrupted around urgent byte")
	}
}

// pingProto counts pings and keeps the connection alive.
type pingProto struct {
	echoProto
	pings int32
}

func (p *pingProto) OnOpen(s *Server, fd int) {
	p.echoProto.OnOpen(s, fd)
	s.SetTimeout(fd, 1)
}

func (p *pingProto) Ping(s *Server, fd int) {
	atomic.AddInt32(&p.pings, 1)
	s.Touch(fd)
}

func TestTimeoutPing(t *testing.T) {
	p := &pingProto{}
	_, addr := startServer(t, Settings{Protocol: p})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, 6*time.Second, "pings", func() bool {
		return atomic.LoadInt32(&p.pings) >= 2
	})
	if got := atomic.LoadInt32(&p.closes); got != 0 {
		t.Fatalf("pinged connection was closed %d times", got)
	}

	// still alive
	if _, err := conn.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	rx := make([]byte, 2)
	if _, err := io.ReadFull(conn, rx); err != nil {
		t.Fatal(err)
	}
}

func TestIdleTimeoutCloses(t *testing.T) {
	p := &echoProto{}
	_, addr := startServer(t, Settings{Protocol: p, Timeout: 1})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// default Ping closes idle connections
	waitFor(t, 6*time.Second, "idle close", func() bool {
		return atomic.LoadInt32(&p.closes) == 1
	})
}

// shutdownProto queues a payload at open and records shutdown notices.
type shutdownProto struct {
	echoProto
	payload   []byte
	shutdowns int32
}

func (p *shutdownProto) OnOpen(s *Server, fd int) {
	p.echoProto.OnOpen(s, fd)
	s.SetTimeout(fd, 0)
	s.Write(fd, p.payload)
}

func (p *shutdownProto) OnShutdown(_ *Server, _ int) {
	atomic.AddInt32(&p.shutdowns, 1)
}

func TestGracefulStopDrains(t *testing.T) {
	const clients = 3
	payload := bytes.Repeat([]byte("x"), 256*1024)
	p := &shutdownProto{payload: payload}

	var finished int32
	s, addr := startServer(t, Settings{
		Protocol: p,
		OnFinish: func(*Server) { atomic.AddInt32(&finished, 1) },
	})

	conns := make([]net.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}
	waitFor(t, 5*time.Second, "opens", func() bool {
		return atomic.LoadInt32(&p.opens) == clients
	})

	s.Stop()

	got := make(chan int, clients)
	for _, conn := range conns {
		conn := conn
		go func() {
			rx := make([]byte, len(payload))
			n, _ := io.ReadFull(conn, rx)
			got <- n
		}()
	}
	for i := 0; i < clients; i++ {
		if n := <-got; n != len(payload) {
			t.Fatalf("client drained %d bytes, want %d", n, len(payload))
		}
	}

	waitFor(t, 10*time.Second, "closes", func() bool {
		return atomic.LoadInt32(&p.closes) == clients
	})
	if got := atomic.LoadInt32(&p.shutdowns); got != clients {
		t.Fatalf("shutdowns: %d, want %d", got, clients)
	}
	waitFor(t, 10*time.Second, "finish", func() bool {
		return atomic.LoadInt32(&finished) == 1
	})
}

func TestUdataAndProtocolSwap(t *testing.T) {
	p := &echoProto{}
	s, addr := startServer(t, Settings{Protocol: p, Udata: "global"})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, 5*time.Second, "open", func() bool {
		return atomic.LoadInt32(&p.opens) == 1
	})
	fd := int(atomic.LoadInt32(&p.lastFd))

	if old := s.SetUdata(fd, 42); old != nil {
		t.Fatalf("unexpected previous udata %v", old)
	}
	if got := s.Udata(fd); got != 42 {
		t.Fatalf("udata: %v, want 42", got)
	}
	if old := s.SetUdata(fd, "x"); old != 42 {
		t.Fatalf("previous udata: %v, want 42", old)
	}

	if got := s.GlobalUdata(); got != "global" {
		t.Fatalf("global udata: %v", got)
	}
	if old := s.SetGlobalUdata("next"); old != "global" {
		t.Fatalf("previous global udata: %v", old)
	}
	if got := s.GlobalUdata(); got != "next" {
		t.Fatalf("global udata after swap: %v", got)
	}

	other := &echoProto{}
	if err := s.SetProtocol(fd, other); err != nil {
		t.Fatal(err)
	}
	if s.GetProtocol(fd) != Protocol(other) {
		t.Fatal("protocol swap did not take")
	}
	if err := s.SetProtocol(12345, other); err == nil {
		t.Fatal("swap on inactive slot succeeded")
	}
}

func TestCount(t *testing.T) {
	p := &echoProto{}
	s, addr := startServer(t, Settings{Protocol: p})

	const n = 3
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
	}
	waitFor(t, 5*time.Second, "opens", func() bool {
		return atomic.LoadInt32(&p.opens) == n
	})

	if got := s.Count("echo"); got != n {
		t.Fatalf("count(echo): %d, want %d", got, n)
	}
	if got := s.Count(""); got != n {
		t.Fatalf("count(all): %d, want %d", got, n)
	}
	if got := s.Count("nope"); got != 0 {
		t.Fatalf("count(nope): %d, want 0", got)
	}
}

func TestCapacity(t *testing.T) {
	c := Capacity()
	if c < 8 {
		t.Fatalf("capacity: %d", c)
	}
	if c > maxCapacity {
		t.Fatalf("capacity above ceiling: %d", c)
	}
}

func TestMultiInstanceStopAll(t *testing.T) {
	p := &echoProto{}
	var inits int32
	errc := make(chan error, 1)
	go func() {
		errc <- Listen(Settings{
			Protocol:  p,
			Port:      "0",
			Processes: 2,
			OnInit:    func(*Server) { atomic.AddInt32(&inits, 1) },
		})
	}()

	waitFor(t, 5*time.Second, "instances", func() bool {
		return atomic.LoadInt32(&inits) == 2
	})
	StopAll()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("listen did not return after StopAll")
	}
}

// hijackProto hands the socket off on first data and records the raw fd.
type hijackProto struct {
	echoProto
	hijacked int32
	rawFd    int32
}

func (p *hijackProto) OnData(s *Server, fd int) {
	var buf [64]byte
	n, err := s.Read(fd, buf[:])
	if err != nil || n == 0 {
		return
	}
	raw, err := s.Hijack(fd)
	if err != nil {
		return
	}
	atomic.StoreInt32(&p.rawFd, int32(raw))
	atomic.AddInt32(&p.hijacked, 1)
}

func TestHijack(t *testing.T) {
	p := &hijackProto{}
	_, addr := startServer(t, Settings{Protocol: p})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("h")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "hijack", func() bool {
		return atomic.LoadInt32(&p.hijacked) == 1
	})
	if got := atomic.LoadInt32(&p.closes); got != 0 {
		t.Fatalf("hijack fired OnClose %d times", got)
	}
}
