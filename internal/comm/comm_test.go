package comm_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jpl-devices/fieldgw/internal/comm"
)

func tcpEchoServer(t *testing.T, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
}

func TestPoolGetReleaseReuse(t *testing.T) {
	const addr = "127.0.0.1:18765"
	tcpEchoServer(t, addr)
	time.Sleep(10 * time.Millisecond)

	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	pool := comm.NewPool(2, time.Second, maker)

	conn, err := pool.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	pool.Put(conn)

	conn2, err := pool.Get()
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	pool.Put(conn2)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	const addr = "127.0.0.1:18766"
	tcpEchoServer(t, addr)
	time.Sleep(10 * time.Millisecond)

	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	pool := comm.NewPool(1, time.Second, maker)

	held, err := pool.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer pool.Put(held)

	done := make(chan struct{}, 1)
	go func() {
		_, _ = pool.Get()
		done <- struct{}{}
	}()

	select {
	case <-done:
		t.Fatal("expected pool at capacity to block for a second acquirer")
	case <-time.After(200 * time.Millisecond):
		// still blocked, as expected
	}
}

// TestTerminatorStripsDelimiter exercises the framing this package's
// Terminator is actually used for: internal/transport/pylon's
// 0x0D-terminated frames, where Read strips the trailing delimiter.
func TestTerminatorStripsDelimiter(t *testing.T) {
	rw := &loopbackBuffer{buf: bytes.NewBuffer([]byte{0x7E, 0x01, 0x02, 0x0D})}
	term := comm.NewTerminator(rw, 0x0D, 0x7E)

	buf := make([]byte, 16)
	n, err := term.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	got := buf[:n]
	want := []byte{0x7E, 0x01, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected delimiter stripped %X, got %X", want, got)
	}
}

// TestTerminatorAppendsWriteDelimiter exercises the write side: Write
// appends the Wterm byte before handing the frame to the underlying
// connection.
func TestTerminatorAppendsWriteDelimiter(t *testing.T) {
	rw := &loopbackBuffer{buf: &bytes.Buffer{}}
	term := comm.NewTerminator(rw, 0x0D, 0x7E)

	if _, err := term.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	want := []byte{0x01, 0x02, 0x7E}
	if !bytes.Equal(rw.buf.Bytes(), want) {
		t.Fatalf("expected %X written, got %X", want, rw.buf.Bytes())
	}
}

type loopbackBuffer struct {
	buf *bytes.Buffer
}

func (l *loopbackBuffer) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopbackBuffer) Write(p []byte) (int, error) { return l.buf.Write(p) }
