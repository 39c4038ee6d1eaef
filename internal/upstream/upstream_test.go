package upstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDialer(t *testing.T, addr string) Dialer {
	t.Helper()
	return NewDialer(Config{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
		ReadBuffer:   4096,
	})
}

// echoListener accepts one connection and hands it to fn.
func echoListener(t *testing.T, fn func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()
	return ln.Addr().String()
}

func TestDialAndReadChunks(t *testing.T) {
	addr := echoListener(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("hello "))
		_, _ = conn.Write([]byte("world\n"))
		_ = conn.Close()
	})

	c, err := testDialer(t, addr)(context.Background())
	require.NoError(t, err)
	defer c.Close()

	var got []byte
	for chunk := range c.Chunks() {
		got = append(got, chunk...)
	}
	assert.Equal(t, "hello world\n", string(got))
}

func TestWriteReachesPeer(t *testing.T) {
	received := make(chan string, 1)
	addr := echoListener(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		_ = conn.Close()
	})

	c, err := testDialer(t, addr)(context.Background())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Write([]byte("look\n")))

	select {
	case got := <-received:
		assert.Equal(t, "look\n", got)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the write")
	}
}

func TestDialUnreachable(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing accepts on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = testDialer(t, addr)(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestWriteAfterClose(t *testing.T) {
	addr := echoListener(t, func(conn net.Conn) {
		time.Sleep(100 * time.Millisecond)
		_ = conn.Close()
	})

	c, err := testDialer(t, addr)(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	assert.ErrorIs(t, c.Write([]byte("x")), ErrClosed)
}

func TestChunksClosedOnPeerEOF(t *testing.T) {
	addr := echoListener(t, func(conn net.Conn) {
		_ = conn.Close()
	})

	c, err := testDialer(t, addr)(context.Background())
	require.NoError(t, err)
	defer c.Close()

	select {
	case _, open := <-c.Chunks():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("chunk channel never closed on EOF")
	}
}
