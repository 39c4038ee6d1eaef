package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmud/mudgate/internal/config"
	"github.com/openmud/mudgate/internal/protocol"
	"github.com/openmud/mudgate/internal/sound"
	"github.com/openmud/mudgate/internal/upstream"
)

func testCfg() config.Config {
	return config.Config{
		MUDHost:              "127.0.0.1",
		MUDPort:              4000,
		HistoryMaxBytes:      4096,
		HistoryMaxLines:      100,
		CommandQueueMax:      3,
		CommandMaxLen:        512,
		MaxSessions:          2,
		IdleTimeout:          time.Minute,
		SweepInterval:        time.Second,
		RemovalDelay:         10 * time.Millisecond,
		QuitGrace:            time.Millisecond,
		DrainGrace:           time.Second,
		DialTimeout:          time.Second,
		WriteTimeout:         time.Second,
		ReadBuffer:           4096,
		FrameMaxBytes:        64 * 1024,
		FrameRate:            20,
		FrameBurst:           20,
		WriteHighWater:       256,
		PartialFlushInterval: 20 * time.Millisecond,
		PartialFlushBytes:    4096,
	}
}

type fakeTransport struct {
	id string

	mu        sync.Mutex
	frames    []*protocol.Envelope
	failSend  bool
	closed    bool
	closeCode int
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeTransport) ofType(frameType string) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.frames {
		if env.Type == frameType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, env := range f.frames {
		out[i] = env.Type
	}
	return out
}

func (f *fakeTransport) lineContents() []string {
	var out []string
	for _, env := range f.ofType(protocol.TypeLine) {
		out = append(out, env.String("content"))
	}
	return out
}

type fakeConn struct {
	chunks chan []byte

	mu        sync.Mutex
	writes    []string
	failWrite error
	closed    bool

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{chunks: make(chan []byte, 16)}
}

func (f *fakeConn) Chunks() <-chan []byte { return f.chunks }

func (f *fakeConn) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return upstream.ErrClosed
	}
	if f.failWrite != nil {
		return f.failWrite
	}
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.chunks) })
	return nil
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeConn) feed(s string) { f.chunks <- []byte(s) }

func fakeDialer(conn *fakeConn) upstream.Dialer {
	return func(ctx context.Context) (upstream.Conn, error) {
		return conn, nil
	}
}

func failingDialer(err error) upstream.Dialer {
	return func(ctx context.Context) (upstream.Conn, error) {
		return nil, err
	}
}

// connectedSession builds a session attached to one transport with a live
// fake upstream.
func connectedSession(t *testing.T, rules string) (*Session, *fakeTransport, *fakeConn) {
	t.Helper()

	var engine *sound.Engine
	if rules == "" {
		engine = sound.NewEngine(nil)
	} else {
		parsed, err := sound.Parse([]byte(rules))
		require.NoError(t, err)
		engine = sound.NewEngine(parsed)
	}

	conn := newFakeConn()
	s := newSession("pub", "own", testCfg(), fakeDialer(conn), engine)
	tr := newFakeTransport("t1")
	s.createAttach(tr)

	s.RequestConnect(context.Background())
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() { s.close("test done") })
	return s, tr, conn
}

func waitLines(t *testing.T, tr *fakeTransport, want int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tr.lineContents()) >= want
	}, time.Second, 5*time.Millisecond)
	return tr.lineContents()
}

func TestPartialLineAssembly(t *testing.T) {
	_, tr, conn := connectedSession(t, "")

	conn.feed("hello ")
	conn.feed("world\nhi\n")

	lines := waitLines(t, tr, 2)
	assert.Equal(t, []string{"hello world", "hi"}, lines)
}

func TestCRLFHandling(t *testing.T) {
	_, tr, conn := connectedSession(t, "")

	conn.feed("one\r\ntwo\r\n")

	lines := waitLines(t, tr, 2)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestCommandSplitting(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	s.SubmitCommand(tr, "look; smile; say hi")

	assert.Equal(t, []string{"look\n", "smile\n", "say hi\n"}, conn.written())
}

func TestCommandTruncation(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	s.SubmitCommand(tr, string(long))

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.Len(t, writes[0], 513) // 512 plus newline
}

func TestCommandTruncationKeepsRunesIntact(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	// The first byte of the final rune sits exactly on the length limit.
	value := strings.Repeat("a", 511) + "日本語"
	s.SubmitCommand(tr, value)

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.Equal(t, strings.Repeat("a", 511)+"\n", writes[0])
	assert.True(t, utf8.ValidString(writes[0]))
}

func TestBackpressuredQueueDrainsWithoutNewInput(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	conn.mu.Lock()
	conn.failWrite = upstream.ErrBackpressure
	conn.mu.Unlock()

	s.SubmitCommand(tr, "north")
	assert.Empty(t, conn.written())

	conn.mu.Lock()
	conn.failWrite = nil
	conn.mu.Unlock()

	// The periodic flush ticker drains the queue; no further input needed.
	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"north\n"}, conn.written())
}

func TestCommandWhileDisconnected(t *testing.T) {
	s := newSession("pub", "own", testCfg(), failingDialer(upstream.ErrUnreachable), sound.NewEngine(nil))
	tr := newFakeTransport("t1")
	s.createAttach(tr)

	s.SubmitCommand(tr, "look")

	sys := tr.ofType(protocol.TypeSystem)
	require.Len(t, sys, 1)
	assert.Equal(t, "not connected", sys[0].String("message"))
}

func TestQueueWhileConnectingAndDrain(t *testing.T) {
	conn := newFakeConn()
	dialStarted := make(chan struct{})
	dialRelease := make(chan struct{})
	dial := func(ctx context.Context) (upstream.Conn, error) {
		close(dialStarted)
		<-dialRelease
		return conn, nil
	}

	s := newSession("pub", "own", testCfg(), dial, sound.NewEngine(nil))
	tr := newFakeTransport("t1")
	s.createAttach(tr)

	s.RequestConnect(context.Background())
	<-dialStarted
	require.Equal(t, StateConnecting, s.State())

	s.SubmitCommand(tr, "north")
	s.SubmitCommand(tr, "south")
	assert.Empty(t, conn.written())

	close(dialRelease)
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"north\n", "south\n"}, conn.written())
	t.Cleanup(func() { s.close("test done") })
}

func TestQueueOverflowRefusesNewCommand(t *testing.T) {
	dialRelease := make(chan struct{})
	dial := func(ctx context.Context) (upstream.Conn, error) {
		<-dialRelease
		return nil, upstream.ErrUnreachable
	}

	s := newSession("pub", "own", testCfg(), dial, sound.NewEngine(nil))
	tr := newFakeTransport("t1")
	s.createAttach(tr)
	s.RequestConnect(context.Background())

	require.Eventually(t, func() bool {
		return s.State() == StateConnecting
	}, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		s.SubmitCommand(tr, "cmd")
	}
	s.SubmitCommand(tr, "one too many")

	errs := tr.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "queue_full", errs[0].String("message"))

	close(dialRelease)
}

func TestUpstreamEOFTransitionsToDisconnected(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	_ = conn.Close()

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	var sawLost bool
	for _, env := range tr.ofType(protocol.TypeSystem) {
		if env.String("message") == "connection to the game server was lost" {
			sawLost = true
		}
	}
	assert.True(t, sawLost)
}

func TestConnectFailureReportsSystem(t *testing.T) {
	s := newSession("pub", "own", testCfg(), failingDialer(upstream.ErrUnreachable), sound.NewEngine(nil))
	tr := newFakeTransport("t1")
	s.createAttach(tr)

	s.RequestConnect(context.Background())

	require.Eventually(t, func() bool {
		return len(tr.ofType(protocol.TypeSystem)) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestPromptTransitionsToAwaitingLogin(t *testing.T) {
	s, _, conn := connectedSession(t, "")

	conn.feed("Enter your name:\n")

	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingLogin
	}, time.Second, 5*time.Millisecond)
}

func TestPartialPromptFlushed(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	// No trailing newline; the periodic flush must promote it.
	conn.feed("password: ")

	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingLogin
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, waitLines(t, tr, 1), "password:")
}

func TestLoginSequence(t *testing.T) {
	s, _, conn := connectedSession(t, "")

	conn.feed("login:\n")
	require.Eventually(t, func() bool {
		return s.State() == StateAwaitingLogin
	}, time.Second, 5*time.Millisecond)

	s.SubmitLogin("alice", "hunter2")

	require.Eventually(t, func() bool {
		return len(conn.written()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p\n", "alice\n", "hunter2\n"}, conn.written())
	assert.Equal(t, "alice", s.CredentialsHint())

	// A non-prompt line after the login completes the transition.
	conn.feed("Welcome back, alice!\n")
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestSoundEventsFollowTheirLine(t *testing.T) {
	_, tr, conn := connectedSession(t, `
rules:
  - trigger: "^You hear (.*) howl$"
    send:
      - play(channel="fx", path="wolf_%1.wav", volume=80)
`)

	conn.feed("You hear grey howl\n")

	require.Eventually(t, func() bool {
		return len(tr.ofType(protocol.TypeSound)) == 1
	}, time.Second, 5*time.Millisecond)

	types := tr.types()
	lineIdx, soundIdx := -1, -1
	for i, ft := range types {
		if ft == protocol.TypeLine && lineIdx < 0 {
			lineIdx = i
		}
		if ft == protocol.TypeSound {
			soundIdx = i
		}
	}
	require.GreaterOrEqual(t, lineIdx, 0)
	assert.Greater(t, soundIdx, lineIdx)

	events, ok := tr.ofType(protocol.TypeSound)[0].Payload["events"].([]sound.Op)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "wolf_grey.wav", events[0].Path)
}

func TestGaggedLineSuppressed(t *testing.T) {
	_, tr, conn := connectedSession(t, `
rules:
  - trigger: "^spam$"
    gag: true
    send:
      - play(path="ding.wav")
`)

	conn.feed("spam\nreal line\n")

	lines := waitLines(t, tr, 1)
	assert.Equal(t, []string{"real line"}, lines)
	assert.Len(t, tr.ofType(protocol.TypeSound), 1)
}

func TestFanOutToAllTransports(t *testing.T) {
	s, tr1, conn := connectedSession(t, "")
	tr2 := newFakeTransport("t2")
	s.recoverAttach(tr2)

	conn.feed("shared line\n")

	waitLines(t, tr1, 1)
	waitLines(t, tr2, 1)
	assert.Equal(t, tr1.lineContents(), tr2.lineContents())
}

func TestFailingTransportDropped(t *testing.T) {
	s, tr1, conn := connectedSession(t, "")
	tr2 := newFakeTransport("t2")
	tr2.failSend = true
	s.mu.Lock()
	s.transports[tr2.ID()] = tr2
	s.mu.Unlock()

	conn.feed("a line\n")
	waitLines(t, tr1, 1)

	tr2.mu.Lock()
	defer tr2.mu.Unlock()
	assert.True(t, tr2.closed)
	assert.Equal(t, protocol.CloseInternalError, tr2.closeCode)
}

func TestManualDisconnect(t *testing.T) {
	s, _, conn := connectedSession(t, "")

	s.RequestDisconnect()

	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, s.isManuallyDisconnected())
	assert.Equal(t, []string{"quit\n"}, conn.written())
	assert.Empty(t, s.CredentialsHint())

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)
}

func TestServerDisconnectMarker(t *testing.T) {
	s, tr, conn := connectedSession(t, "")

	conn.feed("Goodbye!\n*** Disconnected ***\n")

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	lines := tr.lineContents()
	assert.Contains(t, lines, "Goodbye!")
	assert.Contains(t, lines, "*** Disconnected ***")

	var sawNotice bool
	for _, env := range tr.ofType(protocol.TypeSystem) {
		if env.String("message") == "disconnected by the game server" {
			sawNotice = true
		}
	}
	assert.True(t, sawNotice)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)
}

func TestConfirmPromptFrame(t *testing.T) {
	_, tr, conn := connectedSession(t, "")

	conn.feed("Are you sure you'd like to do this?\n")

	require.Eventually(t, func() bool {
		return len(tr.ofType(protocol.TypeConfirm)) == 1
	}, time.Second, 5*time.Millisecond)
}
