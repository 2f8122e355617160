package hmr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livereload/internal/classify"
	"livereload/internal/metrics"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	written    chan []byte
	closeCodes chan int
	closed     chan struct{}
	peerGone   chan struct{}
	closeOnce  sync.Once
	peerOnce   sync.Once
	writeErr   atomic.Value
	closeCount atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written:    make(chan []byte, 16),
		closeCodes: make(chan int, 4),
		closed:     make(chan struct{}),
		peerGone:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if err, ok := c.writeErr.Load().(error); ok && err != nil {
		return err
	}
	if messageType != websocket.TextMessage {
		return errors.New("unexpected message type")
	}
	c.written <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCodes <- int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errFakeClosed
	case <-c.peerGone:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.closeCount.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.writeErr.Store(err)
}

func (c *fakeConn) disconnectPeer() {
	c.peerOnce.Do(func() { close(c.peerGone) })
}

func (c *fakeConn) nextMessage(t *testing.T) Message {
	t.Helper()
	select {
	case data := <-c.written:
		message, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return message
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

type runResult struct {
	err error
}

func startSession(t *testing.T, ctx context.Context, session *Session) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: session.Run(ctx)}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case result := <-done:
		return result.err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session to end")
	}
	return nil
}

func TestSessionSendsConnectedThenUpdates(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord, 2)
	session := NewSession(conn, updates, SessionOptions{Registry: &metrics.Registry{}})
	done := startSession(t, context.Background(), session)

	if first := conn.nextMessage(t); first.Type != MessageConnected {
		t.Fatalf("expected connected first, got %q", first.Type)
	}

	updates <- []classify.UpdateRecord{
		{Kind: classify.KindStyle, Path: "assets/app.css", Timestamp: 42},
		{Kind: classify.KindScript, Path: "assets/app.js", Timestamp: 42},
	}
	got := conn.nextMessage(t)
	want := Message{Type: MessageUpdate, Updates: []Update{
		{Type: UpdateCSS, Path: "assets/app.css", Timestamp: 42},
		{Type: UpdateJS, Path: "assets/app.js", Timestamp: 42},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected update (-want +got):\n%s", diff)
	}
	if session.State() != StateStreaming {
		t.Fatalf("expected streaming state, got %q", session.State())
	}

	close(updates)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSessionSkipsEmptyBatches(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord, 2)
	session := NewSession(conn, updates, SessionOptions{Registry: &metrics.Registry{}})
	done := startSession(t, context.Background(), session)
	conn.nextMessage(t)

	updates <- nil
	updates <- []classify.UpdateRecord{{Kind: classify.KindScript, Path: "a.js", Timestamp: 1}}
	message := conn.nextMessage(t)
	if message.Type != MessageUpdate || len(message.Updates) != 1 || message.Updates[0].Path != "a.js" {
		t.Fatalf("unexpected message %+v", message)
	}

	close(updates)
	waitRun(t, done)
}

func TestSessionHubCloseSendsNormalClosure(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord)
	var released atomic.Int32
	session := NewSession(conn, updates, SessionOptions{
		Registry: &metrics.Registry{},
		Release:  func() { released.Add(1) },
	})
	done := startSession(t, context.Background(), session)
	conn.nextMessage(t)

	close(updates)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if code := <-conn.closeCodes; code != websocket.CloseNormalClosure {
		t.Fatalf("expected close code %d, got %d", websocket.CloseNormalClosure, code)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %q", session.State())
	}
	if released.Load() != 1 {
		t.Fatalf("expected release once, got %d", released.Load())
	}
	if conn.closeCount.Load() != 1 {
		t.Fatalf("expected conn closed once, got %d", conn.closeCount.Load())
	}
}

func TestSessionContextCancelSendsGoingAway(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(conn, make(chan []classify.UpdateRecord), SessionOptions{Registry: &metrics.Registry{}})
	done := startSession(t, ctx, session)
	conn.nextMessage(t)

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if code := <-conn.closeCodes; code != websocket.CloseGoingAway {
		t.Fatalf("expected close code %d, got %d", websocket.CloseGoingAway, code)
	}
}

func TestSessionPeerDisconnectEndsRun(t *testing.T) {
	conn := newFakeConn()
	var released atomic.Int32
	session := NewSession(conn, make(chan []classify.UpdateRecord), SessionOptions{
		Registry: &metrics.Registry{},
		Release:  func() { released.Add(1) },
	})
	done := startSession(t, context.Background(), session)
	conn.nextMessage(t)

	conn.disconnectPeer()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %q", session.State())
	}
	if released.Load() != 1 {
		t.Fatalf("expected subscription released")
	}
}

func TestSessionWriteFailureReturnsError(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord, 1)
	session := NewSession(conn, updates, SessionOptions{Registry: &metrics.Registry{}})
	done := startSession(t, context.Background(), session)
	conn.nextMessage(t)

	writeErr := errors.New("broken pipe")
	conn.failWrites(writeErr)
	updates <- []classify.UpdateRecord{{Kind: classify.KindScript, Path: "a.js"}}

	err := waitRun(t, done)
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %q", session.State())
	}
}

func TestSessionConnectedWriteFailure(t *testing.T) {
	conn := newFakeConn()
	writeErr := errors.New("reset")
	conn.failWrites(writeErr)
	session := NewSession(conn, make(chan []classify.UpdateRecord), SessionOptions{Registry: &metrics.Registry{}})

	if err := session.Run(context.Background()); !errors.Is(err, writeErr) {
		t.Fatalf("expected connected write error, got %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected closed state, got %q", session.State())
	}
}

func TestSessionEncodeFailureDropsMessage(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord, 2)
	registry := &metrics.Registry{}
	var failed atomic.Bool
	session := NewSession(conn, updates, SessionOptions{
		Registry: registry,
		Encode: func(message Message) ([]byte, error) {
			if message.Type == MessageUpdate && failed.CompareAndSwap(false, true) {
				return nil, errors.New("unsupported value")
			}
			return Encode(message)
		},
	})
	done := startSession(t, context.Background(), session)
	conn.nextMessage(t)

	updates <- []classify.UpdateRecord{{Kind: classify.KindScript, Path: "dropped.js"}}
	updates <- []classify.UpdateRecord{{Kind: classify.KindScript, Path: "kept.js"}}
	message := conn.nextMessage(t)
	if len(message.Updates) != 1 || message.Updates[0].Path != "kept.js" {
		t.Fatalf("expected the second batch, got %+v", message)
	}

	var out bytes.Buffer
	_ = registry.WritePrometheus(&out)
	if !strings.Contains(out.String(), "livereload_encode_failures_total 1\n") {
		t.Fatalf("expected encode failure counted, got:\n%s", out.String())
	}

	close(updates)
	waitRun(t, done)
}

func TestSessionRunTwice(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan []classify.UpdateRecord)
	close(updates)
	session := NewSession(conn, updates, SessionOptions{Registry: &metrics.Registry{}})
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := session.Run(context.Background()); !errors.Is(err, ErrSessionStarted) {
		t.Fatalf("expected ErrSessionStarted, got %v", err)
	}
}

func TestSessionIDDefaultsToUUID(t *testing.T) {
	session := NewSession(newFakeConn(), nil, SessionOptions{})
	if len(session.ID()) != 36 {
		t.Fatalf("expected uuid session id, got %q", session.ID())
	}
	if named := NewSession(newFakeConn(), nil, SessionOptions{ID: "s1"}); named.ID() != "s1" {
		t.Fatalf("expected explicit id, got %q", named.ID())
	}
}
