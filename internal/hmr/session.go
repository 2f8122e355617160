// Package hmr implements the live-reload wire protocol and the per-client
// delivery loop that feeds it.
package hmr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"livereload/internal/classify"
	"livereload/internal/logging"
	"livereload/internal/metrics"
	"livereload/internal/otel"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultWriteTimeout = 10 * time.Second

type State string

const (
	StateUpgrading State = "upgrading"
	StateConnected State = "connected"
	StateStreaming State = "streaming"
	StateClosed    State = "closed"
)

var ErrSessionStarted = errors.New("hmr session already started")

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type SessionOptions struct {
	ID           string
	WriteTimeout time.Duration
	Logger       *logging.Logger
	Registry     *metrics.Registry
	// Release is called once when the session closes, typically the
	// subscription cancel func.
	Release func()
	// Encode replaces the JSON encoder.
	Encode func(Message) ([]byte, error)
}

// Session delivers update batches to one connected client.
type Session struct {
	id           string
	conn         Conn
	updates      <-chan []classify.UpdateRecord
	writeTimeout time.Duration
	logger       *logging.Logger
	registry     *metrics.Registry
	release      func()
	encode       func(Message) ([]byte, error)

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func NewSession(conn Conn, updates <-chan []classify.UpdateRecord, options SessionOptions) *Session {
	id := options.ID
	if id == "" {
		id = uuid.NewString()
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	encode := options.Encode
	if encode == nil {
		encode = Encode
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Session{
		id:           id,
		conn:         conn,
		updates:      updates,
		writeTimeout: writeTimeout,
		logger:       options.Logger.Category("session").With(map[string]string{"session_id": id}),
		registry:     registry,
		release:      options.Release,
		encode:       encode,
		state:        StateUpgrading,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run sends the connected greeting and then streams batches until the
// subscription closes, ctx is cancelled, the peer goes away or a write fails.
// Only transport failures while writing are returned; every other ending is
// orderly. The session is closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.transition(StateUpgrading, StateConnected) {
		return ErrSessionStarted
	}
	s.registry.IncSessionOpened()
	defer s.registry.IncSessionClosed()
	defer s.close()

	if err := s.send(ConnectedMessage()); err != nil {
		s.logger.Debug("hmr connect failed", map[string]string{"error": err.Error()})
		return fmt.Errorf("send connected: %w", err)
	}
	s.transition(StateConnected, StateStreaming)
	s.logger.Debug("hmr client connected", nil)

	peerGone := make(chan error, 1)
	go s.readPump(peerGone)

	for {
		select {
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway, "server shutting down")
			return nil
		case err := <-peerGone:
			s.logger.Debug("hmr client disconnected", map[string]string{"error": err.Error()})
			return nil
		case records, ok := <-s.updates:
			if !ok {
				s.writeClose(websocket.CloseNormalClosure, "update stream closed")
				return nil
			}
			if len(records) == 0 {
				continue
			}
			if err := s.send(UpdateMessage(records)); err != nil {
				var encodeErr *encodeError
				if errors.As(err, &encodeErr) {
					s.registry.IncEncodeFailure()
					s.logger.Error("hmr message encode failed", map[string]string{
						"error":   encodeErr.err.Error(),
						"updates": strconv.Itoa(len(records)),
					})
					continue
				}
				s.logger.Debug("hmr write failed", map[string]string{"error": err.Error()})
				return fmt.Errorf("send update: %w", err)
			}
			otel.RecordSpanEvent(ctx, "hmr.update_sent", attribute.Int("hmr.updates", len(records)))
		}
	}
}

func (s *Session) send(message Message) error {
	data, err := s.encode(message)
	if err != nil {
		return &encodeError{err: err}
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.registry.IncMessageSent()
	return nil
}

// readPump discards inbound frames; its only job is to notice the peer
// leaving. It ends when the connection is closed.
func (s *Session) readPump(peerGone chan<- error) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			peerGone <- err
			return
		}
	}
}

func (s *Session) writeClose(code int, reason string) {
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		_ = s.conn.Close()
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

type encodeError struct {
	err error
}

func (e *encodeError) Error() string {
	return "encode message: " + e.err.Error()
}

func (e *encodeError) Unwrap() error {
	return e.err
}
