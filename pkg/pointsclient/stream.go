package pointsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/pointsync/internal/realtime"
	"github.com/mbd888/pointsync/internal/retry"
)

// ErrNotConnected is returned by Send while the stream has no connection.
var ErrNotConnected = errors.New("stream not connected")

const (
	writeWait = 10 * time.Second
	// DefaultReadTimeout is how long a connection may stay silent. The
	// server pings every 30 seconds.
	DefaultReadTimeout = 60 * time.Second
)

// StreamState is the client side of a push connection:
// connecting -> connected -> disconnected -> reconnecting -> connected | closed.
type StreamState int

const (
	StreamConnecting StreamState = iota
	StreamConnected
	StreamDisconnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamDisconnected:
		return "disconnected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStateHandler is called on every state change, from the Run goroutine.
func WithStateHandler(fn func(StreamState)) StreamOption {
	return func(s *Stream) { s.onState = fn }
}

// WithBackoff sets the reconnect delay schedule.
func WithBackoff(b retry.Backoff) StreamOption {
	return func(s *Stream) { s.backoff = b }
}

// WithStreamLogger sets the stream logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// WithReadTimeout sets how long the connection may go without a message
// or ping before it is treated as lost.
func WithReadTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithSubscription restricts pushes to the given children. It is re-sent
// after every reconnect.
func WithSubscription(childKeys ...string) StreamOption {
	return func(s *Stream) { s.subscribe = childKeys }
}

// Stream is a reconnecting push-channel connection.
type Stream struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	backoff retry.Backoff
	logger  *slog.Logger

	readTimeout time.Duration

	onEvent   func(realtime.Event)
	onState   func(StreamState)
	subscribe []string

	mu    sync.Mutex
	conn  *websocket.Conn
	state StreamState
}

// Stream prepares a push connection that delivers decoded events to
// onEvent. Call Run to connect.
func (c *Client) Stream(onEvent func(realtime.Event), opts ...StreamOption) (*Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/ws"
	if c.SessionID != "" {
		q := u.Query()
		q.Set("sessionId", c.SessionID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.Password != "" {
		header.Set(passwordHeader, c.Password)
	}

	s := &Stream{
		url:     u.String(),
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: DefaultTimeout},
		backoff: retry.DefaultBackoff,
		logger:  slog.Default(),
		onEvent: onEvent,
		onState: func(StreamState) {},
		state:   StreamConnecting,

		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current connection state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.onState(st)
	}
}

// Run connects and keeps reconnecting with backoff until ctx is done.
// The server sends resync-required on every connect, so callers learn
// about each reconnect through onEvent.
func (s *Stream) Run(ctx context.Context) error {
	defer s.setState(StreamClosed)

	attempt := 0
	for {
		if attempt > 0 {
			s.setState(StreamReconnecting)
		}

		conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setState(StreamDisconnected)
			delay := s.backoff.Delay(attempt)
			s.logger.Debug("push dial failed", "attempt", attempt, "retry_in", delay, "error", err)
			attempt++
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		attempt = 0
		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StreamDisconnected)
		attempt++
		if err := retry.Sleep(ctx, s.backoff.Delay(0)); err != nil {
			return nil
		}
	}
}

// serve reads from conn until it fails, goes silent for readTimeout or ctx
// is done.
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.readTimeout)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &netErr) {
			return nil
		}
		return err
	})

	s.setState(StreamConnected)
	if len(s.subscribe) > 0 {
		if err := s.Send(realtime.Subscribe{ChildKeys: s.subscribe}); err != nil {
			s.logger.Warn("failed to send subscription", "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info("push connection lost", "error", err)
			}
			return
		}
		extend()
		ev, _, err := realtime.Decode(data)
		if err != nil {
			s.logger.Debug("ignoring undecodable push message", "error", err)
			continue
		}
		s.onEvent(ev)
	}
}

// Send writes a client-to-server event (subscribe or mutation-notice).
func (s *Stream) Send(ev realtime.Event) error {
	data, err := realtime.Encode(ev, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type(), err)
	}
	return nil
}
