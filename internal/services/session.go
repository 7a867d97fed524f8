package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/latestcomment/go-debate-arena/internal/identity"
	"github.com/latestcomment/go-debate-arena/internal/models"
)

// SessionState is the transport's connection lifecycle state.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateOpen
	StateSubscribing
	StateVerified
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateVerified:
		return "VERIFIED"
	default:
		return "DISCONNECTED"
	}
}

var (
	ErrSessionStopped = errors.New("session stopped")
	ErrNotConnected   = errors.New("not connected")
)

// SessionConfig holds per-connection tunables. Zero durations fall back to
// protocol defaults.
type SessionConfig struct {
	URL     string
	RoomID  string
	AgentID string

	HeartbeatInterval time.Duration // default 30s
	HeartbeatTimeout  time.Duration // default = heartbeat interval
	VerifyTimeout     time.Duration // default 20s
	ReconnectBase     time.Duration // default 1s
	ReconnectCap      time.Duration // default 30s
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout > c.HeartbeatInterval {
		c.HeartbeatTimeout = c.HeartbeatInterval
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 20 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
}

// Session is a persistent websocket connection to the backend bus for one
// participant. It subscribes to its room after connecting, proves liveness
// through protocol-level heartbeats, and reconnects with exponential
// backoff on unexpected closure. Stop is terminal and disables reconnect.
type Session struct {
	cfg    SessionConfig
	log    zerolog.Logger
	signer *identity.Signer

	inbound chan *models.Envelope

	mu         sync.Mutex
	conn       *websocket.Conn
	verifiedCh chan struct{}

	state   atomic.Int32
	lastAck atomic.Int64 // unix nano of the last heartbeat response

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewSession creates a transport for one participant. The signer
// authenticates the room subscription.
func NewSession(log zerolog.Logger, cfg SessionConfig, signer *identity.Signer) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg: cfg,
		log: log.With().
			Str("component", "session").
			Str("agent", cfg.AgentID).
			Logger(),
		signer:     signer,
		inbound:    make(chan *models.Envelope, 64),
		verifiedCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Inbound delivers parsed envelopes from the backend, heartbeats excluded.
func (s *Session) Inbound() <-chan *models.Envelope {
	return s.inbound
}

// reconnectBackoff is the wait policy between connection attempts: the
// interval doubles from the base until it hits the cap.
func (s *Session) reconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBase
	bo.MaxInterval = s.cfg.ReconnectCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run owns the connect/verify/reconnect loop until ctx is cancelled or Stop
// is called. The backoff counter resets after every verified connection.
func (s *Session) Run(ctx context.Context) {
	bo := s.reconnectBackoff()

	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}

		verified := s.runConnection(ctx)
		s.setState(StateDisconnected)
		if verified {
			bo.Reset()
		}
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		s.log.Info().Dur("wait", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(wait):
		}
	}
}

// runConnection dials, subscribes, and services one connection until it
// dies. It reports whether the connection reached VERIFIED.
func (s *Session) runConnection(ctx context.Context) bool {
	s.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("dial failed")
		return false
	}

	s.mu.Lock()
	s.conn = conn
	s.verifiedCh = make(chan struct{})
	verifiedCh := s.verifiedCh
	s.mu.Unlock()
	s.lastAck.Store(time.Now().UnixNano())
	s.setState(StateOpen)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	if err := s.subscribe(); err != nil {
		s.log.Warn().Err(err).Msg("room subscribe failed")
		return false
	}
	s.setState(StateSubscribing)

	connDone := make(chan struct{})
	go s.readLoop(conn, verifiedCh, connDone)

	// Handshake: an explicit subscription ack or a participants response
	// both count as proof of liveness.
	select {
	case <-verifiedCh:
		s.setState(StateVerified)
		s.log.Info().Msg("session verified")
	case <-time.After(s.cfg.VerifyTimeout):
		s.log.Warn().Dur("timeout", s.cfg.VerifyTimeout).Msg("verification timed out")
		return false
	case <-connDone:
		return false
	case <-ctx.Done():
		return true // treat external cancellation as a clean exit
	case <-s.done:
		return true
	}

	s.heartbeatLoop(ctx, conn, connDone)
	return true
}

func (s *Session) subscribe() error {
	content := models.SubscribeRoomContent{
		RoomID:    s.cfg.RoomID,
		Timestamp: time.Now().UnixMilli(),
	}
	sig, err := s.signer.Sign(content)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return s.Send(&models.Envelope{
		Type:      models.TypeSubscribeRoom,
		Signature: sig,
		Sender:    s.signer.Address(),
		Content:   raw,
	})
}

// readLoop parses inbound frames until the connection dies. Malformed or
// unknown envelopes are logged and dropped; they never kill the loop.
func (s *Session) readLoop(conn *websocket.Conn, verifiedCh chan struct{}, connDone chan struct{}) {
	defer close(connDone)

	verify := func() {
		select {
		case <-verifiedCh:
		default:
			close(verifiedCh)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped.Load() {
				s.log.Warn().Err(err).Msg("connection closed")
			}
			return
		}

		env, err := models.ParseEnvelope(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping invalid envelope")
			continue
		}

		switch env.Type {
		case models.TypeHeartbeat:
			s.lastAck.Store(time.Now().UnixNano())
		case models.TypeParticipants:
			verify()
			s.deliver(env)
		case models.TypeSystemNotification:
			// A subscription ack arrives as a non-error notification.
			var note models.SystemNotificationContent
			if json.Unmarshal(env.Content, &note) == nil && !note.Error {
				verify()
			}
			s.deliver(env)
		default:
			s.deliver(env)
		}
	}
}

func (s *Session) deliver(env *models.Envelope) {
	select {
	case s.inbound <- env:
	case <-s.done:
	default:
		s.log.Warn().Str("type", string(env.Type)).Msg("inbound buffer full, dropping envelope")
	}
}

// heartbeatLoop emits protocol heartbeats on a fixed interval and
// proactively closes the connection when no response lands within the
// timeout of a send. This guards against silently half-open connections.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var sentAt time.Time
	var deadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-connDone:
			return
		case <-ticker.C:
			sentAt = time.Now()
			if err := s.Send(&models.Envelope{
				Type:    models.TypeHeartbeat,
				Content: json.RawMessage(`{}`),
			}); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat send failed")
				conn.Close()
				return
			}
			deadline = time.After(s.cfg.HeartbeatTimeout)
		case <-deadline:
			if time.Unix(0, s.lastAck.Load()).Before(sentAt) {
				s.log.Warn().Time("sentAt", sentAt).Msg("heartbeat unanswered, closing connection")
				conn.Close()
				return
			}
			deadline = nil
		}
	}
}

// Send writes an envelope to the current connection.
func (s *Session) Send(env *models.Envelope) error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WaitVerified blocks until the session reaches VERIFIED, the context ends,
// or the session stops.
func (s *Session) WaitVerified(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.verifiedCh
		s.mu.Unlock()

		if s.State() == StateVerified {
			return nil
		}
		select {
		case <-ch:
			if s.State() == StateVerified {
				return nil
			}
			// Connection verified then dropped before we observed it;
			// wait for the replacement channel.
			time.Sleep(10 * time.Millisecond)
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionStopped
		}
	}
}

// Stop closes the session for good; no reconnect attempts follow.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.setState(StateDisconnected)
	})
}

func (s *Session) setState(state SessionState) {
	if s.state.Swap(int32(state)) != int32(state) {
		s.log.Debug().Str("state", state.String()).Msg("session state")
	}
}
