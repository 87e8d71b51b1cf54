package chatstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the backend base URL; http(s) schemes are rewritten to ws(s).
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeHandler receives decoded events in arrival order.
type RealtimeHandler func(ctx context.Context, ev Event)

const realtimeReadLimit = 1 << 20

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns an exponential backoff with jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient reads the realtime event stream over WebSocket, decodes each
// frame into an Event and hands it to the handler synchronously, so events
// are applied in the order the server sent them. It emits ConnectedEvent
// once the server's first health check arrives and DisconnectedEvent when the
// connection drops.
type RealtimeClient struct {
	config  RealtimeConfig
	handler RealtimeHandler
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	connectionID     string
	done             chan struct{}
}

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig, handler RealtimeHandler) *RealtimeClient {
	config.defaults()
	if handler == nil {
		handler = func(context.Context, Event) {}
	}
	return &RealtimeClient{
		config:  config,
		handler: handler,
		log:     config.Logger,
		state:   StateDisconnected,
		recon:   newReconnector(&config),
	}
}

func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is the id the server assigned to the current connection.
func (c *RealtimeClient) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *RealtimeClient) endpoint() string {
	u := strings.TrimRight(c.config.URL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/connect"
}

// Connect dials the server and waits for its first health check. Events are
// delivered until ctx ends or Disconnect is called.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, c.endpoint(), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(realtimeReadLimit)

	health, err := readHealth(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected health.check")
		c.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connectionID = health.ConnectionID
	c.cancelFn = cancel
	c.done = done
	c.mu.Unlock()
	c.recon.markConnected()

	c.log.Info().Str("connection_id", health.ConnectionID).Msg("realtime connected")

	connected := &ConnectedEvent{ConnectionID: health.ConnectionID}
	connected.EventType = EventConnectionConnected
	connected.CreatedAt = time.Now()
	if health.Me != nil {
		connected.Me = *health.Me
	}
	c.handler(ctx, connected)

	go c.readLoop(connCtx, ctx, conn, done)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

func readHealth(ctx context.Context, conn *websocket.Conn) (*HealthEvent, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read first event: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode first event: %w", err)
	}
	if env.Type != EventHealthCheck {
		return nil, fmt.Errorf("expected %q, got %q", EventHealthCheck, env.Type)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		return nil, err
	}
	return ev.(*HealthEvent), nil
}

// Disconnect closes the connection without reconnecting.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	done := c.done
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.emitDisconnected(context.Background(), "client disconnect")
	return err
}

// Send writes an event to the server, e.g. typing.start.
func (c *RealtimeClient) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *RealtimeClient) setState(s RealtimeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *RealtimeClient) emitDisconnected(ctx context.Context, reason string) {
	ev := &DisconnectedEvent{Reason: reason}
	ev.EventType = EventConnectionDisconnected
	ev.CreatedAt = time.Now()
	c.handler(ctx, ev)
}

// readLoop delivers events until the connection fails. parent outlives the
// connection and is used for reconnecting.
func (c *RealtimeClient) readLoop(ctx, parent context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			var cancel context.CancelFunc
			if !intentional {
				c.state = StateDisconnected
				c.conn = nil
				cancel, c.cancelFn = c.cancelFn, nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}
			if cancel != nil {
				cancel()
			}

			c.log.Warn().Err(err).Msg("realtime connection lost")
			c.emitDisconnected(parent, err.Error())

			if c.config.AutoReconnect && parent.Err() == nil {
				go c.scheduleReconnect(parent)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug().Err(err).Msg("skipping malformed frame")
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			c.log.Debug().Err(err).Str("type", env.Type).Msg("skipping undecodable event")
			continue
		}
		if _, ok := ev.(*HealthEvent); ok {
			continue
		}
		c.handler(parent, ev)
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *RealtimeClient) scheduleReconnect(ctx context.Context) {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.log.Info().Int("attempt", c.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()

		err := c.Connect(ctx)
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Msg("reconnect failed")
	}
	c.setState(StateDisconnected)
}
