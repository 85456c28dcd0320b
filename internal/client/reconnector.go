package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conewatch/internal/logging"
	"conewatch/internal/notify"
)

// ErrGaveUp is returned by Run once the reconnect budget is exhausted.
var ErrGaveUp = errors.New("gave up reconnecting")

const (
	defaultReconnectDelay = 2 * time.Second
	defaultMaxAttempts    = 5
)

// State is the connection state of a Reconnector.
type State string

// Reconnector states. GaveUp is terminal.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateGaveUp       State = "gave_up"
)

// Conn is the part of a WebSocket connection the Reconnector uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens viewer connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ReconnectorOption customizes a Reconnector.
type ReconnectorOption func(*Reconnector)

// WithDialer overrides the connection dialer.
func WithDialer(d Dialer) ReconnectorOption {
	return func(r *Reconnector) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithDelay sets the fixed wait between reconnect attempts.
func WithDelay(delay time.Duration) ReconnectorOption {
	return func(r *Reconnector) {
		if delay > 0 {
			r.delay = delay
		}
	}
}

// WithMaxAttempts bounds consecutive reconnect attempts. Zero means the
// first unexpected close is final.
func WithMaxAttempts(n int) ReconnectorOption {
	return func(r *Reconnector) {
		if n >= 0 {
			r.maxAttempts = n
		}
	}
}

// WithOnConnected runs after every successful connect, typically to fetch
// the current status so nothing missed while disconnected goes unseen.
func WithOnConnected(fn func(ctx context.Context) error) ReconnectorOption {
	return func(r *Reconnector) { r.onConnected = fn }
}

// WithOnEvent receives every change event.
func WithOnEvent(fn func(notify.ChangeEvent)) ReconnectorOption {
	return func(r *Reconnector) { r.onEvent = fn }
}

// WithOnStateChange observes state transitions.
func WithOnStateChange(fn func(State)) ReconnectorOption {
	return func(r *Reconnector) { r.onState = fn }
}

// WithReconnectLogger attaches a logger.
func WithReconnectLogger(logger *slog.Logger) ReconnectorOption {
	return func(r *Reconnector) { r.logger = logger }
}

// Reconnector keeps a viewer connection open, reconnecting after unexpected
// closes with a fixed delay and a bounded number of consecutive attempts.
type Reconnector struct {
	url         string
	dialer      Dialer
	delay       time.Duration
	maxAttempts int
	onConnected func(ctx context.Context) error
	onEvent     func(notify.ChangeEvent)
	onState     func(State)
	logger      *slog.Logger

	mu    sync.Mutex
	state State
}

// NewReconnector returns a Reconnector for the WebSocket at url.
func NewReconnector(url string, opts ...ReconnectorOption) *Reconnector {
	r := &Reconnector{
		url:         url,
		dialer:      WebSocketDialer{},
		delay:       defaultReconnectDelay,
		maxAttempts: defaultMaxAttempts,
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "reconnector")
	return r
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	if r.onState != nil {
		r.onState(s)
	}
}

// Run connects and delivers events until ctx ends (returning ctx.Err()) or
// the reconnect budget is spent (returning ErrGaveUp). Each close, whether
// a failed dial or a dropped connection, uses one attempt; a successful
// connect restores the full budget.
func (r *Reconnector) Run(ctx context.Context) error {
	attempts := 0
	for {
		r.setState(StateConnecting)
		conn, err := r.dialer.Dial(ctx, r.url)
		if err == nil {
			attempts = 0
			r.setState(StateConnected)
			r.logger.Info("viewer connected", logging.String("url", r.url))
			if r.onConnected != nil {
				if cbErr := r.onConnected(ctx); cbErr != nil {
					r.logger.Warn("status refresh after connect failed", logging.Error(cbErr))
				}
			}
			err = r.consume(ctx, conn)
		}

		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}
		r.setState(StateDisconnected)
		if attempts >= r.maxAttempts {
			r.setState(StateGaveUp)
			logging.WarnWithContext(r.logger, "giving up on viewer connection", "reconnect_gave_up",
				logging.Int("attempts", attempts),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the conewatch daemon is running"),
				logging.String(logging.FieldImpact, "no further change notifications will be shown"),
			)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, err)
		}
		attempts++
		r.logger.Info("viewer connection lost; reconnecting",
			logging.Int("attempt", attempts),
			logging.Int("max_attempts", r.maxAttempts),
			logging.Duration("delay", r.delay),
			logging.Error(err),
		)

		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// consume reads frames until the connection fails or ctx ends.
func (r *Reconnector) consume(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var event notify.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
			r.logger.Debug("ignoring unrecognized frame", logging.Int("bytes", len(data)))
			continue
		}
		if r.onEvent != nil {
			r.onEvent(event)
		}
	}
}
