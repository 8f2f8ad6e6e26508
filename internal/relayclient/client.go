package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

var (
	ErrNotConnected = errors.New("relay client not connected")
	ErrClosed       = errors.New("relay client closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// HeaderProvider supplies handshake headers (e.g. X-User-Id).
type HeaderProvider func() map[string]string

type StateCallback func(State)

type Option func(*Client)

func WithHeaderProvider(h HeaderProvider) Option { return func(c *Client) { c.headers = h } }

func WithIdentity(identity string) Option {
	return WithHeaderProvider(func() map[string]string { return map[string]string{"X-User-Id": identity} })
}

func WithPingInterval(d time.Duration) Option { return func(c *Client) { c.pingInterval = d } }

func WithBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Client is a single relay connection. Inbound envelopes are delivered on
// Events in arrival order; the channel closes when the connection ends.
type Client struct {
	url          string
	headers      HeaderProvider
	pingInterval time.Duration
	buffer       int

	mu     sync.RWMutex
	conn   *websocket.Conn
	state  State
	events chan relaydto.Envelope

	stateCbs []StateCallback
	cbM      sync.RWMutex

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func New(wsURL string, opts ...Option) *Client {
	c := &Client{url: wsURL, pingInterval: 30 * time.Second, buffer: 64}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan relaydto.Envelope, c.buffer)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("dial relay: %w", err)
	}

	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
	return nil
}

// Send writes one envelope.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	env, err := relaydto.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, env)
}

func (c *Client) Events() <-chan relaydto.Envelope { return c.events }

// Await returns the next envelope with the wanted event. An error event is
// returned as relaydto.ErrorPayload unless error itself is wanted.
func (c *Client) Await(ctx context.Context, event string) (relaydto.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return relaydto.Envelope{}, ctx.Err()
		case env, ok := <-c.events:
			if !ok {
				return relaydto.Envelope{}, ErrClosed
			}
			if env.Event == event {
				return env, nil
			}
			if env.Event == relaydto.EventError {
				var p relaydto.ErrorPayload
				_ = env.Decode(&p)
				return env, p
			}
			obslog.L().Debug("relayclient_skip", zap.String("event", env.Event), zap.String("want", event))
		}
	}
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	for {
		var env relaydto.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &env); err != nil {
			if c.rootCtx.Err() == nil {
				obslog.L().Debug("relayclient_read_end", zap.Error(err))
			}
			c.setState(StateDisconnected)
			c.rootCancel()
			return
		}
		select {
		case c.events <- env:
		case <-c.rootCtx.Done():
			return
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	if c.pingInterval <= 0 {
		<-c.rootCtx.Done()
		return
	}
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				consecutivePingFailures = 0
				continue
			}
			consecutivePingFailures++
			if consecutivePingFailures >= 2 {
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// Close ends the connection and waits for the loops to exit.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.stopOnce.Do(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		c.rootCancel()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) OnStateChange(cb StateCallback) {
	c.cbM.Lock()
	c.stateCbs = append(c.stateCbs, cb)
	c.cbM.Unlock()
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.cbM.RLock()
	callbacks := make([]StateCallback, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, cb := range callbacks {
		if cb != nil {
			cb(state)
		}
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
