package connreg

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/Cheese-PvP-Relay/pkg/relaydto"
)

var (
	ErrConnGone      = errors.New("connection gone")
	ErrSlowConsumer  = errors.New("connection send buffer full")
	ErrInvalidConnID = errors.New("invalid connection id")
)

const defaultBuffer = 32

// Conn is one live client link. Outbound frames are queued on Outbound and
// drained by the transport's write loop.
type Conn struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	out    chan relaydto.Envelope
	closed chan struct{}
	once   sync.Once
}

// Outbound is closed when the connection is unregistered or cut.
func (c *Conn) Outbound() <-chan relaydto.Envelope { return c.out }

// Closed is signalled when the registry gives up on the connection.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) shut() {
	c.once.Do(func() { close(c.closed) })
}

// Registry tracks live connections by opaque id.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	buffer int
	sent   atomic.Uint64
	cut    atomic.Uint64
}

func New(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Registry{conns: make(map[string]*Conn), buffer: buffer}
}

// Register assigns a fresh id. identity may be empty.
func (r *Registry) Register(identity string) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Identity:    strings.TrimSpace(identity),
		ConnectedAt: time.Now(),
		out:         make(chan relaydto.Envelope, r.buffer),
		closed:      make(chan struct{}),
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// Unregister forgets id and closes its channels. Safe to call twice.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		// Send holds the read lock while enqueueing, so closing here cannot race it.
		close(c.out)
	}
	r.mu.Unlock()
	if ok {
		c.shut()
	}
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Identity returns the identity presented at handshake, "" when unknown.
func (r *Registry) Identity(id string) string {
	if c, ok := r.Get(id); ok {
		return c.Identity
	}
	return ""
}

// Alive reports whether id is registered and has not been cut.
func (r *Registry) Alive(id string) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send queues env without blocking. A full buffer cuts the connection.
func (r *Registry) Send(id string, env relaydto.Envelope) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidConnID
	}
	r.mu.RLock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.RUnlock()
		return ErrConnGone
	}
	select {
	case c.out <- env:
		r.mu.RUnlock()
		r.sent.Add(1)
		return nil
	default:
	}
	r.mu.RUnlock()
	r.cut.Add(1)
	c.shut()
	return ErrSlowConsumer
}

// Stats is a snapshot for diagnostics.
type Stats struct {
	Connections int    `json:"connections"`
	Sent        uint64 `json:"sent"`
	SlowCut     uint64 `json:"slowCut"`
}

func (r *Registry) Stats() Stats {
	return Stats{Connections: r.Count(), Sent: r.sent.Load(), SlowCut: r.cut.Load()}
}
