package pvpchess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
)

const (
	ttlSession     = 24 * time.Hour
	mirrorQueueLen = 256
)

func sessionKey(id string) string  { return "pvp:session:" + strings.TrimSpace(id) }
func connKey(connID string) string { return "pvp:index:conn:" + strings.TrimSpace(connID) }
func activeKey() string            { return "pvp:sessions" }

type mirrorOp struct {
	del bool
	s   Session
}

// RedisMirror writes session snapshots to redis from a single background
// worker. It is never read back for gameplay.
type RedisMirror struct {
	rdb  *redis.Client
	ops  chan mirrorOp
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// NewRedisMirror connects to redisURL and starts the writer.
func NewRedisMirror(ctx context.Context, redisURL string) (*RedisMirror, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisMirrorWithClient(rdb), nil
}

func NewRedisMirrorWithClient(rdb *redis.Client) *RedisMirror {
	m := &RedisMirror{rdb: rdb, ops: make(chan mirrorOp, mirrorQueueLen), done: make(chan struct{})}
	go m.run()
	return m
}

func (m *RedisMirror) Save(s Session)   { m.enqueue(mirrorOp{s: s}) }
func (m *RedisMirror) Delete(s Session) { m.enqueue(mirrorOp{del: true, s: s}) }

func (m *RedisMirror) enqueue(op mirrorOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ops <- op:
	default:
		obslog.L().Warn("pvp_mirror_drop", zap.String("session_id", op.s.ID), zap.Bool("delete", op.del))
	}
}

func (m *RedisMirror) run() {
	defer close(m.done)
	for op := range m.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		if op.del {
			err = m.remove(ctx, op.s)
		} else {
			err = m.write(ctx, op.s)
		}
		cancel()
		if err != nil {
			obslog.L().Warn("pvp_mirror_error", zap.String("session_id", op.s.ID), zap.Bool("delete", op.del), zap.Error(err))
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, s Session) error {
	raw, err := json.Marshal(&s)
	if err != nil {
		return err
	}
	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), raw, ttlSession)
	pipe.Set(ctx, connKey(s.White), s.ID, ttlSession)
	pipe.Set(ctx, connKey(s.Black), s.ID, ttlSession)
	pipe.SAdd(ctx, activeKey(), s.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) remove(ctx context.Context, s Session) error {
	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(s.ID), connKey(s.White), connKey(s.Black))
	pipe.SRem(ctx, activeKey(), s.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Load reads a mirrored snapshot. A missing key returns nil, nil. Operators and tests only.
func (m *RedisMirror) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := m.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Close drains pending writes and closes the client.
func (m *RedisMirror) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.ops)
		m.mu.Unlock()
	})
	<-m.done
	return m.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
