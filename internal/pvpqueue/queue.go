package pvpqueue

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/park285/Cheese-PvP-Relay/internal/obslog"
	"go.uber.org/zap"
)

// Errors
var (
	ErrInvalidArgs      = errf("invalid arguments")
	ErrAlreadyInSession = errf("connection already in a session")
	// pair 콜백이 대기자가 이미 사라졌음을 알릴 때 사용. 해당 대기자는 버리고 다음 대기자로 진행.
	ErrWaiterGone = errf("waiter gone")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// PairFunc creates a session for (white, black). It runs inside the queue's
// critical section.
type PairFunc func(white, black string) error

// AdmitFunc rejects connections that may not wait, e.g. ones already playing.
type AdmitFunc func(connID string) error

// Result of Enqueue. Exactly one of Waiting or Opponent is set.
type Result struct {
	Waiting  bool
	Opponent string
}

type waiter struct {
	id    string
	since time.Time
}

// Queue is a strict FIFO of waiting connections.
type Queue struct {
	mu      sync.Mutex
	waiters []waiter
	admit   AdmitFunc
	paired  uint64
}

func New(admit AdmitFunc) *Queue {
	return &Queue{admit: admit}
}

// Enqueue drops any earlier entry for connID, then pairs it with the oldest
// waiter (connID plays black) or leaves it waiting.
func (q *Queue) Enqueue(connID string, pair PairFunc) (Result, error) {
	connID = strings.TrimSpace(connID)
	if connID == "" || pair == nil {
		return Result{}, ErrInvalidArgs
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(connID)
	if q.admit != nil {
		if err := q.admit(connID); err != nil {
			return Result{}, err
		}
	}

	for len(q.waiters) > 0 {
		head := q.waiters[0]
		q.waiters = q.waiters[1:]

		err := pair(head.id, connID)
		if err == nil {
			q.paired++
			obslog.L().Info("match_paired",
				zap.String("white", head.id),
				zap.String("black", connID),
				zap.Duration("waited", time.Since(head.since)),
			)
			return Result{Opponent: head.id}, nil
		}
		if errors.Is(err, ErrWaiterGone) {
			obslog.L().Info("match_waiter_dropped", zap.String("conn_id", head.id))
			continue
		}
		// restore at head so FIFO order survives the failure
		q.waiters = append([]waiter{head}, q.waiters...)
		return Result{}, err
	}

	q.waiters = append(q.waiters, waiter{id: connID, since: time.Now()})
	return Result{Waiting: true}, nil
}

// Remove drops connID from the queue. Returns false when it was not waiting.
func (q *Queue) Remove(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(strings.TrimSpace(connID))
}

func (q *Queue) removeLocked(connID string) bool {
	for i, w := range q.waiters {
		if w.id == connID {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Waiting(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiters {
		if w.id == connID {
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Paired is the number of pairings made since start.
func (q *Queue) Paired() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paired
}
