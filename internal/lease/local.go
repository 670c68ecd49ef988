package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker is the single-instance Locker used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return &Lease{
		Key:   key,
		Token: token,
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if entry, ok := l.held[key]; ok && entry.token == token {
				delete(l.held, key)
			}
			return nil
		},
	}, nil
}
