package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/quizlearn-api/pkg/cache"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
)

// DocumentLocker serialises mutations of a single document.
type DocumentLocker interface {
	Lock(ctx context.Context, documentID string) (func(), error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process DocumentLocker.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex constructs an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock blocks until the key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, documentID string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[documentID]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		m.entries[documentID] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.drop(documentID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			m.drop(documentID, entry)
		})
	}, nil
}

func (m *KeyedMutex) drop(key string, entry *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

type redisAcquirer interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

// RedisDocumentLocker shares document locks across API replicas.
type RedisDocumentLocker struct {
	locker   redisAcquirer
	maxWait  time.Duration
	interval time.Duration
}

// NewRedisDocumentLocker wraps a Redis locker. Waiting is bounded by maxWait.
func NewRedisDocumentLocker(locker redisAcquirer, maxWait time.Duration) *RedisDocumentLocker {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &RedisDocumentLocker{locker: locker, maxWait: maxWait, interval: 100 * time.Millisecond}
}

// Lock polls until the lock is acquired, ctx is done or maxWait elapses.
func (l *RedisDocumentLocker) Lock(ctx context.Context, documentID string) (func(), error) {
	deadline := time.Now().Add(l.maxWait)
	for {
		release, err := l.locker.Acquire(ctx, "document:"+documentID)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, cache.ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, appErrors.Clone(appErrors.ErrDocumentLocked, "")
		}
		if err := waitFor(ctx, l.interval); err != nil {
			return nil, err
		}
	}
}
