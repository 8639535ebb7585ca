package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process lock table with lease expiry.
type MemoryProvider struct {
	mu   sync.Mutex
	held map[Key]memoryLease
	now  func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryProvider creates an empty in-process lock table.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{held: make(map[Key]memoryLease), now: time.Now}
}

func (p *MemoryProvider) TryAcquire(_ context.Context, key Key, lease time.Duration) (Lock, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if cur, ok := p.held[key]; ok && now.Before(cur.expires) {
		return nil, nil
	}
	owner := uuid.NewString()
	p.held[key] = memoryLease{owner: owner, expires: now.Add(lease)}
	return &memoryLock{provider: p, key: key, owner: owner}, nil
}

func (p *MemoryProvider) WaitToAcquire(ctx context.Context, key Key, wait, lease time.Duration) (Lock, error) {
	return pollAcquire(ctx, wait, func() (Lock, error) { return p.TryAcquire(ctx, key, lease) })
}

// Held reports whether key is currently held.
func (p *MemoryProvider) Held(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.held[key]
	return ok && p.now().Before(cur.expires)
}

func (p *MemoryProvider) extend(key Key, owner string, lease time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.held[key]
	if !ok || cur.owner != owner {
		return ErrLeaseLost
	}
	cur.expires = p.now().Add(lease)
	p.held[key] = cur
	return nil
}

func (p *MemoryProvider) release(key Key, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.held[key]; ok && cur.owner == owner {
		delete(p.held, key)
	}
}

type memoryLock struct {
	provider *MemoryProvider
	key      Key
	owner    string
}

func (l *memoryLock) Key() Key { return l.key }

func (l *memoryLock) Extend(_ context.Context, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	return l.provider.extend(l.key, l.owner, lease)
}

func (l *memoryLock) Release(context.Context) error {
	l.provider.release(l.key, l.owner)
	return nil
}
