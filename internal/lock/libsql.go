package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LibSQLProvider keeps leases in the lock_leases table of the main database.
// An expired lease can be taken over by any caller.
type LibSQLProvider struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLProvider creates a lease-table provider on a migrated database.
func NewLibSQLProvider(db *sql.DB) *LibSQLProvider {
	return &LibSQLProvider{db: db, now: time.Now}
}

func (p *LibSQLProvider) TryAcquire(ctx context.Context, key Key, lease time.Duration) (Lock, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	owner := uuid.NewString()
	now := p.now().UnixMilli()
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO lock_leases (lock_key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE lock_leases.expires_at <= ?`,
		string(key), owner, now+lease.Milliseconds(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if n == 0 {
		return nil, nil
	}
	return &leaseLock{db: p.db, key: key, owner: owner, now: p.now}, nil
}

func (p *LibSQLProvider) WaitToAcquire(ctx context.Context, key Key, wait, lease time.Duration) (Lock, error) {
	return pollAcquire(ctx, wait, func() (Lock, error) { return p.TryAcquire(ctx, key, lease) })
}

type leaseLock struct {
	db    *sql.DB
	key   Key
	owner string
	now   func() time.Time
}

func (l *leaseLock) Key() Key { return l.key }

// Extend rewrites the expiry of the row this holder still owns. An expired
// row nobody took over is still ours.
func (l *leaseLock) Extend(ctx context.Context, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE lock_leases SET expires_at = ? WHERE lock_key = ? AND owner = ?`,
		l.now().UnixMilli()+lease.Milliseconds(), string(l.key), l.owner)
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the lease only if this holder still owns it.
func (l *leaseLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM lock_leases WHERE lock_key = ? AND owner = ?`, string(l.key), l.owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
