package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the Postgres advisory-lock provider.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns settings suitable for a lock-only pool.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("postgres max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("postgres conn max lifetime must be >= 0")
	}
	return nil
}

// OpenPostgres opens and pings a pgx-backed *sql.DB.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// PostgresProvider uses session-level advisory locks. Each held lock pins one
// pooled connection; the lease is enforced by releasing it on a timer.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates an advisory-lock provider on db.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) TryAcquire(ctx context.Context, key Key, lease time.Duration) (Lock, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, string(key),
	).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, nil
	}
	l := &advisoryLock{conn: conn, key: key}
	l.timer = time.AfterFunc(lease, func() { _ = l.Release(context.Background()) })
	return l, nil
}

func (p *PostgresProvider) WaitToAcquire(ctx context.Context, key Key, wait, lease time.Duration) (Lock, error) {
	return pollAcquire(ctx, wait, func() (Lock, error) { return p.TryAcquire(ctx, key, lease) })
}

type advisoryLock struct {
	once  sync.Once
	conn  *sql.Conn
	key   Key
	timer *time.Timer
	err   error
}

func (l *advisoryLock) Key() Key { return l.key }

// Extend re-arms the lease timer. The advisory lock lives as long as its
// session, so a dead connection means the lock is gone.
func (l *advisoryLock) Extend(ctx context.Context, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLease
	}
	if !l.timer.Stop() {
		return ErrLeaseLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		_ = l.Release(context.WithoutCancel(ctx))
		return fmt.Errorf("extend %s: %w: %w", l.key, ErrLeaseLost, err)
	}
	l.timer.Reset(lease)
	return nil
}

func (l *advisoryLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		if l.timer != nil {
			l.timer.Stop()
		}
		_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, string(l.key))
		closeErr := l.conn.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			l.err = fmt.Errorf("release %s: %w", l.key, err)
		}
	})
	return l.err
}
