package userstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const lookupAccountSQL = `SELECT username, role, permissions, active FROM users WHERE id = $1`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads the user service's users table directly.
type PostgresStore struct {
	db rowQuerier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// DialPostgres opens a pool and verifies it with a ping.
func DialPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, userID string) (Account, error) {
	a := Account{ID: userID}
	err := s.db.QueryRow(ctx, lookupAccountSQL, userID).Scan(&a.Username, &a.Role, &a.Permissions, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("postgres lookup %s: %w", userID, err)
	}
	return a, nil
}
