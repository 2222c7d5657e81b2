// Package store persists registered accounts so that schedules can be
// rebuilt after a restart. Run results are not stored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkinbot/internal/domain"
)

var ErrNotFound = errors.New("account not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  secret TEXT NOT NULL,
  region INTEGER NOT NULL DEFAULT 1,
  destination TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Upsert(ctx context.Context, a domain.Account) error
	Get(ctx context.Context, id string) (domain.Account, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.Account, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Upsert(ctx context.Context, a domain.Account) error {
	a = a.WithDefaults()
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO accounts (id,secret,region,destination,created_at,updated_at)
VALUES (?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  secret=excluded.secret,
  region=excluded.region,
  destination=excluded.destination,
  updated_at=CURRENT_TIMESTAMP
`, a.ID, a.Secret, a.Region, a.Destination)
	return err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,secret,region,destination FROM accounts WHERE id=?`, id)
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Secret, &a.Region, &a.Destination); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, ErrNotFound
		}
		return domain.Account{}, err
	}
	return a, nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id=?", id)
	return err
}

func (r *sqliteRepo) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,secret,region,destination FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.Secret, &a.Region, &a.Destination); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
