package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a BalanceStore backed by an embedded sqlite database.
// Holds and settlements run inside transactions so concurrent chat turns for
// the same user never double-spend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the balance database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open balance db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	held    INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate balance db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Grant adds credits to a user's spendable balance, creating the account if
// needed.
func (s *SQLiteStore) Grant(ctx context.Context, userID string, amount int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (user_id, balance) VALUES (?, ?)
ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) Hold(ctx context.Context, userID string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("hold amount must be >= 0")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hold: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: no account for %s", ErrInsufficientCredits, userID)
	}
	if err != nil {
		return fmt.Errorf("query balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, hold %d", ErrInsufficientCredits, balance, amount)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - ?, held = held + ? WHERE user_id = ?`,
		amount, amount, userID); err != nil {
		return fmt.Errorf("apply hold: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SettleHold(ctx context.Context, userID string, held, actual int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var currentHeld int
	err = tx.QueryRowContext(ctx,
		`SELECT held FROM accounts WHERE user_id = ?`, userID).Scan(&currentHeld)
	if err != nil {
		return fmt.Errorf("query held: %w", err)
	}
	if currentHeld < held {
		return fmt.Errorf("held balance %d below settlement hold %d", currentHeld, held)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET held = held - ?, balance = balance + ? - ? WHERE user_id = ?`,
		held, held, actual, userID); err != nil {
		return fmt.Errorf("apply settlement: %w", err)
	}
	return tx.Commit()
}
