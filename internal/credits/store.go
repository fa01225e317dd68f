package credits

import (
	"context"
	"fmt"
	"sync"
)

// BalanceStore is the external credit balance collaborator. Held amounts are
// tracked separately from the spendable balance so a crashed turn can be
// reconciled.
type BalanceStore interface {
	// Balance returns the spendable (unheld) balance.
	Balance(ctx context.Context, userID string) (int, error)
	// Hold moves amount from spendable to held, failing when the spendable
	// balance cannot cover it.
	Hold(ctx context.Context, userID string, amount int) error
	// SettleHold releases a held amount and debits the actual charge. The
	// actual charge may exceed the held amount (follow-up debit) or be zero
	// (released without charge).
	SettleHold(ctx context.Context, userID string, held, actual int) error
}

// MemoryStore is an in-memory BalanceStore used in tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int
	held     map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int),
		held:     make(map[string]int),
	}
}

// Grant adds credits to a user's spendable balance.
func (s *MemoryStore) Grant(userID string, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) Hold(_ context.Context, userID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return fmt.Errorf("hold amount must be >= 0")
	}
	if s.balances[userID] < amount {
		return fmt.Errorf("%w: balance %d, hold %d", ErrInsufficientCredits, s.balances[userID], amount)
	}
	s.balances[userID] -= amount
	s.held[userID] += amount
	return nil
}

func (s *MemoryStore) SettleHold(_ context.Context, userID string, held, actual int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[userID] < held {
		return fmt.Errorf("held balance %d below settlement hold %d", s.held[userID], held)
	}
	s.held[userID] -= held
	s.balances[userID] += held
	s.balances[userID] -= actual
	return nil
}
