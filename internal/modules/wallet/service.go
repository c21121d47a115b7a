// Package wallet is the single entry point for user balance mutations.
// Every money operation runs inside one world-database transaction; nothing
// outside this package and the engines built on it writes users.balance.
package wallet

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/modules/users"
)

// Service provides ordered row locking and balance movement primitives for
// the transaction engine.
type Service struct {
	users *users.Repository
	log   zerolog.Logger
}

// NewService creates a wallet service.
func NewService(users *users.Repository, log zerolog.Logger) *Service {
	return &Service{
		users: users,
		log:   log.With().Str("service", "wallet").Logger(),
	}
}

// LockBalances reads the given users inside tx in ascending id order and
// returns them keyed by id. The world database opens transactions IMMEDIATE,
// so these reads happen under the writer lock; the deterministic order keeps
// lock acquisition consistent across every engine operation. Duplicate ids
// are read once. A missing user is a NOT_FOUND error.
func (s *Service) LockBalances(tx *sql.Tx, ids ...string) (map[string]*domain.User, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	sort.Strings(unique)

	locked := make(map[string]*domain.User, len(unique))
	for _, id := range unique {
		user, err := s.users.GetTx(tx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock user %s: %w", id, err)
		}
		if user == nil {
			return nil, domain.ErrNotFound("user %s not found", id)
		}
		locked[id] = user
	}

	return locked, nil
}

// Debit removes amount from a locked user's balance. The caller must have
// read the user via LockBalances in the same transaction; funds are checked
// against that snapshot so the error carries the observed balance.
func (s *Service) Debit(tx *sql.Tx, user *domain.User, amount int64) error {
	if amount <= 0 {
		return domain.ErrValidation("debit amount must be positive, got %d", amount)
	}
	if user.Balance < amount {
		return domain.ErrInsufficientFunds(
			"balance %d is less than required %d", user.Balance, amount)
	}

	if err := s.users.AddBalanceTx(tx, user.ID, -amount); err != nil {
		return err
	}
	user.Balance -= amount
	return nil
}

// Credit adds amount to a locked user's balance.
func (s *Service) Credit(tx *sql.Tx, user *domain.User, amount int64) error {
	if amount <= 0 {
		return domain.ErrValidation("credit amount must be positive, got %d", amount)
	}

	if err := s.users.AddBalanceTx(tx, user.ID, amount); err != nil {
		return err
	}
	user.Balance += amount
	return nil
}

// Transfer moves amount from one locked user to another, with fee withheld
// from the recipient's side. The fee leaves circulation; callers record it
// on the ledger entry.
func (s *Service) Transfer(tx *sql.Tx, from, to *domain.User, amount, fee int64) error {
	if fee < 0 || fee > amount {
		return domain.ErrValidation("fee %d outside [0, %d]", fee, amount)
	}
	if from.ID == to.ID {
		return domain.ErrValidation("cannot transfer to self")
	}

	if err := s.Debit(tx, from, amount); err != nil {
		return err
	}
	if err := s.Credit(tx, to, amount-fee); err != nil {
		return err
	}
	return nil
}
