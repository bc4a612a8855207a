// Package market implements the order matching, escrow, netting, and
// settlement engine: an account ledger, a position book, the order book,
// the settlement engine, and the transactional event log, all operating on
// one store transaction per external call.
//
// Every open FIXED unit has exactly price millitokens escrowed from its
// holder and every open UNFIXED unit exactly 1000-price, so a matched pair
// always holds exactly 1000 millitokens of escrow per unit.
package market

import (
	"errors"
	"fmt"

	"github.com/pinfactory/pinfactory/internal/store"
)

// AccountLedger applies debits and credits to account balances. Balances
// are integral millitokens and never go negative; no other code mutates
// them.
type AccountLedger struct{}

// Debit removes amount millitokens from the account. Fails with
// ErrInsufficientFunds if the balance would go negative, aborting the
// surrounding transaction.
func (AccountLedger) Debit(tx store.Tx, accountID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", ErrInvariant, amount)
	}
	balance, err := tx.AddBalance(accountID, -amount)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return fmt.Errorf("%w: account %s short %d millitokens",
			ErrInsufficientFunds, accountID, amount)
	}
	if err != nil {
		return err
	}
	if balance < 0 {
		return fmt.Errorf("%w: account %s short %d millitokens",
			ErrInsufficientFunds, accountID, -balance)
	}
	return nil
}

// Credit adds amount millitokens to the account.
func (AccountLedger) Credit(tx store.Tx, accountID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", ErrInvariant, amount)
	}
	_, err := tx.AddBalance(accountID, amount)
	return err
}

// Balance is a point-in-time read within the caller's transaction.
func (AccountLedger) Balance(tx store.Tx, accountID string) (int64, error) {
	a, err := tx.Account(accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}
