package market

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pinfactory/pinfactory/internal/store"
)

// overdraftTx reports every debit as a store-level balance violation, the
// way the PostgreSQL balance check surfaces an overdraft before the ledger
// can read the resulting balance.
type overdraftTx struct {
	store.Tx
}

func (overdraftTx) AddBalance(id string, delta int64) (int64, error) {
	return 0, fmt.Errorf("%w: account_balance_check", store.ErrInsufficientBalance)
}

func TestDebitMapsStoreBalanceViolation(t *testing.T) {
	err := AccountLedger{}.Debit(overdraftTx{}, "acct", 500)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("store sentinel leaked through the ledger: %v", err)
	}
}

func TestDebitRejectsNegativeAmount(t *testing.T) {
	err := AccountLedger{}.Debit(overdraftTx{}, "acct", -1)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}
