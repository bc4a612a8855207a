package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapBalanceError(t *testing.T) {
	overdraft := &pgconn.PgError{
		Code: "23514", TableName: "account", ConstraintName: "account_balance_check",
	}
	if err := mapBalanceError(overdraft); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	priceCheck := &pgconn.PgError{
		Code: "23514", TableName: "offer", ConstraintName: "offer_price_check",
	}
	if err := mapBalanceError(priceCheck); errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("check violation on another table should pass through, got %v", err)
	}

	plain := errors.New("connection reset")
	if err := mapBalanceError(plain); err != plain {
		t.Fatalf("non-pg error should pass through unchanged, got %v", err)
	}
	if err := mapBalanceError(nil); err != nil {
		t.Fatalf("nil should stay nil, got %v", err)
	}
}

func TestMapPgError(t *testing.T) {
	for _, code := range []string{"40001", "40P01"} {
		err := mapPgError(&pgconn.PgError{Code: code})
		if !errors.Is(err, ErrSerialization) {
			t.Errorf("code %s: expected ErrSerialization, got %v", code, err)
		}
	}
	if err := mapPgError(&pgconn.PgError{Code: "23505"}); errors.Is(err, ErrSerialization) {
		t.Errorf("unique violation should pass through, got %v", err)
	}
}
