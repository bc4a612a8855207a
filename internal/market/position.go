package market

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// PositionBook tracks each account's net signed holding and cost basis per
// contract type, netting offsetting trades with an escrow refund.
type PositionBook struct{}

// Apply folds one side of a match into the account's position and returns
// the number of refunded units.
//
// When the existing quantity and the delta have opposite signs, the
// incoming trade closes up to min(|old|, |delta|) units. Those units were
// already fully escrowed by both legs of the original contract, so the
// holder gets the full pot back (1000 millitokens per unit) rather than
// re-escrowing; the refund is settled against the account by the caller.
// The basis clamps at zero so refund edge cases cannot drive it negative.
// A position netted to zero quantity is deleted.
func (PositionBook) Apply(tx store.Tx, accountID string, ctypeID string, delta int64, unitPrice int64, now time.Time) (int64, error) {
	var oldQ, oldBasis int64
	existing, err := tx.Position(ctypeID, accountID)
	switch {
	case err == nil:
		oldQ, oldBasis = existing.Quantity, existing.Basis
	case errors.Is(err, store.ErrNotFound):
		// First trade on this contract type.
	default:
		return 0, err
	}

	newQ := oldQ + delta
	var refund int64
	if oldQ != 0 && delta != 0 && (oldQ > 0) != (delta > 0) {
		refund = min64(abs64(oldQ), abs64(delta))
	}

	newBasis := oldBasis + unitPrice*abs64(delta) - refund*model.TokenScale
	if newBasis < 0 {
		newBasis = 0
	}

	if newQ == 0 {
		if existing != nil {
			if err := tx.DeletePosition(existing.ID); err != nil {
				return 0, err
			}
		}
		return refund, nil
	}

	p := &model.Position{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		ContractTypeID: ctypeID,
		Quantity:       newQ,
		Basis:          newBasis,
		Created:        now,
		Modified:       now,
	}
	if existing != nil {
		p.ID = existing.ID
		p.Created = existing.Created
	}
	if err := tx.UpsertPosition(p); err != nil {
		return 0, err
	}
	return refund, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
