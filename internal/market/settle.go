package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// SettlementEngine resolves a contract type at maturity: it drains the
// position book, pays winners from escrow, and enforces quantity
// conservation.
type SettlementEngine struct {
	ledger AccountLedger
}

// NewSettlementEngine creates the settlement engine.
func NewSettlementEngine() *SettlementEngine {
	return &SettlementEngine{}
}

var feeRate = decimal.RequireFromString("0.10")

// OracleFee returns the oracle's cut in millitokens for a winning position:
// 10% of the profit rounded to the nearest whole token, minimum one token.
// This is the engine's only non-integer arithmetic; the result is exact
// whole tokens.
//
// The fee is deducted from the winner's payout and credited to no account:
// every settlement removes the summed fees from circulation. That sink is
// deliberate and covered by tests, not an accounting accident.
func OracleFee(quantity, basis int64) int64 {
	profit := decimal.NewFromInt(quantity*model.TokenScale - basis).
		Div(decimal.NewFromInt(model.TokenScale))
	// Round ties away from zero: a fee of exactly n.5 tokens becomes n+1.
	feeTokens := profit.Mul(feeRate).Round(0)
	if feeTokens.LessThan(decimal.NewFromInt(1)) {
		feeTokens = decimal.NewFromInt(1)
	}
	return feeTokens.IntPart() * model.TokenScale
}

// Resolve pays out every position on the contract type against the winning
// side. Positions are consumed in arbitrary order; as they drain, their
// signed quantities must sum to zero — a nonzero total means the book was
// corrupted and the transaction aborts. Resolving a contract type with no
// remaining positions is a no-op, so a duplicate resolve pays nobody twice.
func (s *SettlementEngine) Resolve(tx store.Tx, log *EventLog, ct *model.ContractType, winner model.Side) error {
	var total int64
	for {
		p, err := tx.PopPosition(ct.ID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}

		total += p.Quantity
		units := p.Units()
		side := p.Side()

		if side == winner {
			fee := OracleFee(units, p.Basis)
			payout := units*model.TokenScale - fee
			if payout < 0 {
				payout = 0
			}
			if err := s.ledger.Credit(tx, p.AccountID, payout); err != nil {
				return err
			}
			log.ContractResolved(p.AccountID, ct, side, model.TokenScale, payout/model.TokenScale)
		} else {
			log.ContractResolved(p.AccountID, ct, side, 0, units)
		}

		if err := tx.DeletePosition(p.ID); err != nil {
			return err
		}
	}

	if total != 0 {
		return fmt.Errorf("%w: positions on %s sum to %d, not zero",
			ErrInvariant, ct.ID, total)
	}
	return nil
}
