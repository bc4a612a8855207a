package market

import (
	"fmt"
	"time"

	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// ReduceAll removes an offer's full remaining quantity.
const ReduceAll int64 = 0

// OrderBook maintains resting offers per contract type and side and matches
// incoming orders against them with price/time priority. Escrow is charged
// per unit at the moment a unit is matched or parked as a resting offer,
// never before.
type OrderBook struct {
	ledger    AccountLedger
	positions PositionBook
}

// NewOrderBook creates the matching engine over the shared ledger and
// position book.
func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// Place matches the incoming order against opposite-side resting offers and
// parks any unmatched remainder as a new resting offer.
//
// A FIXED order at price P consumes UNFIXED offers priced <= P, cheapest
// first; an UNFIXED order consumes FIXED offers priced >= P, dearest first;
// FIFO within a price level. Every trade executes at the incoming order's
// own limit price: price improvement accrues to the order that triggers the
// match, not to the resting maker. The unmatched remainder escrows in full
// at the incoming order's price.
func (b *OrderBook) Place(tx store.Tx, log *EventLog, ct *model.ContractType, incoming *model.Offer, now time.Time) error {
	if incoming.Price < model.MinPrice || incoming.Price > model.MaxPrice {
		return fmt.Errorf("%w: price %d outside [%d, %d]",
			ErrValidation, incoming.Price, model.MinPrice, model.MaxPrice)
	}
	if incoming.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d must be positive", ErrValidation, incoming.Quantity)
	}
	if incoming.Quantity > model.MaxOrderQuantity {
		return fmt.Errorf("%w: quantity %d exceeds maximum %d",
			ErrValidation, incoming.Quantity, model.MaxOrderQuantity)
	}

	candidates, err := tx.MatchableOffers(ct.ID, incoming.Side.Opposite(), incoming.Price, now)
	if err != nil {
		return err
	}

	remaining := incoming.Quantity
	for _, resting := range candidates {
		// An all-or-nothing resting offer cannot be partially consumed.
		if resting.AllOrNothing && resting.Quantity > remaining {
			continue
		}
		// An all-or-nothing incoming order cannot be partially filled.
		if incoming.AllOrNothing && resting.Quantity < remaining {
			continue
		}

		size := min64(resting.Quantity, remaining)
		if err := b.ReduceOffer(tx, resting.ID, size); err != nil {
			return err
		}

		fixedHolder, unfixedHolder := incoming.AccountID, resting.AccountID
		if incoming.Side == model.Unfixed {
			fixedHolder, unfixedHolder = resting.AccountID, incoming.AccountID
		}
		if err := b.makeContract(tx, log, ct, fixedHolder, unfixedHolder, incoming.Price, size, now); err != nil {
			return err
		}

		remaining -= size
		if remaining == 0 {
			break
		}
	}

	if remaining > 0 {
		incoming.Quantity = remaining
		if err := b.makeOffer(tx, log, ct, incoming); err != nil {
			return err
		}
	}
	return nil
}

// makeOffer parks the order as a resting offer, debiting its full escrow
// at its own limit price.
func (b *OrderBook) makeOffer(tx store.Tx, log *EventLog, ct *model.ContractType, o *model.Offer) error {
	if err := b.ledger.Debit(tx, o.AccountID, o.Escrow()); err != nil {
		return err
	}
	if err := tx.InsertOffer(o); err != nil {
		return err
	}
	log.OfferCreated(o.AccountID, ct, o.Side, o.Price, o.Quantity, o.Expires)
	return nil
}

// makeContract forms a contract of the given size at the execution price:
// both positions are updated through the position book, and each holder is
// charged only the net new escrow after any offsetting refund.
func (b *OrderBook) makeContract(tx store.Tx, log *EventLog, ct *model.ContractType, fixedHolder, unfixedHolder string, price, quantity int64, now time.Time) error {
	fixedRefund, err := b.positions.Apply(tx, fixedHolder, ct.ID, quantity, price, now)
	if err != nil {
		return err
	}
	unfixedRefund, err := b.positions.Apply(tx, unfixedHolder, ct.ID, -quantity, model.TokenScale-price, now)
	if err != nil {
		return err
	}

	if err := b.settleNet(tx, fixedHolder, price*quantity-fixedRefund*model.TokenScale); err != nil {
		return err
	}
	if err := b.settleNet(tx, unfixedHolder, (model.TokenScale-price)*quantity-unfixedRefund*model.TokenScale); err != nil {
		return err
	}

	log.ContractCreated(fixedHolder, ct, model.Fixed, price, quantity)
	log.ContractCreated(unfixedHolder, ct, model.Unfixed, price, quantity)
	if fixedRefund > 0 {
		log.PositionCovered(fixedHolder, ct, fixedRefund)
	}
	if unfixedRefund > 0 {
		log.PositionCovered(unfixedHolder, ct, unfixedRefund)
	}
	return nil
}

// settleNet charges a holder's net escrow for one side of a contract. The
// net is negative when the refunded pot exceeds the new cost, in which
// case the difference is paid out.
func (b *OrderBook) settleNet(tx store.Tx, accountID string, amount int64) error {
	if amount >= 0 {
		return b.ledger.Debit(tx, accountID, amount)
	}
	return b.ledger.Credit(tx, accountID, -amount)
}

// ReduceOffer removes quantity units from a resting offer (ReduceAll
// removes all of them), returning the escrow for the removed units to the
// owner at the offer's own price. The offer is deleted when fully removed.
// An all-or-nothing offer may only be removed entirely.
func (b *OrderBook) ReduceOffer(tx store.Tx, offerID string, quantity int64) error {
	o, err := tx.Offer(offerID)
	if err != nil {
		return err
	}
	if quantity == ReduceAll {
		quantity = o.Quantity
	}
	if quantity <= 0 || quantity > o.Quantity {
		return fmt.Errorf("%w: reduce %d of %d units on offer %s",
			ErrInvariant, quantity, o.Quantity, o.ID)
	}
	if o.AllOrNothing && quantity < o.Quantity {
		return fmt.Errorf("%w: all-or-nothing offer %s cannot be reduced, only removed entirely",
			ErrInvariant, o.ID)
	}

	if err := b.ledger.Credit(tx, o.AccountID, o.Side.UnitCost(o.Price)*quantity); err != nil {
		return err
	}
	if quantity == o.Quantity {
		return tx.DeleteOffer(o.ID)
	}
	return tx.SetOfferQuantity(o.ID, o.Quantity-quantity)
}

// Cancel removes the caller's own offer from the book with a full refund.
func (b *OrderBook) Cancel(tx store.Tx, log *EventLog, requesterID, offerID string) error {
	o, err := tx.Offer(offerID)
	if err != nil {
		return err
	}
	if o.AccountID != requesterID {
		return fmt.Errorf("%w: offer %s is not owned by account %s",
			ErrPermissionDenied, offerID, requesterID)
	}
	ct, err := tx.ContractType(o.ContractTypeID)
	if err != nil {
		return err
	}
	if err := b.ReduceOffer(tx, o.ID, ReduceAll); err != nil {
		return err
	}
	log.OfferCancelled(o.AccountID, ct, o.Side, o.Price, o.Quantity)
	return nil
}

// ExpireOffers sweeps every offer whose expiry has passed, treating each
// as a full cancel-and-refund. Called as an explicit pre-step before
// matching and before listing the book.
func (b *OrderBook) ExpireOffers(tx store.Tx, log *EventLog, now time.Time) error {
	expired, err := tx.ExpiredOffers(now)
	if err != nil {
		return err
	}
	return b.expire(tx, log, expired)
}

func (b *OrderBook) expire(tx store.Tx, log *EventLog, offers []model.Offer) error {
	for _, o := range offers {
		ct, err := tx.ContractType(o.ContractTypeID)
		if err != nil {
			return err
		}
		if err := b.ReduceOffer(tx, o.ID, ReduceAll); err != nil {
			return err
		}
		log.OfferCancelled(o.AccountID, ct, o.Side, o.Price, o.Quantity)
		log.Info(o.AccountID,
			"An offer from you has expired because its expiration or the maturity date of the contract is in the past.")
	}
	return nil
}
