package market

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// EventLog buffers the audit events of one operation and writes them in
// the operation's transaction. Nothing is written if the transaction
// aborts; once committed, events are never mutated or removed.
type EventLog struct {
	now     time.Time
	pending []model.Event
}

// NewEventLog starts an empty buffer; now stamps every event.
func NewEventLog(now time.Time) *EventLog {
	return &EventLog{now: now}
}

func (l *EventLog) add(e model.Event) {
	e.ID = uuid.New().String()
	e.Created = l.now
	l.pending = append(l.pending, e)
}

// addContract buffers an event about ct, carrying the issue details so the
// live feed does not need a lookup. Only the contract type id is persisted.
func (l *EventLog) addContract(e model.Event, ct *model.ContractType) {
	e.ContractTypeID = ct.ID
	e.IssueURL = ct.IssueURL
	at := ct.MaturesAt
	e.MaturesAt = &at
	l.add(e)
}

// OfferCreated records a new resting offer.
func (l *EventLog) OfferCreated(accountID string, ct *model.ContractType, side model.Side, price, quantity int64, expires *time.Time) {
	exp := " (never expires)"
	if expires != nil {
		exp = fmt.Sprintf(" (expires %s)", expires.Format("02 Jan 15:04"))
	}
	l.addContract(model.Event{
		Class:     model.EventOfferCreated,
		AccountID: accountID,
		Side:      model.SidePtr(side),
		Price:     price,
		Quantity:  quantity,
		Expires:   expires,
		Text: fmt.Sprintf("Offer made: %d units of %s on %s at a (fixed) price of %s%s",
			quantity, side, ct, model.DisplayPrice(price), exp),
	}, ct)
}

// OfferCancelled records a cancelled or expired offer.
func (l *EventLog) OfferCancelled(accountID string, ct *model.ContractType, side model.Side, price, quantity int64) {
	l.addContract(model.Event{
		Class:     model.EventOfferCancelled,
		AccountID: accountID,
		Side:      model.SidePtr(side),
		Price:     price,
		Quantity:  quantity,
		Text: fmt.Sprintf("Offer cancelled: %d units of %s on %s at a (fixed) price of %s",
			quantity, side, ct, model.DisplayPrice(price)),
	}, ct)
}

// ContractCreated records one holder's side of a new contract.
func (l *EventLog) ContractCreated(accountID string, ct *model.ContractType, side model.Side, price, quantity int64) {
	l.addContract(model.Event{
		Class:     model.EventContractCreated,
		AccountID: accountID,
		Side:      model.SidePtr(side),
		Price:     price,
		Quantity:  quantity,
		Text: fmt.Sprintf("Contract formed: %d units of %s %s at a (fixed) price of %s",
			quantity, side, ct, model.DisplayPrice(price)),
	}, ct)
}

// PositionCovered records units netted out by an offsetting trade, with
// their escrow pot returned to the holder.
func (l *EventLog) PositionCovered(accountID string, ct *model.ContractType, quantity int64) {
	l.addContract(model.Event{
		Class:     model.EventPositionCovered,
		AccountID: accountID,
		Quantity:  quantity,
		Text: fmt.Sprintf("Contract on %s had %d units covered and tokens returned",
			ct, quantity),
	}, ct)
}

// ContractResolved records a settlement payout (price 1000 for winners,
// 0 for losers).
func (l *EventLog) ContractResolved(accountID string, ct *model.ContractType, side model.Side, price, quantity int64) {
	l.addContract(model.Event{
		Class:     model.EventContractResolved,
		AccountID: accountID,
		Side:      model.SidePtr(side),
		Price:     price,
		Quantity:  quantity,
		Text: fmt.Sprintf("Contract resolved: %s for a payout of %d tokens",
			ct, price*quantity/model.TokenScale),
	}, ct)
}

// Info records a free-text notification to one account.
func (l *EventLog) Info(accountID, text string) {
	l.add(model.Event{Class: model.EventInfo, AccountID: accountID, Text: text})
}

// System records a free-text event addressed to the system account; the
// recipient is filled in at flush.
func (l *EventLog) System(class, text string) {
	l.add(model.Event{Class: class, Text: text})
}

// Flush writes the buffered events through the transaction and returns
// them. Events without a recipient go to the system account. The buffer is
// reset so a retried operation starts clean.
func (l *EventLog) Flush(tx store.Tx) ([]model.Event, error) {
	if len(l.pending) == 0 {
		return nil, nil
	}

	var systemID string
	for i := range l.pending {
		if l.pending[i].AccountID != "" {
			continue
		}
		if systemID == "" {
			system, err := tx.SystemAccount()
			if err != nil {
				return nil, err
			}
			systemID = system.ID
		}
		l.pending[i].AccountID = systemID
	}

	if err := tx.AppendEvents(l.pending); err != nil {
		return nil, err
	}
	flushed := l.pending
	l.pending = nil
	return flushed, nil
}
