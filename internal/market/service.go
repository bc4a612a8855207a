package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/metrics"
	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// txRetries is how many times an operation is re-run from scratch after a
// store serialization conflict before the error is surfaced.
const txRetries = 3

// staleIssueAge is how long an issue may sit unreferenced and unmodified
// before cleanup removes it.
const staleIssueAge = 28 * 24 * time.Hour

// EventSink receives the committed events of each successful operation.
// Implemented by the websocket feed hub. May be nil.
type EventSink interface {
	BroadcastEvents(events []model.Event)
}

// Service is the transactional facade over the market engine. Every mutating
// operation runs inside a single store transaction: the order book, account
// ledger, position book, and settlement engine all see the same snapshot,
// and their row changes commit or roll back together with the operation's
// buffered events.
type Service struct {
	store     store.Store
	ledger    AccountLedger
	positions PositionBook
	book      *OrderBook
	settle    *SettlementEngine
	sink      EventSink
	now       func() time.Time
}

// NewService creates a market service on the given store. Pass nil for sink
// if no live feed is attached.
func NewService(st store.Store, sink EventSink) *Service {
	return &Service{
		store:  st,
		book:   NewOrderBook(),
		settle: NewSettlementEngine(),
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// run executes fn in a store transaction with a fresh event log, flushing
// the log just before commit. Serialization conflicts restart the whole
// operation with a fresh clock and log. Committed events are published to
// the feed sink and the metrics registry.
func (s *Service) run(ctx context.Context, fn func(tx store.Tx, log *EventLog, now time.Time) error) ([]model.Event, error) {
	var events []model.Event
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		now := s.now()
		log := NewEventLog(now)
		err = s.store.WithinTx(ctx, func(tx store.Tx) error {
			if err := fn(tx, log, now); err != nil {
				return err
			}
			flushed, err := log.Flush(tx)
			if err != nil {
				return err
			}
			events = flushed
			return nil
		})
		if !errors.Is(err, store.ErrSerialization) {
			break
		}
		slog.Warn("transaction conflict, retrying", "attempt", attempt+1)
	}
	if err != nil {
		return nil, err
	}
	s.publish(events)
	return events, nil
}

// publish pushes committed events to the feed hub and counts them.
func (s *Service) publish(events []model.Event) {
	if len(events) == 0 {
		return
	}
	if s.sink != nil {
		s.sink.BroadcastEvents(events)
	}
	for _, e := range events {
		switch e.Class {
		case model.EventOfferCreated:
			if e.Side != nil {
				metrics.OffersTotal.WithLabelValues(e.Side.String()).Inc()
			}
		case model.EventOfferCancelled:
			metrics.CancellationsTotal.Inc()
		case model.EventContractCreated:
			// One contract emits an event per leg; count the FIXED leg only.
			if e.Side != nil && *e.Side == model.Fixed {
				metrics.ContractsTotal.Inc()
				metrics.ContractVolume.Add(float64(e.Quantity))
			}
		case model.EventContractResolved:
			if e.Price == model.TokenScale {
				metrics.PayoutMillitokens.Add(float64(e.Quantity * model.TokenScale))
			}
		}
	}
}

// account loads an account, mapping a missing row to a validation error.
func (s *Service) account(tx store.Tx, id string) (*model.Account, error) {
	a, err := tx.Account(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no such account %s", ErrValidation, id)
	}
	return a, err
}

// Bootstrap ensures the system account and the upcoming maturities exist.
// Safe to call on every startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		if _, err := tx.SystemAccount(); errors.Is(err, store.ErrNotFound) {
			sys := &model.Account{
				ID:       uuid.New().String(),
				System:   true,
				Enabled:  true,
				Username: "system",
				Created:  now,
			}
			if err := tx.InsertAccount(sys); err != nil {
				return err
			}
			log.System(model.EventSystem, "Market initialized.")
		} else if err != nil {
			return err
		}
		_, err := ensureUpcoming(tx, now)
		return err
	})
	return err
}

// LookupUser finds or creates the account for an external identity,
// refreshing the username and profile URL when they change.
func (s *Service) LookupUser(ctx context.Context, host, subject, username, profile string) (*model.Account, error) {
	var account *model.Account
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		a, err := tx.AccountByIdentity(host, subject)
		if errors.Is(err, store.ErrNotFound) {
			a = &model.Account{
				ID:       uuid.New().String(),
				Enabled:  true,
				Host:     host,
				Subject:  subject,
				Username: username,
				Profile:  profile,
				Created:  now,
			}
			if err := tx.InsertAccount(a); err != nil {
				return err
			}
			log.System(model.EventNewAccount, fmt.Sprintf("New account for %s@%s.", username, host))
		} else if err != nil {
			return err
		} else if a.Username != username || a.Profile != profile {
			if err := tx.UpdateAccountProfile(a.ID, username, profile); err != nil {
				return err
			}
			a.Username = username
			a.Profile = profile
		}
		account = a
		return nil
	})
	return account, err
}

// Grant credits newly issued tokens to an account. The actor must hold the
// banker role.
func (s *Service) Grant(ctx context.Context, bankerID, recipientID string, amount int64) ([]model.Event, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive", ErrValidation)
	}
	return s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		banker, err := s.account(tx, bankerID)
		if err != nil {
			return err
		}
		if !banker.Banker {
			return fmt.Errorf("%w: account %s is not a banker", ErrPermissionDenied, bankerID)
		}
		if _, err := s.account(tx, recipientID); err != nil {
			return err
		}
		if err := s.ledger.Credit(tx, recipientID, amount); err != nil {
			return err
		}
		log.Info(recipientID, fmt.Sprintf("You have been granted %d tokens.", amount/model.TokenScale))
		return nil
	})
}

// AddIssue registers or refreshes a tracked issue by URL.
func (s *Service) AddIssue(ctx context.Context, url, title string, open bool) (*model.Issue, error) {
	if _, err := model.ParseIssueURL(url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var issue *model.Issue
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		i, _, err := tx.UpsertIssue(url, title, open, now)
		if err != nil {
			return err
		}
		issue = i
		return nil
	})
	return issue, err
}

// Issues returns the tracked issue overview, busiest first.
func (s *Service) Issues(ctx context.Context) ([]model.Issue, error) {
	return s.store.ListIssues(ctx)
}

// UpcomingMaturities ensures and returns the open settlement dates.
func (s *Service) UpcomingMaturities(ctx context.Context) ([]model.Maturity, error) {
	var out []model.Maturity
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		if _, err := ensureUpcoming(tx, now); err != nil {
			return err
		}
		ms, err := tx.MaturitiesAfter(now)
		out = ms
		return err
	})
	return out, err
}

// PlaceOrder submits an offer built from the draft. Matching, escrow, and
// the parked remainder all commit atomically. The returned events are the
// ones addressed to the placing account.
func (s *Service) PlaceOrder(ctx context.Context, draft model.OfferDraft, allOrNothing bool, expires *time.Time) ([]model.Event, error) {
	events, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		account, err := s.account(tx, draft.AccountID)
		if err != nil {
			return err
		}
		if !account.Enabled {
			return fmt.Errorf("%w: account %s is disabled", ErrPermissionDenied, account.ID)
		}
		if _, err := tx.Issue(draft.IssueID); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no such issue %s", ErrValidation, draft.IssueID)
		} else if err != nil {
			return err
		}
		ct, err := tx.UpsertContractType(draft.IssueID, draft.MaturityID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no such maturity %s", ErrValidation, draft.MaturityID)
		} else if err != nil {
			return err
		}
		if !ct.MaturesAt.After(now) {
			return fmt.Errorf("%w: contract %s has already matured", ErrValidation, ct.ID)
		}
		if expires != nil && !expires.After(now) {
			return fmt.Errorf("%w: expiry is in the past", ErrValidation)
		}

		// Clear out anything already expired before matching against the book.
		if err := s.book.ExpireOffers(tx, log, now); err != nil {
			return err
		}

		offer := &model.Offer{
			ID:             uuid.New().String(),
			AccountID:      draft.AccountID,
			ContractTypeID: ct.ID,
			Side:           draft.Side,
			Price:          draft.Price,
			Quantity:       draft.Quantity,
			AllOrNothing:   allOrNothing,
			Expires:        expires,
			Created:        now,
		}
		return s.book.Place(tx, log, ct, offer, now)
	})
	if err != nil {
		return nil, err
	}
	return eventsFor(events, draft.AccountID), nil
}

// CancelOffer removes a resting offer and refunds its escrow. Only the
// offer's owner may cancel it.
func (s *Service) CancelOffer(ctx context.Context, accountID, offerID string) ([]model.Event, error) {
	return s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		return s.book.Cancel(tx, log, accountID, offerID)
	})
}

// Offset computes the counter-offer that would flatten the position for the
// given total sale price, in millitokens across the whole position. Nothing
// is placed; feed the draft back into PlaceOrder to execute it.
func (s *Service) Offset(ctx context.Context, accountID, positionID string, totalPrice int64) (*model.OfferDraft, error) {
	var draft *model.OfferDraft
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		ps, err := tx.Positions(store.PositionFilter{PositionID: positionID})
		if err != nil {
			return err
		}
		if len(ps) == 0 {
			return store.ErrNotFound
		}
		p := ps[0]
		if p.AccountID != accountID {
			return fmt.Errorf("%w: position %s belongs to another account", ErrPermissionDenied, positionID)
		}
		units := p.Units()
		if totalPrice <= 0 || totalPrice%units != 0 {
			return fmt.Errorf("%w: price must be a positive multiple of %d", ErrValidation, units)
		}
		price := totalPrice / units
		if p.Side() == model.Unfixed {
			price = model.TokenScale - price
		}
		if price < model.MinPrice || price > model.MaxPrice {
			return fmt.Errorf("%w: price per unit out of range", ErrValidation)
		}
		ct, err := tx.ContractType(p.ContractTypeID)
		if err != nil {
			return err
		}
		draft = &model.OfferDraft{
			AccountID:  accountID,
			IssueID:    ct.IssueID,
			MaturityID: ct.MaturityID,
			Side:       p.Side().Opposite(),
			Price:      price,
			Quantity:   units,
		}
		return nil
	})
	return draft, err
}

// Resolve settles a matured contract type with the given winning side. The
// actor must hold the oracle role. Resolving a contract type with no open
// positions succeeds and changes nothing.
func (s *Service) Resolve(ctx context.Context, actorID, ctypeID string, winner model.Side) ([]model.Event, error) {
	events, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		actor, err := s.account(tx, actorID)
		if err != nil {
			return err
		}
		if !actor.Oracle {
			return fmt.Errorf("%w: account %s is not an oracle", ErrPermissionDenied, actorID)
		}
		ct, err := tx.ContractType(ctypeID)
		if err != nil {
			return err
		}
		if ct.MaturesAt.After(now) {
			return fmt.Errorf("%w: contract %s has not matured yet", ErrValidation, ctypeID)
		}
		// Expire resting offers first so their escrow goes back before the
		// book is drained, then sweep again for anything left unreferenced.
		if err := s.cleanup(tx, log, now); err != nil {
			return err
		}
		if err := s.settle.Resolve(tx, log, ct, winner); err != nil {
			return err
		}
		return s.cleanup(tx, log, now)
	})
	if err == nil {
		metrics.SettlementsTotal.Inc()
	}
	return events, err
}

// Resolvable lists matured contract types still holding open positions,
// oldest maturity first.
func (s *Service) Resolvable(ctx context.Context) ([]model.ContractType, error) {
	var out []model.ContractType
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		cts, err := tx.ResolvableContractTypes(s.now())
		out = cts
		return err
	})
	return out, err
}

// Cleanup expires dead offers and removes unreferenced contract types,
// maturities, and stale issues. Run periodically and before settlement.
func (s *Service) Cleanup(ctx context.Context) error {
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		return s.cleanup(tx, log, now)
	})
	return err
}

// cleanup is the shared sweep. Deletions are explicit no-ops when rows are
// still referenced; nothing here depends on constraint errors.
func (s *Service) cleanup(tx store.Tx, log *EventLog, now time.Time) error {
	if err := s.book.ExpireOffers(tx, log, now); err != nil {
		return err
	}
	matured, err := tx.MaturedContractTypes(now)
	if err != nil {
		return err
	}
	ids := make([]string, len(matured))
	for i, ct := range matured {
		ids[i] = ct.ID
	}
	offers, err := tx.OffersOnContractTypes(ids)
	if err != nil {
		return err
	}
	if err := s.book.expire(tx, log, offers); err != nil {
		return err
	}
	for _, ct := range matured {
		if _, err := tx.DeleteContractTypeIfUnreferenced(ct.ID); err != nil {
			return err
		}
	}
	maturityIDs, err := tx.MaturityIDsBefore(now)
	if err != nil {
		return err
	}
	for _, id := range maturityIDs {
		if _, err := tx.DeleteMaturityIfUnreferenced(id); err != nil {
			return err
		}
	}
	issueIDs, err := tx.StaleIssueIDs(now.Add(-staleIssueAge))
	if err != nil {
		return err
	}
	for _, id := range issueIDs {
		if _, err := tx.DeleteIssueIfUnreferenced(id); err != nil {
			return err
		}
	}
	return nil
}

// Offers lists open offers after sweeping out expired ones.
func (s *Service) Offers(ctx context.Context, f store.OfferFilter) ([]model.Offer, error) {
	var out []model.Offer
	_, err := s.run(ctx, func(tx store.Tx, log *EventLog, now time.Time) error {
		if err := s.book.ExpireOffers(tx, log, now); err != nil {
			return err
		}
		offers, err := tx.Offers(f)
		out = offers
		return err
	})
	return out, err
}

// Positions lists open positions.
func (s *Service) Positions(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	var out []model.Position
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		ps, err := tx.Positions(f)
		out = ps
		return err
	})
	return out, err
}

// Balance returns an account's balance in millitokens.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := s.ledger.Balance(tx, accountID)
		balance = b
		return err
	})
	return balance, err
}

// History returns an account's events, newest first.
func (s *Service) History(ctx context.Context, accountID string) ([]model.Event, error) {
	events, err := s.store.Events(ctx, store.EventFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Ticker returns the public trade feed, oldest first, optionally narrowed
// to one issue.
func (s *Service) Ticker(ctx context.Context, issueID string) ([]model.Event, error) {
	return s.store.Events(ctx, store.EventFilter{IssueID: issueID, Ticker: true})
}

// eventsFor filters events down to those addressed to one account.
func eventsFor(events []model.Event, accountID string) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}
