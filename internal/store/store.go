// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), an in-memory store
// (for testing), and a Redis read-through cache over the query surface.
//
// Every mutation runs inside one transaction: WithinTx either commits all
// row changes together or none of them. Matching against the resting book
// is serialized per contract type by the implementation's row locking.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pinfactory/pinfactory/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSerialization is returned when a transaction lost an isolation
	// conflict. The whole operation is safe to retry from scratch.
	ErrSerialization = errors.New("store: serialization conflict, retry")

	// ErrInsufficientBalance is returned by AddBalance when a debit would
	// take a balance below zero. The ledger translates it into its own
	// insufficient-funds error.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// OfferFilter narrows offer queries. Zero values mean "all".
type OfferFilter struct {
	OfferID        string
	AccountID      string
	IssueID        string
	ContractTypeID string
}

// PositionFilter narrows position queries. Zero values mean "all".
type PositionFilter struct {
	PositionID string
	AccountID  string
	IssueID    string
}

// EventFilter narrows event queries. Ticker restricts the result to the
// public trade feed: FIXED-side contract_created/contract_resolved events
// with nonzero quantity.
type EventFilter struct {
	AccountID string
	IssueID   string
	Ticker    bool
}

// Tx is one atomic transaction against the ledger store. All reads observe
// the transaction's snapshot; all writes are invisible until commit.
type Tx interface {
	// --- Accounts ---

	// SystemAccount returns the single account with the system flag.
	SystemAccount() (*model.Account, error)

	// Account retrieves an account by id.
	Account(id string) (*model.Account, error)

	// AccountByIdentity retrieves an account by external identity.
	AccountByIdentity(host, subject string) (*model.Account, error)

	// InsertAccount persists a new account.
	InsertAccount(a *model.Account) error

	// UpdateAccountProfile updates the mutable identity fields.
	UpdateAccountProfile(id, username, profile string) error

	// AddBalance applies a signed delta and returns the new balance.
	// The caller enforces the non-negative invariant.
	AddBalance(id string, delta int64) (int64, error)

	// --- Issues ---

	Issue(id string) (*model.Issue, error)

	// UpsertIssue inserts the issue by URL or updates its open state and
	// title. Reports whether a new row was created.
	UpsertIssue(url, title string, open bool, now time.Time) (*model.Issue, bool, error)

	// StaleIssueIDs lists issues not modified since the cutoff.
	StaleIssueIDs(cutoff time.Time) ([]string, error)

	// DeleteIssueIfUnreferenced deletes the issue only if no contract type
	// references it. Reports whether a delete happened.
	DeleteIssueIfUnreferenced(id string) (bool, error)

	// ListIssues returns all issues with open offer volume, ordered by
	// volume descending, then open first, then most recently modified.
	ListIssues() ([]model.Issue, error)

	// --- Maturities ---

	MaturityAt(at time.Time) (*model.Maturity, error)
	InsertMaturity(m *model.Maturity) error

	// MaturitiesAfter lists maturities strictly after t, soonest first.
	MaturitiesAfter(t time.Time) ([]model.Maturity, error)

	// MaturityIDsBefore lists maturities at or before t.
	MaturityIDsBefore(t time.Time) ([]string, error)

	DeleteMaturityIfUnreferenced(id string) (bool, error)

	// --- Contract types ---

	ContractType(id string) (*model.ContractType, error)

	// UpsertContractType returns the canonical contract type for the
	// (issue, maturity) pair, creating it if absent.
	UpsertContractType(issueID, maturityID string) (*model.ContractType, error)

	// MaturedContractTypes lists contract types whose maturity has passed.
	MaturedContractTypes(now time.Time) ([]model.ContractType, error)

	// ResolvableContractTypes lists matured contract types that still hold
	// positions, soonest maturity first.
	ResolvableContractTypes(now time.Time) ([]model.ContractType, error)

	DeleteContractTypeIfUnreferenced(id string) (bool, error)

	// --- Offers ---

	Offer(id string) (*model.Offer, error)
	Offers(f OfferFilter) ([]model.Offer, error)

	// MatchableOffers returns unexpired resting offers on the given side of
	// a contract type that cross the limit price, in matching priority
	// order: for UNFIXED resting offers price <= limit ascending, for FIXED
	// resting offers price >= limit descending, FIFO within a price. Rows
	// are locked until commit.
	MatchableOffers(ctypeID string, restingSide model.Side, limitPrice int64, now time.Time) ([]model.Offer, error)

	// ExpiredOffers returns offers whose expiry has passed, locked.
	ExpiredOffers(now time.Time) ([]model.Offer, error)

	// OffersOnContractTypes returns offers resting on any of the given
	// contract types, locked.
	OffersOnContractTypes(ctypeIDs []string) ([]model.Offer, error)

	InsertOffer(o *model.Offer) error
	SetOfferQuantity(id string, quantity int64) error
	DeleteOffer(id string) error

	// --- Positions ---

	Position(ctypeID, accountID string) (*model.Position, error)
	Positions(f PositionFilter) ([]model.Position, error)

	// PopPosition locks and returns any one position on the contract type,
	// or ErrNotFound when none remain. No ordering is guaranteed.
	PopPosition(ctypeID string) (*model.Position, error)

	UpsertPosition(p *model.Position) error
	DeletePosition(id string) error

	// --- Events ---

	// AppendEvents writes the transaction's buffered events. Called once,
	// immediately before commit.
	AppendEvents(events []model.Event) error
}

// Store is the persistence interface. WithinTx runs fn in one atomic
// transaction; a returned error rolls everything back. The two standalone
// reads back the cached query surface.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ListIssues is the uncached (or cache-wrapped) issue overview.
	ListIssues(ctx context.Context) ([]model.Issue, error)

	// Events is the audit/ticker projection.
	Events(ctx context.Context, f EventFilter) ([]model.Event, error)
}
