// Package model defines the core domain types shared across the futures
// market: accounts, issues, maturities, contract types, offers, positions,
// and audit events.
//
// All monetary amounts are int64 millitokens (1 token = 1000 millitokens).
// Settlement arithmetic never touches floating point; the single permitted
// rounding step (the oracle fee) uses shopspring/decimal.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TokenScale is the number of millitokens per token. A matched FIXED/UNFIXED
// pair always holds exactly TokenScale millitokens of escrow per unit.
const TokenScale int64 = 1000

// Price bounds for offers, in millitokens per unit.
const (
	MinPrice int64 = 1
	MaxPrice int64 = 999
)

// MaxOrderQuantity caps a single order's unit count so that escrow
// arithmetic (price times quantity) stays far inside int64.
const MaxOrderQuantity int64 = 1_000_000_000

// Side is one leg of the binary outcome. A FIXED holder wins if the tracked
// issue is resolved by maturity; an UNFIXED holder wins otherwise.
type Side bool

const (
	Fixed   Side = true
	Unfixed Side = false
)

func (s Side) String() string {
	if s == Fixed {
		return "FIXED"
	}
	return "UNFIXED"
}

// Opposite returns the other leg.
func (s Side) Opposite() Side { return !s }

// MarshalJSON renders the side as its display name.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts "FIXED" or "UNFIXED".
func (s *Side) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "FIXED":
		*s = Fixed
	case "UNFIXED":
		*s = Unfixed
	default:
		return fmt.Errorf("invalid side %q", v)
	}
	return nil
}

// UnitCost returns the escrow required per unit on this side, given the
// FIXED-side price: price for FIXED, TokenScale-price for UNFIXED.
func (s Side) UnitCost(price int64) int64 {
	if s == Fixed {
		return price
	}
	return TokenScale - price
}

// Account holds a participant's balance and role flags. Balance is mutated
// only through the account ledger, never directly.
type Account struct {
	ID      string `json:"id"`
	System  bool   `json:"system"`
	Banker  bool   `json:"banker"`
	Oracle  bool   `json:"oracle"`
	Enabled bool   `json:"enabled"`

	// Balance in millitokens. Invariant: always >= 0.
	Balance int64 `json:"balance"`

	// External identity (OAuth host + subject), resolved by the web layer.
	Host     string `json:"host,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Username string `json:"username,omitempty"`
	Profile  string `json:"profile,omitempty"`

	Created time.Time `json:"created"`
}

// Issue is a tracked external bug/feature identified by its URL.
type Issue struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Open     bool      `json:"open"`
	Modified time.Time `json:"modified"`

	// OfferVolume is the summed open offer quantity, filled by list queries.
	OfferVolume int64 `json:"offer_volume,omitempty"`
}

// Maturity is a settlement date. Contract types reference maturities by id.
type Maturity struct {
	ID        string    `json:"id"`
	MaturesAt time.Time `json:"matures_at"`
}

// ContractType is a tradeable instrument: one issue crossed with one
// maturity. Unique per (issue, maturity) pair and immutable once created.
// Issue and maturity details are denormalized for display and event text.
type ContractType struct {
	ID         string `json:"id"`
	IssueID    string `json:"issue_id"`
	MaturityID string `json:"maturity_id"`

	IssueURL   string    `json:"issue_url,omitempty"`
	IssueTitle string    `json:"issue_title,omitempty"`
	MaturesAt  time.Time `json:"matures_at"`
}

func (ct *ContractType) String() string {
	name := ct.IssueTitle
	if name == "" {
		name = ct.IssueURL
	}
	return fmt.Sprintf("%s maturing %s", name, ct.MaturesAt.Format("02 Jan"))
}

// Offer is a resting order. Price is always the FIXED-side price in
// millitokens; the escrow held for the offer is Side.UnitCost(Price) per
// unit. An all-or-nothing offer may only be filled or removed in full.
type Offer struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	ContractTypeID string     `json:"contract_type_id"`
	Side           Side       `json:"side"`
	Price          int64      `json:"price"`
	Quantity       int64      `json:"quantity"`
	AllOrNothing   bool       `json:"all_or_nothing"`
	Expires        *time.Time `json:"expires,omitempty"`
	Created        time.Time  `json:"created"`
}

// Escrow returns the millitokens held against the offer's full quantity.
func (o *Offer) Escrow() int64 {
	return o.Side.UnitCost(o.Price) * o.Quantity
}

// Expired reports whether the offer's expiry has passed at the given time.
func (o *Offer) Expired(now time.Time) bool {
	return o.Expires != nil && !o.Expires.After(now)
}

// Position is an account's net holding on one contract type. The sign of
// Quantity encodes the side: positive FIXED, negative UNFIXED. A position
// with zero quantity is deleted, never stored. Basis is the cumulative
// millitokens paid for the currently held quantity, always >= 0.
type Position struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	ContractTypeID string    `json:"contract_type_id"`
	Quantity       int64     `json:"quantity"`
	Basis          int64     `json:"basis"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
}

// Side returns the leg this position holds.
func (p *Position) Side() Side { return p.Quantity > 0 }

// Units returns the unsigned quantity.
func (p *Position) Units() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// OfferDraft is a computed counter-offer that would flatten a position if
// placed. Producing a draft mutates nothing; only placing it does.
type OfferDraft struct {
	AccountID  string `json:"account_id"`
	IssueID    string `json:"issue_id"`
	MaturityID string `json:"maturity_id"`
	Side       Side   `json:"side"`
	Price      int64  `json:"price"`
	Quantity   int64  `json:"quantity"`
}

// Event classes emitted by the engine.
const (
	EventOfferCreated     = "offer_created"
	EventOfferCancelled   = "offer_cancelled"
	EventContractCreated  = "contract_created"
	EventPositionCovered  = "position_covered"
	EventContractResolved = "contract_resolved"
	EventInfo             = "info"
	EventSystem           = "system"
	EventNewAccount       = "new_account"
)

// Event is an immutable audit record. Events are buffered per transaction
// and written at commit; they are never updated or deleted.
type Event struct {
	ID             string     `json:"id"`
	Class          string     `json:"class"`
	AccountID      string     `json:"account_id"`
	ContractTypeID string     `json:"contract_type_id,omitempty"`
	Side           *Side      `json:"side,omitempty"`
	Price          int64      `json:"price"`
	Quantity       int64      `json:"quantity"`
	Expires        *time.Time `json:"expires,omitempty"`
	Text           string     `json:"text,omitempty"`
	Created        time.Time  `json:"created"`

	// Joined issue/maturity details, filled by event queries for the ticker.
	IssueURL  string     `json:"issue_url,omitempty"`
	MaturesAt *time.Time `json:"matures_at,omitempty"`
}

// DisplayPrice renders a millitoken price as a token fraction ("0.250").
func DisplayPrice(price int64) string {
	return decimal.NewFromInt(price).Div(decimal.NewFromInt(TokenScale)).StringFixed(3)
}

// SidePtr is a convenience for the optional Side field on events.
func SidePtr(s Side) *Side { return &s }
