package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions operate on a deep copy of the state which is
// swapped in atomically on commit, so a failed operation leaves the store
// untouched, matching the Postgres rollback semantics.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	accounts   map[string]*model.Account
	issues     map[string]*model.Issue
	maturities map[string]*model.Maturity
	ctypes     map[string]*model.ContractType
	offers     map[string]*model.Offer
	positions  map[string]*model.Position
	events     []model.Event

	// offerSeq preserves arrival order for the FIFO tie-break.
	offerSeq map[string]int64
	nextSeq  int64
}

func newMemState() *memState {
	return &memState{
		accounts:   make(map[string]*model.Account),
		issues:     make(map[string]*model.Issue),
		maturities: make(map[string]*model.Maturity),
		ctypes:     make(map[string]*model.ContractType),
		offers:     make(map[string]*model.Offer),
		positions:  make(map[string]*model.Position),
		offerSeq:   make(map[string]int64),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.accounts {
		cp := *v
		c.accounts[k] = &cp
	}
	for k, v := range s.issues {
		cp := *v
		c.issues[k] = &cp
	}
	for k, v := range s.maturities {
		cp := *v
		c.maturities[k] = &cp
	}
	for k, v := range s.ctypes {
		cp := *v
		c.ctypes[k] = &cp
	}
	for k, v := range s.offers {
		cp := *v
		c.offers[k] = &cp
	}
	for k, v := range s.positions {
		cp := *v
		c.positions[k] = &cp
	}
	c.events = append(c.events, s.events...)
	for k, v := range s.offerSeq {
		c.offerSeq[k] = v
	}
	c.nextSeq = s.nextSeq
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// WithinTx runs fn against a copy of the state under the store lock. The
// copy replaces the live state only when fn returns nil.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) ListIssues(ctx context.Context) ([]model.Issue, error) {
	var result []model.Issue
	err := s.WithinTx(ctx, func(tx Tx) error {
		var err error
		result, err = tx.ListIssues()
		return err
	})
	return result, err
}

func (s *MemoryStore) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.state}).filterEvents(f), nil
}

// memTx implements Tx over one state copy.
type memTx struct {
	st *memState
}

// --- Accounts ---

func (t *memTx) SystemAccount() (*model.Account, error) {
	for _, a := range t.st.accounts {
		if a.System {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) Account(id string) (*model.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) AccountByIdentity(host, subject string) (*model.Account, error) {
	for _, a := range t.st.accounts {
		if a.Host == host && a.Subject == subject {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertAccount(a *model.Account) error {
	cp := *a
	t.st.accounts[a.ID] = &cp
	return nil
}

func (t *memTx) UpdateAccountProfile(id, username, profile string) error {
	a, ok := t.st.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Username = username
	a.Profile = profile
	return nil
}

func (t *memTx) AddBalance(id string, delta int64) (int64, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.Balance += delta
	return a.Balance, nil
}

// --- Issues ---

func (t *memTx) Issue(id string) (*model.Issue, error) {
	i, ok := t.st.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (t *memTx) UpsertIssue(url, title string, open bool, now time.Time) (*model.Issue, bool, error) {
	for _, i := range t.st.issues {
		if i.URL == url {
			i.Open = open
			if title != "" {
				i.Title = title
			}
			i.Modified = now
			cp := *i
			return &cp, false, nil
		}
	}
	issue := &model.Issue{
		ID:       uuid.New().String(),
		URL:      url,
		Title:    title,
		Open:     open,
		Modified: now,
	}
	t.st.issues[issue.ID] = issue
	cp := *issue
	return &cp, true, nil
}

func (t *memTx) StaleIssueIDs(cutoff time.Time) ([]string, error) {
	var ids []string
	for _, i := range t.st.issues {
		if i.Modified.Before(cutoff) {
			ids = append(ids, i.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) DeleteIssueIfUnreferenced(id string) (bool, error) {
	if _, ok := t.st.issues[id]; !ok {
		return false, nil
	}
	for _, ct := range t.st.ctypes {
		if ct.IssueID == id {
			return false, nil
		}
	}
	delete(t.st.issues, id)
	return true, nil
}

func (t *memTx) ListIssues() ([]model.Issue, error) {
	volumes := make(map[string]int64)
	for _, o := range t.st.offers {
		if ct, ok := t.st.ctypes[o.ContractTypeID]; ok {
			volumes[ct.IssueID] += o.Quantity
		}
	}

	issues := make([]model.Issue, 0, len(t.st.issues))
	for _, i := range t.st.issues {
		cp := *i
		cp.OfferVolume = volumes[i.ID]
		issues = append(issues, cp)
	}
	sort.SliceStable(issues, func(a, b int) bool {
		if issues[a].OfferVolume != issues[b].OfferVolume {
			return issues[a].OfferVolume > issues[b].OfferVolume
		}
		if issues[a].Open != issues[b].Open {
			return issues[a].Open
		}
		return issues[a].Modified.After(issues[b].Modified)
	})
	return issues, nil
}

// --- Maturities ---

func (t *memTx) MaturityAt(at time.Time) (*model.Maturity, error) {
	for _, m := range t.st.maturities {
		if m.MaturesAt.Equal(at) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertMaturity(m *model.Maturity) error {
	cp := *m
	t.st.maturities[m.ID] = &cp
	return nil
}

func (t *memTx) MaturitiesAfter(at time.Time) ([]model.Maturity, error) {
	var result []model.Maturity
	for _, m := range t.st.maturities {
		if m.MaturesAt.After(at) {
			result = append(result, *m)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].MaturesAt.Before(result[b].MaturesAt)
	})
	return result, nil
}

func (t *memTx) MaturityIDsBefore(at time.Time) ([]string, error) {
	var ids []string
	for _, m := range t.st.maturities {
		if !m.MaturesAt.After(at) {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) DeleteMaturityIfUnreferenced(id string) (bool, error) {
	if _, ok := t.st.maturities[id]; !ok {
		return false, nil
	}
	for _, ct := range t.st.ctypes {
		if ct.MaturityID == id {
			return false, nil
		}
	}
	delete(t.st.maturities, id)
	return true, nil
}

// --- Contract types ---

func (t *memTx) contractType(id string) (*model.ContractType, bool) {
	ct, ok := t.st.ctypes[id]
	if !ok {
		return nil, false
	}
	cp := *ct
	return &cp, true
}

func (t *memTx) ContractType(id string) (*model.ContractType, error) {
	ct, ok := t.contractType(id)
	if !ok {
		return nil, ErrNotFound
	}
	return ct, nil
}

func (t *memTx) UpsertContractType(issueID, maturityID string) (*model.ContractType, error) {
	issue, ok := t.st.issues[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	maturity, ok := t.st.maturities[maturityID]
	if !ok {
		return nil, ErrNotFound
	}

	for _, ct := range t.st.ctypes {
		if ct.IssueID == issueID && ct.MaturityID == maturityID {
			cp := *ct
			return &cp, nil
		}
	}
	ct := &model.ContractType{
		ID:         uuid.New().String(),
		IssueID:    issueID,
		MaturityID: maturityID,
		IssueURL:   issue.URL,
		IssueTitle: issue.Title,
		MaturesAt:  maturity.MaturesAt,
	}
	t.st.ctypes[ct.ID] = ct
	cp := *ct
	return &cp, nil
}

func (t *memTx) MaturedContractTypes(now time.Time) ([]model.ContractType, error) {
	var result []model.ContractType
	for _, ct := range t.st.ctypes {
		if !ct.MaturesAt.After(now) {
			result = append(result, *ct)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].MaturesAt.Before(result[b].MaturesAt)
	})
	return result, nil
}

func (t *memTx) ResolvableContractTypes(now time.Time) ([]model.ContractType, error) {
	held := make(map[string]bool)
	for _, p := range t.st.positions {
		held[p.ContractTypeID] = true
	}

	matured, err := t.MaturedContractTypes(now)
	if err != nil {
		return nil, err
	}
	var result []model.ContractType
	for _, ct := range matured {
		if held[ct.ID] {
			result = append(result, ct)
		}
	}
	return result, nil
}

func (t *memTx) DeleteContractTypeIfUnreferenced(id string) (bool, error) {
	if _, ok := t.st.ctypes[id]; !ok {
		return false, nil
	}
	for _, o := range t.st.offers {
		if o.ContractTypeID == id {
			return false, nil
		}
	}
	for _, p := range t.st.positions {
		if p.ContractTypeID == id {
			return false, nil
		}
	}
	for _, e := range t.st.events {
		if e.ContractTypeID == id {
			return false, nil
		}
	}
	delete(t.st.ctypes, id)
	return true, nil
}

// --- Offers ---

func (t *memTx) Offer(id string) (*model.Offer, error) {
	o, ok := t.st.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) Offers(f OfferFilter) ([]model.Offer, error) {
	var result []model.Offer
	for _, o := range t.st.offers {
		if f.OfferID != "" && o.ID != f.OfferID {
			continue
		}
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		if f.ContractTypeID != "" && o.ContractTypeID != f.ContractTypeID {
			continue
		}
		if f.IssueID != "" {
			ct, ok := t.st.ctypes[o.ContractTypeID]
			if !ok || ct.IssueID != f.IssueID {
				continue
			}
		}
		result = append(result, *o)
	}
	t.sortBySeq(result)
	return result, nil
}

func (t *memTx) sortBySeq(offers []model.Offer) {
	sort.Slice(offers, func(a, b int) bool {
		return t.st.offerSeq[offers[a].ID] < t.st.offerSeq[offers[b].ID]
	})
}

func (t *memTx) MatchableOffers(ctypeID string, restingSide model.Side, limitPrice int64, now time.Time) ([]model.Offer, error) {
	var result []model.Offer
	for _, o := range t.st.offers {
		if o.ContractTypeID != ctypeID || o.Side != restingSide || o.Expired(now) {
			continue
		}
		if restingSide == model.Unfixed && o.Price > limitPrice {
			continue
		}
		if restingSide == model.Fixed && o.Price < limitPrice {
			continue
		}
		result = append(result, *o)
	}
	// Arrival order first, then a stable sort by price: FIFO within a level.
	t.sortBySeq(result)
	sort.SliceStable(result, func(a, b int) bool {
		if restingSide == model.Unfixed {
			return result[a].Price < result[b].Price
		}
		return result[a].Price > result[b].Price
	})
	return result, nil
}

func (t *memTx) ExpiredOffers(now time.Time) ([]model.Offer, error) {
	var result []model.Offer
	for _, o := range t.st.offers {
		if o.Expired(now) {
			result = append(result, *o)
		}
	}
	t.sortBySeq(result)
	return result, nil
}

func (t *memTx) OffersOnContractTypes(ctypeIDs []string) ([]model.Offer, error) {
	wanted := make(map[string]bool, len(ctypeIDs))
	for _, id := range ctypeIDs {
		wanted[id] = true
	}
	var result []model.Offer
	for _, o := range t.st.offers {
		if wanted[o.ContractTypeID] {
			result = append(result, *o)
		}
	}
	t.sortBySeq(result)
	return result, nil
}

func (t *memTx) InsertOffer(o *model.Offer) error {
	cp := *o
	t.st.offers[o.ID] = &cp
	t.st.nextSeq++
	t.st.offerSeq[o.ID] = t.st.nextSeq
	return nil
}

func (t *memTx) SetOfferQuantity(id string, quantity int64) error {
	o, ok := t.st.offers[id]
	if !ok {
		return ErrNotFound
	}
	o.Quantity = quantity
	return nil
}

func (t *memTx) DeleteOffer(id string) error {
	if _, ok := t.st.offers[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.offers, id)
	delete(t.st.offerSeq, id)
	return nil
}

// --- Positions ---

func (t *memTx) Position(ctypeID, accountID string) (*model.Position, error) {
	for _, p := range t.st.positions {
		if p.ContractTypeID == ctypeID && p.AccountID == accountID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) Positions(f PositionFilter) ([]model.Position, error) {
	var result []model.Position
	for _, p := range t.st.positions {
		if f.PositionID != "" && p.ID != f.PositionID {
			continue
		}
		if f.AccountID != "" && p.AccountID != f.AccountID {
			continue
		}
		if f.IssueID != "" {
			ct, ok := t.st.ctypes[p.ContractTypeID]
			if !ok || ct.IssueID != f.IssueID {
				continue
			}
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (t *memTx) PopPosition(ctypeID string) (*model.Position, error) {
	var ids []string
	for id, p := range t.st.positions {
		if p.ContractTypeID == ctypeID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	sort.Strings(ids)
	cp := *t.st.positions[ids[0]]
	return &cp, nil
}

func (t *memTx) UpsertPosition(p *model.Position) error {
	cp := *p
	t.st.positions[p.ID] = &cp
	return nil
}

func (t *memTx) DeletePosition(id string) error {
	if _, ok := t.st.positions[id]; !ok {
		return ErrNotFound
	}
	delete(t.st.positions, id)
	return nil
}

// --- Events ---

func (t *memTx) AppendEvents(events []model.Event) error {
	t.st.events = append(t.st.events, events...)
	return nil
}

func (t *memTx) filterEvents(f EventFilter) []model.Event {
	var result []model.Event
	for _, e := range t.st.events {
		if f.AccountID != "" && e.AccountID != f.AccountID {
			continue
		}
		ct, hasType := t.st.ctypes[e.ContractTypeID]
		if f.IssueID != "" {
			if !hasType || ct.IssueID != f.IssueID {
				continue
			}
		}
		if f.Ticker {
			if e.Side == nil || *e.Side != model.Fixed || e.Quantity <= 0 {
				continue
			}
			if e.Class != model.EventContractCreated && e.Class != model.EventContractResolved {
				continue
			}
		}
		cp := e
		if hasType {
			cp.IssueURL = ct.IssueURL
			matures := ct.MaturesAt
			cp.MaturesAt = &matures
		}
		result = append(result, cp)
	}
	return result
}
