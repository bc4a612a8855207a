package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pinfactory/pinfactory/internal/model"
)

// Schema creates the market tables. All amounts are BIGINT millitokens;
// the balance check backs up the ledger's non-negative invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS account (
	id       TEXT PRIMARY KEY,
	system   BOOLEAN NOT NULL DEFAULT false,
	banker   BOOLEAN NOT NULL DEFAULT false,
	oracle   BOOLEAN NOT NULL DEFAULT false,
	enabled  BOOLEAN NOT NULL DEFAULT true,
	balance  BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	host     TEXT,
	subject  TEXT,
	username TEXT,
	profile  TEXT,
	created  TIMESTAMPTZ NOT NULL,
	UNIQUE (host, subject)
);

CREATE TABLE IF NOT EXISTS issue (
	id       TEXT PRIMARY KEY,
	url      TEXT NOT NULL UNIQUE,
	title    TEXT NOT NULL DEFAULT '',
	open     BOOLEAN NOT NULL DEFAULT true,
	modified TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS maturity (
	id      TEXT PRIMARY KEY,
	matures TIMESTAMPTZ NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS contract_type (
	id       TEXT PRIMARY KEY,
	issue    TEXT NOT NULL REFERENCES issue(id),
	maturity TEXT NOT NULL REFERENCES maturity(id),
	UNIQUE (issue, maturity)
);

CREATE TABLE IF NOT EXISTS offer (
	id             TEXT PRIMARY KEY,
	account        TEXT NOT NULL REFERENCES account(id),
	contract_type  TEXT NOT NULL REFERENCES contract_type(id),
	side           BOOLEAN NOT NULL,
	price          BIGINT NOT NULL CHECK (price >= 1 AND price <= 999),
	quantity       BIGINT NOT NULL CHECK (quantity > 0),
	all_or_nothing BOOLEAN NOT NULL DEFAULT false,
	expires        TIMESTAMPTZ,
	created        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS position (
	id            TEXT PRIMARY KEY,
	account       TEXT NOT NULL REFERENCES account(id),
	contract_type TEXT NOT NULL REFERENCES contract_type(id),
	quantity      BIGINT NOT NULL CHECK (quantity <> 0),
	basis         BIGINT NOT NULL CHECK (basis >= 0),
	created       TIMESTAMPTZ NOT NULL,
	modified      TIMESTAMPTZ NOT NULL,
	UNIQUE (account, contract_type)
);

CREATE TABLE IF NOT EXISTS event (
	id            TEXT PRIMARY KEY,
	class         TEXT NOT NULL,
	recipient     TEXT NOT NULL REFERENCES account(id),
	contract_type TEXT,
	side          BOOLEAN,
	price         BIGINT NOT NULL DEFAULT 0,
	quantity      BIGINT NOT NULL DEFAULT 0,
	expires       TIMESTAMPTZ,
	message       TEXT NOT NULL DEFAULT '',
	created       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS offer_book_idx ON offer (contract_type, side, price, created);
CREATE INDEX IF NOT EXISTS position_ctype_idx ON position (contract_type);
CREATE INDEX IF NOT EXISTS event_recipient_idx ON event (recipient, created);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// WithinTx runs fn in one REPEATABLE READ transaction. Serialization
// conflicts surface as ErrSerialization so the caller can retry the whole
// operation from scratch.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError converts isolation conflicts into the retryable sentinel.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Code)
		}
	}
	return err
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]model.Issue, error) {
	var result []model.Issue
	err := s.WithinTx(ctx, func(tx Tx) error {
		var err error
		result, err = tx.ListIssues()
		return err
	})
	return result, err
}

func (s *PostgresStore) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, eventQuery,
		f.AccountID == "", f.AccountID, f.IssueID == "", f.IssueID, !f.Ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

const eventQuery = `
	SELECT e.id, e.class, e.recipient, COALESCE(e.contract_type, ''),
	       e.side, e.price, e.quantity, e.expires, e.message, e.created,
	       COALESCE(i.url, ''), m.matures
	FROM event e
	LEFT JOIN contract_type ct ON ct.id = e.contract_type
	LEFT JOIN issue i ON i.id = ct.issue
	LEFT JOIN maturity m ON m.id = ct.maturity
	WHERE ($1 OR e.recipient = $2)
	  AND ($3 OR ct.issue = $4)
	  AND ($5 OR (e.side = true AND e.quantity > 0
	       AND e.class IN ('contract_created', 'contract_resolved')))
	ORDER BY e.created, e.id`

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var side *bool
		if err := rows.Scan(&e.ID, &e.Class, &e.AccountID, &e.ContractTypeID,
			&side, &e.Price, &e.Quantity, &e.Expires, &e.Text, &e.Created,
			&e.IssueURL, &e.MaturesAt); err != nil {
			return nil, err
		}
		if side != nil {
			e.Side = model.SidePtr(model.Side(*side))
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

// --- Accounts ---

const accountCols = `id, system, banker, oracle, enabled, balance,
	COALESCE(host, ''), COALESCE(subject, ''), COALESCE(username, ''), COALESCE(profile, ''), created`

func (t *pgTx) scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.System, &a.Banker, &a.Oracle, &a.Enabled, &a.Balance,
		&a.Host, &a.Subject, &a.Username, &a.Profile, &a.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) SystemAccount() (*model.Account, error) {
	return t.scanAccount(t.tx.QueryRow(t.ctx,
		`SELECT `+accountCols+` FROM account WHERE system = true`))
}

func (t *pgTx) Account(id string) (*model.Account, error) {
	return t.scanAccount(t.tx.QueryRow(t.ctx,
		`SELECT `+accountCols+` FROM account WHERE id = $1`, id))
}

func (t *pgTx) AccountByIdentity(host, subject string) (*model.Account, error) {
	return t.scanAccount(t.tx.QueryRow(t.ctx,
		`SELECT `+accountCols+` FROM account WHERE host = $1 AND subject = $2`, host, subject))
}

func (t *pgTx) InsertAccount(a *model.Account) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO account (id, system, banker, oracle, enabled, balance, host, subject, username, profile, created)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)`,
		a.ID, a.System, a.Banker, a.Oracle, a.Enabled, a.Balance,
		a.Host, a.Subject, a.Username, a.Profile, a.Created)
	return err
}

func (t *pgTx) UpdateAccountProfile(id, username, profile string) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE account SET username = $2, profile = $3 WHERE id = $1`, id, username, profile)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AddBalance(id string, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(t.ctx,
		`UPDATE account SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		id, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	// The balance CHECK fires before RETURNING can hand the ledger a
	// negative value, so an overdraft surfaces here as 23514.
	return balance, mapBalanceError(err)
}

// mapBalanceError converts a check-constraint violation on the account
// balance into ErrInsufficientBalance. Other errors pass through.
func mapBalanceError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" && pgErr.TableName == "account" {
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, pgErr.ConstraintName)
	}
	return err
}

// --- Issues ---

func (t *pgTx) Issue(id string) (*model.Issue, error) {
	var i model.Issue
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, url, title, open, modified FROM issue WHERE id = $1`, id).
		Scan(&i.ID, &i.URL, &i.Title, &i.Open, &i.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *pgTx) UpsertIssue(url, title string, open bool, now time.Time) (*model.Issue, bool, error) {
	var i model.Issue
	var inserted bool
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO issue (id, url, title, open, modified)
		 VALUES (gen_random_uuid()::TEXT, $1, $2, $3, $4)
		 ON CONFLICT (url) DO UPDATE
		 SET open = $3, title = COALESCE(NULLIF($2, ''), issue.title), modified = $4
		 RETURNING id, url, title, open, modified, (xmax = 0)`,
		url, title, open, now).
		Scan(&i.ID, &i.URL, &i.Title, &i.Open, &i.Modified, &inserted)
	if err != nil {
		return nil, false, err
	}
	return &i, inserted, nil
}

func (t *pgTx) StaleIssueIDs(cutoff time.Time) ([]string, error) {
	return t.scanIDs(`SELECT id FROM issue WHERE modified < $1 ORDER BY id`, cutoff)
}

func (t *pgTx) DeleteIssueIfUnreferenced(id string) (bool, error) {
	tag, err := t.tx.Exec(t.ctx,
		`DELETE FROM issue WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM contract_type WHERE issue = $1)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) ListIssues() ([]model.Issue, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT issue.id, issue.url, issue.title, issue.open, issue.modified,
		        COALESCE(SUM(offer.quantity), 0)
		 FROM issue
		 LEFT OUTER JOIN contract_type ON contract_type.issue = issue.id
		 LEFT OUTER JOIN offer ON offer.contract_type = contract_type.id
		 GROUP BY issue.id
		 ORDER BY SUM(offer.quantity) DESC NULLS LAST, issue.open DESC, issue.modified DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []model.Issue
	for rows.Next() {
		var i model.Issue
		if err := rows.Scan(&i.ID, &i.URL, &i.Title, &i.Open, &i.Modified, &i.OfferVolume); err != nil {
			return nil, err
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// --- Maturities ---

func (t *pgTx) MaturityAt(at time.Time) (*model.Maturity, error) {
	var m model.Maturity
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, matures FROM maturity WHERE matures = $1`, at).
		Scan(&m.ID, &m.MaturesAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) InsertMaturity(m *model.Maturity) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO maturity (id, matures) VALUES ($1, $2)`, m.ID, m.MaturesAt)
	return err
}

func (t *pgTx) MaturitiesAfter(at time.Time) ([]model.Maturity, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT id, matures FROM maturity WHERE matures > $1 ORDER BY matures`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Maturity
	for rows.Next() {
		var m model.Maturity
		if err := rows.Scan(&m.ID, &m.MaturesAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (t *pgTx) MaturityIDsBefore(at time.Time) ([]string, error) {
	return t.scanIDs(`SELECT id FROM maturity WHERE matures <= $1 ORDER BY id`, at)
}

func (t *pgTx) DeleteMaturityIfUnreferenced(id string) (bool, error) {
	tag, err := t.tx.Exec(t.ctx,
		`DELETE FROM maturity WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM contract_type WHERE maturity = $1)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Contract types ---

const ctypeQuery = `
	SELECT ct.id, ct.issue, ct.maturity, i.url, i.title, m.matures
	FROM contract_type ct
	JOIN issue i ON i.id = ct.issue
	JOIN maturity m ON m.id = ct.maturity`

func scanContractType(row pgx.Row) (*model.ContractType, error) {
	var ct model.ContractType
	err := row.Scan(&ct.ID, &ct.IssueID, &ct.MaturityID,
		&ct.IssueURL, &ct.IssueTitle, &ct.MaturesAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (t *pgTx) ContractType(id string) (*model.ContractType, error) {
	return scanContractType(t.tx.QueryRow(t.ctx, ctypeQuery+` WHERE ct.id = $1`, id))
}

func (t *pgTx) UpsertContractType(issueID, maturityID string) (*model.ContractType, error) {
	var id string
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO contract_type (id, issue, maturity)
		 VALUES (gen_random_uuid()::TEXT, $1, $2)
		 ON CONFLICT (issue, maturity) DO UPDATE SET maturity = $2
		 RETURNING id`,
		issueID, maturityID).Scan(&id)
	if err != nil {
		return nil, err
	}
	return t.ContractType(id)
}

func (t *pgTx) contractTypes(where string, args ...any) ([]model.ContractType, error) {
	rows, err := t.tx.Query(t.ctx, ctypeQuery+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ContractType
	for rows.Next() {
		ct, err := scanContractType(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ct)
	}
	return result, rows.Err()
}

func (t *pgTx) MaturedContractTypes(now time.Time) ([]model.ContractType, error) {
	return t.contractTypes(` WHERE m.matures <= $1 ORDER BY m.matures`, now)
}

func (t *pgTx) ResolvableContractTypes(now time.Time) ([]model.ContractType, error) {
	return t.contractTypes(
		` WHERE m.matures <= $1
		  AND EXISTS (SELECT 1 FROM position WHERE position.contract_type = ct.id)
		  ORDER BY m.matures`, now)
}

func (t *pgTx) DeleteContractTypeIfUnreferenced(id string) (bool, error) {
	tag, err := t.tx.Exec(t.ctx,
		`DELETE FROM contract_type WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM offer WHERE contract_type = $1)
		 AND NOT EXISTS (SELECT 1 FROM position WHERE contract_type = $1)
		 AND NOT EXISTS (SELECT 1 FROM event WHERE contract_type = $1)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Offers ---

const offerCols = `id, account, contract_type, side, price, quantity, all_or_nothing, expires, created`

func scanOffers(rows pgx.Rows) ([]model.Offer, error) {
	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var side bool
		if err := rows.Scan(&o.ID, &o.AccountID, &o.ContractTypeID, &side,
			&o.Price, &o.Quantity, &o.AllOrNothing, &o.Expires, &o.Created); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (t *pgTx) offerRows(query string, args ...any) ([]model.Offer, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (t *pgTx) Offer(id string) (*model.Offer, error) {
	offers, err := t.offerRows(
		`SELECT `+offerCols+` FROM offer WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrNotFound
	}
	return &offers[0], nil
}

func (t *pgTx) Offers(f OfferFilter) ([]model.Offer, error) {
	return t.offerRows(
		`SELECT o.id, o.account, o.contract_type, o.side, o.price, o.quantity, o.all_or_nothing, o.expires, o.created
		 FROM offer o
		 JOIN contract_type ct ON ct.id = o.contract_type
		 WHERE ($1 OR o.id = $2)
		   AND ($3 OR o.account = $4)
		   AND ($5 OR ct.issue = $6)
		   AND ($7 OR o.contract_type = $8)
		 ORDER BY o.created, o.id`,
		f.OfferID == "", f.OfferID, f.AccountID == "", f.AccountID,
		f.IssueID == "", f.IssueID, f.ContractTypeID == "", f.ContractTypeID)
}

func (t *pgTx) MatchableOffers(ctypeID string, restingSide model.Side, limitPrice int64, now time.Time) ([]model.Offer, error) {
	if restingSide == model.Unfixed {
		return t.offerRows(
			`SELECT `+offerCols+` FROM offer
			 WHERE contract_type = $1 AND side = false AND price <= $2
			   AND (expires IS NULL OR expires > $3)
			 ORDER BY price, created, id FOR UPDATE`,
			ctypeID, limitPrice, now)
	}
	return t.offerRows(
		`SELECT `+offerCols+` FROM offer
		 WHERE contract_type = $1 AND side = true AND price >= $2
		   AND (expires IS NULL OR expires > $3)
		 ORDER BY price DESC, created, id FOR UPDATE`,
		ctypeID, limitPrice, now)
}

func (t *pgTx) ExpiredOffers(now time.Time) ([]model.Offer, error) {
	return t.offerRows(
		`SELECT `+offerCols+` FROM offer
		 WHERE expires IS NOT NULL AND expires <= $1
		 ORDER BY created, id FOR UPDATE`, now)
}

func (t *pgTx) OffersOnContractTypes(ctypeIDs []string) ([]model.Offer, error) {
	return t.offerRows(
		`SELECT `+offerCols+` FROM offer
		 WHERE contract_type = ANY($1)
		 ORDER BY created, id FOR UPDATE`, ctypeIDs)
}

func (t *pgTx) InsertOffer(o *model.Offer) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO offer (id, account, contract_type, side, price, quantity, all_or_nothing, expires, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.AccountID, o.ContractTypeID, bool(o.Side), o.Price, o.Quantity,
		o.AllOrNothing, o.Expires, o.Created)
	return err
}

func (t *pgTx) SetOfferQuantity(id string, quantity int64) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE offer SET quantity = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteOffer(id string) error {
	tag, err := t.tx.Exec(t.ctx, `DELETE FROM offer WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Positions ---

const positionCols = `id, account, contract_type, quantity, basis, created, modified`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	err := row.Scan(&p.ID, &p.AccountID, &p.ContractTypeID, &p.Quantity,
		&p.Basis, &p.Created, &p.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) Position(ctypeID, accountID string) (*model.Position, error) {
	return scanPosition(t.tx.QueryRow(t.ctx,
		`SELECT `+positionCols+` FROM position
		 WHERE contract_type = $1 AND account = $2 FOR UPDATE`, ctypeID, accountID))
}

func (t *pgTx) Positions(f PositionFilter) ([]model.Position, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT p.id, p.account, p.contract_type, p.quantity, p.basis, p.created, p.modified
		 FROM position p
		 JOIN contract_type ct ON ct.id = p.contract_type
		 WHERE ($1 OR p.id = $2)
		   AND ($3 OR p.account = $4)
		   AND ($5 OR ct.issue = $6)
		 ORDER BY p.id`,
		f.PositionID == "", f.PositionID, f.AccountID == "", f.AccountID,
		f.IssueID == "", f.IssueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (t *pgTx) PopPosition(ctypeID string) (*model.Position, error) {
	return scanPosition(t.tx.QueryRow(t.ctx,
		`SELECT `+positionCols+` FROM position
		 WHERE contract_type = $1 LIMIT 1 FOR UPDATE`, ctypeID))
}

func (t *pgTx) UpsertPosition(p *model.Position) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO position (id, account, contract_type, quantity, basis, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account, contract_type) DO UPDATE
		 SET quantity = $4, basis = $5, modified = $7`,
		p.ID, p.AccountID, p.ContractTypeID, p.Quantity, p.Basis, p.Created, p.Modified)
	return err
}

func (t *pgTx) DeletePosition(id string) error {
	tag, err := t.tx.Exec(t.ctx, `DELETE FROM position WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Events ---

func (t *pgTx) AppendEvents(events []model.Event) error {
	for _, e := range events {
		var side *bool
		if e.Side != nil {
			b := bool(*e.Side)
			side = &b
		}
		_, err := t.tx.Exec(t.ctx,
			`INSERT INTO event (id, class, recipient, contract_type, side, price, quantity, expires, message, created)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
			e.ID, e.Class, e.AccountID, e.ContractTypeID, side,
			e.Price, e.Quantity, e.Expires, e.Text, e.Created)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) scanIDs(query string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
