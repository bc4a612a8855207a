package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pinfactory/pinfactory/internal/model"
)

var testNow = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, ms *MemoryStore, id string, balance int64) {
	t.Helper()
	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertAccount(&model.Account{ID: id, Enabled: true, Balance: balance, Created: testNow})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

// seedContractType creates an issue, a maturity, and their contract type.
func seedContractType(t *testing.T, ms *MemoryStore, maturesAt time.Time) *model.ContractType {
	t.Helper()
	var ct *model.ContractType
	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		issue, _, err := tx.UpsertIssue("https://github.com/acme/widget/issues/1", "t", true, testNow)
		if err != nil {
			return err
		}
		m := &model.Maturity{ID: "maturity-1", MaturesAt: maturesAt}
		if err := tx.InsertMaturity(m); err != nil {
			return err
		}
		ct, err = tx.UpsertContractType(issue.ID, m.ID)
		return err
	})
	if err != nil {
		t.Fatalf("seed contract type: %v", err)
	}
	return ct
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ms := NewMemoryStore()
	seedAccount(t, ms, "a", 1000)

	boom := errors.New("boom")
	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		if _, err := tx.AddBalance("a", -600); err != nil {
			return err
		}
		if err := tx.InsertOffer(&model.Offer{ID: "o1", AccountID: "a", Quantity: 1, Price: 500}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	err = ms.WithinTx(context.Background(), func(tx Tx) error {
		a, err := tx.Account("a")
		if err != nil {
			return err
		}
		if a.Balance != 1000 {
			t.Errorf("balance leaked from aborted tx: %d", a.Balance)
		}
		if _, err := tx.Offer("o1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("offer leaked from aborted tx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestWithinTxCommitsAllOrNothing(t *testing.T) {
	ms := NewMemoryStore()
	seedAccount(t, ms, "a", 1000)
	seedAccount(t, ms, "b", 0)

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		if _, err := tx.AddBalance("a", -400); err != nil {
			return err
		}
		_, err := tx.AddBalance("b", 400)
		return err
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	err = ms.WithinTx(context.Background(), func(tx Tx) error {
		a, _ := tx.Account("a")
		b, _ := tx.Account("b")
		if a.Balance != 600 || b.Balance != 400 {
			t.Errorf("balances = %d, %d; want 600, 400", a.Balance, b.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func TestMatchableOffersPriority(t *testing.T) {
	ms := NewMemoryStore()
	ct := seedContractType(t, ms, testNow.AddDate(0, 0, 12))

	offer := func(id string, side model.Side, price int64) *model.Offer {
		return &model.Offer{
			ID: id, AccountID: "a", ContractTypeID: ct.ID,
			Side: side, Price: price, Quantity: 1, Created: testNow,
		}
	}

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		for _, o := range []*model.Offer{
			offer("u-300", model.Unfixed, 300),
			offer("u-100-first", model.Unfixed, 100),
			offer("u-100-second", model.Unfixed, 100),
			offer("u-500", model.Unfixed, 500),
			offer("f-400", model.Fixed, 400),
			offer("f-700", model.Fixed, 700),
		} {
			if err := tx.InsertOffer(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed offers: %v", err)
	}

	err = ms.WithinTx(context.Background(), func(tx Tx) error {
		// A FIXED taker at 300 sees UNFIXED offers priced <= 300, cheapest
		// first, FIFO within a price.
		got, err := tx.MatchableOffers(ct.ID, model.Unfixed, 300, testNow)
		if err != nil {
			return err
		}
		want := []string{"u-100-first", "u-100-second", "u-300"}
		if len(got) != len(want) {
			t.Fatalf("unfixed candidates = %+v", got)
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("candidate[%d] = %s, want %s", i, got[i].ID, want[i])
			}
		}

		// An UNFIXED taker at 500 sees FIXED offers priced >= 500, dearest
		// first.
		got, err = tx.MatchableOffers(ct.ID, model.Fixed, 500, testNow)
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0].ID != "f-700" {
			t.Errorf("fixed candidates = %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
}

func TestMatchableOffersSkipsExpired(t *testing.T) {
	ms := NewMemoryStore()
	ct := seedContractType(t, ms, testNow.AddDate(0, 0, 12))
	past := testNow.Add(-time.Minute)

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertOffer(&model.Offer{
			ID: "dead", AccountID: "a", ContractTypeID: ct.ID,
			Side: model.Unfixed, Price: 100, Quantity: 1, Expires: &past, Created: testNow.Add(-time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = ms.WithinTx(context.Background(), func(tx Tx) error {
		got, err := tx.MatchableOffers(ct.ID, model.Unfixed, 999, testNow)
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Errorf("expired offer offered for matching: %+v", got)
		}
		expired, err := tx.ExpiredOffers(testNow)
		if err != nil {
			return err
		}
		if len(expired) != 1 || expired[0].ID != "dead" {
			t.Errorf("ExpiredOffers = %+v", expired)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
}

func TestUpsertIssueByURL(t *testing.T) {
	ms := NewMemoryStore()

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		first, created, err := tx.UpsertIssue("https://github.com/acme/widget/issues/1", "old title", true, testNow)
		if err != nil || !created {
			t.Fatalf("first upsert: created=%v err=%v", created, err)
		}
		second, created, err := tx.UpsertIssue("https://github.com/acme/widget/issues/1", "new title", false, testNow.Add(time.Hour))
		if err != nil || created {
			t.Fatalf("second upsert: created=%v err=%v", created, err)
		}
		if second.ID != first.ID {
			t.Error("upsert by URL must reuse the row")
		}
		if second.Title != "new title" || second.Open {
			t.Errorf("upsert did not refresh fields: %+v", second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestUpsertContractTypeIsCanonical(t *testing.T) {
	ms := NewMemoryStore()
	ct := seedContractType(t, ms, testNow.AddDate(0, 0, 12))

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		again, err := tx.UpsertContractType(ct.IssueID, ct.MaturityID)
		if err != nil {
			return err
		}
		if again.ID != ct.ID {
			t.Errorf("same pair produced a second contract type")
		}
		if _, err := tx.UpsertContractType("nope", ct.MaturityID); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown issue: expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestDeleteIfUnreferenced(t *testing.T) {
	ms := NewMemoryStore()
	ct := seedContractType(t, ms, testNow.AddDate(0, 0, 12))

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertOffer(&model.Offer{
			ID: "o1", AccountID: "a", ContractTypeID: ct.ID,
			Side: model.Fixed, Price: 500, Quantity: 1, Created: testNow,
		}); err != nil {
			return err
		}

		// Referenced rows stay put, bottom-up.
		if deleted, _ := tx.DeleteContractTypeIfUnreferenced(ct.ID); deleted {
			t.Error("contract type with an offer must not delete")
		}
		if deleted, _ := tx.DeleteMaturityIfUnreferenced(ct.MaturityID); deleted {
			t.Error("maturity with a contract type must not delete")
		}
		if deleted, _ := tx.DeleteIssueIfUnreferenced(ct.IssueID); deleted {
			t.Error("issue with a contract type must not delete")
		}

		if err := tx.DeleteOffer("o1"); err != nil {
			return err
		}
		if deleted, _ := tx.DeleteContractTypeIfUnreferenced(ct.ID); !deleted {
			t.Error("unreferenced contract type should delete")
		}
		if deleted, _ := tx.DeleteMaturityIfUnreferenced(ct.MaturityID); !deleted {
			t.Error("unreferenced maturity should delete")
		}
		if deleted, _ := tx.DeleteIssueIfUnreferenced(ct.IssueID); !deleted {
			t.Error("unreferenced issue should delete")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestEventTickerFilter(t *testing.T) {
	ms := NewMemoryStore()
	ct := seedContractType(t, ms, testNow.AddDate(0, 0, 12))

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		return tx.AppendEvents([]model.Event{
			{ID: "e1", Class: model.EventContractCreated, AccountID: "a", ContractTypeID: ct.ID,
				Side: model.SidePtr(model.Fixed), Price: 300, Quantity: 5, Created: testNow},
			{ID: "e2", Class: model.EventContractCreated, AccountID: "b", ContractTypeID: ct.ID,
				Side: model.SidePtr(model.Unfixed), Price: 300, Quantity: 5, Created: testNow},
			{ID: "e3", Class: model.EventOfferCreated, AccountID: "a", ContractTypeID: ct.ID,
				Side: model.SidePtr(model.Fixed), Price: 300, Quantity: 5, Created: testNow},
			{ID: "e4", Class: model.EventContractResolved, AccountID: "a", ContractTypeID: ct.ID,
				Side: model.SidePtr(model.Fixed), Price: 1000, Quantity: 0, Created: testNow},
		})
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	ticker, err := ms.Events(context.Background(), EventFilter{Ticker: true})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(ticker) != 1 || ticker[0].ID != "e1" {
		t.Fatalf("ticker = %+v, want only the FIXED contract_created with quantity", ticker)
	}
	if ticker[0].IssueURL == "" || ticker[0].MaturesAt == nil {
		t.Error("ticker events join issue and maturity details")
	}

	mine, err := ms.Events(context.Background(), EventFilter{AccountID: "b"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "e2" {
		t.Fatalf("account filter = %+v", mine)
	}
}

func TestListIssuesOrdersByVolume(t *testing.T) {
	ms := NewMemoryStore()

	err := ms.WithinTx(context.Background(), func(tx Tx) error {
		quiet, _, err := tx.UpsertIssue("https://github.com/acme/quiet/issues/1", "quiet", true, testNow)
		if err != nil {
			return err
		}
		busy, _, err := tx.UpsertIssue("https://github.com/acme/busy/issues/2", "busy", true, testNow)
		if err != nil {
			return err
		}
		m := &model.Maturity{ID: "m1", MaturesAt: testNow.AddDate(0, 0, 12)}
		if err := tx.InsertMaturity(m); err != nil {
			return err
		}
		ct, err := tx.UpsertContractType(busy.ID, m.ID)
		if err != nil {
			return err
		}
		_ = quiet
		return tx.InsertOffer(&model.Offer{
			ID: "o1", AccountID: "a", ContractTypeID: ct.ID,
			Side: model.Fixed, Price: 500, Quantity: 25, Created: testNow,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	issues, err := ms.ListIssues(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(issues) != 2 || issues[0].Title != "busy" {
		t.Fatalf("issues = %+v, want busy first", issues)
	}
	if issues[0].OfferVolume != 25 {
		t.Errorf("busy volume = %d, want 25", issues[0].OfferVolume)
	}
}
