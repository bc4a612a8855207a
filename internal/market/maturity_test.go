package market

import (
	"context"
	"testing"
	"time"

	"github.com/pinfactory/pinfactory/internal/store"
)

func TestNextMaturityAfterLandsOnEvenWeekSaturday(t *testing.T) {
	when := time.Date(2026, time.January, 1, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		next := NextMaturityAfter(when)
		if !next.After(when) {
			t.Fatalf("maturity %s is not after %s", next, when)
		}
		if next.Weekday() != time.Saturday {
			t.Fatalf("maturity %s is a %s, not Saturday", next, next.Weekday())
		}
		if _, week := next.ISOWeek(); week%2 != 0 {
			t.Fatalf("maturity %s falls in odd ISO week %d", next, week)
		}
		if next.After(when.AddDate(0, 0, 14)) {
			t.Fatalf("maturity %s is more than a fortnight past %s", next, when)
		}
		if next.Hour() != 0 || next.Minute() != 0 {
			t.Fatalf("maturity %s is not at midnight", next)
		}
		when = next
	}
}

func TestNextMaturityAfterKnownDate(t *testing.T) {
	// 3 Jan 2026 is a Saturday in ISO week 1, so the first even-week
	// Saturday of 2026 is 10 Jan.
	got := NextMaturityAfter(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextMaturityAfter(2026-01-01) = %s, want %s", got, want)
	}
}

func TestEnsureUpcomingCreatesThreeAndIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

	var first, second []string
	err := ms.WithinTx(context.Background(), func(tx store.Tx) error {
		got, err := ensureUpcoming(tx, now)
		if err != nil {
			return err
		}
		for _, m := range got {
			first = append(first, m.ID)
		}
		got, err = ensureUpcoming(tx, now)
		if err != nil {
			return err
		}
		for _, m := range got {
			second = append(second, m.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if len(first) != upcomingMaturities {
		t.Fatalf("expected %d maturities, got %d", upcomingMaturities, len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("second ensure created new rows: %v vs %v", first, second)
		}
	}
}
