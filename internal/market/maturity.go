package market

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// upcomingMaturities is how many future settlement dates are kept open for
// trading at any time.
const upcomingMaturities = 3

// NextMaturityAfter returns the next settlement date strictly after t:
// maturities fall on the Saturday of even ISO weeks, at midnight UTC.
func NextMaturityAfter(t time.Time) time.Time {
	when := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for {
		when = when.AddDate(0, 0, 1)
		_, week := when.ISOWeek()
		if week%2 == 0 && when.Weekday() == time.Saturday {
			return when
		}
	}
}

// ensureUpcoming makes sure the next upcomingMaturities settlement dates
// exist, creating any that are missing.
func ensureUpcoming(tx store.Tx, now time.Time) ([]model.Maturity, error) {
	result := make([]model.Maturity, 0, upcomingMaturities)
	when := now
	for i := 0; i < upcomingMaturities; i++ {
		when = NextMaturityAfter(when)
		m, err := tx.MaturityAt(when)
		if errors.Is(err, store.ErrNotFound) {
			m = &model.Maturity{ID: uuid.New().String(), MaturesAt: when}
			if err := tx.InsertMaturity(m); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, nil
}
