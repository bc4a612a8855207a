package feed

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pinfactory/pinfactory/internal/model"
)

// tickerHeader is the first row of every CSV export.
var tickerHeader = []string{"created", "issue", "maturity", "event type", "side", "price", "quantity"}

// WriteCSV renders ticker events as CSV, one row per event, prices in
// tokens. The input is expected to be pre-filtered by the store's ticker
// query; anything else is skipped.
func WriteCSV(w io.Writer, events []model.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tickerHeader); err != nil {
		return err
	}
	for i := range events {
		e := &events[i]
		if !tickerWorthy(e) {
			continue
		}
		maturity := ""
		if e.MaturesAt != nil {
			maturity = e.MaturesAt.Format("2006-01-02")
		}
		row := []string{
			e.Created.Format(time.RFC3339),
			e.IssueURL,
			maturity,
			e.Class,
			e.Side.String(),
			model.DisplayPrice(e.Price),
			strconv.FormatInt(e.Quantity, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
