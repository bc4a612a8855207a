package feed

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pinfactory/pinfactory/internal/model"
)

var tickerNow = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

func tickerEvent(class string, side model.Side, price, quantity int64) model.Event {
	matures := tickerNow.AddDate(0, 0, 12)
	return model.Event{
		Class:     class,
		Side:      model.SidePtr(side),
		Price:     price,
		Quantity:  quantity,
		Created:   tickerNow,
		IssueURL:  "https://github.com/acme/widget/issues/1",
		MaturesAt: &matures,
	}
}

func TestTickerWorthy(t *testing.T) {
	for _, tc := range []struct {
		name  string
		event model.Event
		want  bool
	}{
		{"fixed contract", tickerEvent(model.EventContractCreated, model.Fixed, 300, 5), true},
		{"resolution", tickerEvent(model.EventContractResolved, model.Fixed, 1000, 91), true},
		{"unfixed leg", tickerEvent(model.EventContractCreated, model.Unfixed, 300, 5), false},
		{"offer", tickerEvent(model.EventOfferCreated, model.Fixed, 300, 5), false},
		{"zero quantity", tickerEvent(model.EventContractResolved, model.Fixed, 1000, 0), false},
		{"no side", model.Event{Class: model.EventInfo, Created: tickerNow}, false},
	} {
		if got := tickerWorthy(&tc.event); got != tc.want {
			t.Errorf("%s: tickerWorthy = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWriteCSV(t *testing.T) {
	events := []model.Event{
		tickerEvent(model.EventContractCreated, model.Fixed, 300, 5),
		tickerEvent(model.EventContractResolved, model.Fixed, 1000, 91),
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, events); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %q", buf.String())
	}
	if lines[0] != "created,issue,maturity,event type,side,price,quantity" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "contract_created") || !strings.Contains(lines[1], "0.300") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "contract_resolved") || !strings.Contains(lines[2], "1.000") {
		t.Errorf("row 2 = %q", lines[2])
	}
	for _, line := range lines[1:] {
		if !strings.Contains(line, "https://github.com/acme/widget/issues/1") {
			t.Errorf("row missing issue URL: %q", line)
		}
		if !strings.Contains(line, "2026-03-14") {
			t.Errorf("row missing maturity date: %q", line)
		}
	}
}

func TestWriteCSVSkipsPrivateEvents(t *testing.T) {
	events := []model.Event{
		tickerEvent(model.EventOfferCreated, model.Fixed, 300, 5),
		tickerEvent(model.EventContractCreated, model.Unfixed, 300, 5),
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, events); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected header only, got %q", buf.String())
	}
}
