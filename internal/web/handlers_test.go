package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pinfactory/pinfactory/internal/market"
	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
	"github.com/pinfactory/pinfactory/internal/web"
)

type webEnv struct {
	ms     *store.MemoryStore
	svc    *market.Service
	router chi.Router
}

func newWebEnv(t *testing.T) *webEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := market.NewService(ms, nil)
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	r := chi.NewRouter()
	r.Mount("/api/v1", web.NewHandler(svc, nil).Routes())
	return &webEnv{ms: ms, svc: svc, router: r}
}

func (e *webEnv) seedAccount(t *testing.T, balance int64, oracle bool) string {
	t.Helper()
	id := uuid.New().String()
	err := e.ms.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertAccount(&model.Account{
			ID: id, Oracle: oracle, Enabled: true, Balance: balance, Created: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

// seedMarket registers an issue and returns it with the first open maturity.
func (e *webEnv) seedMarket(t *testing.T) (issueID, maturityID string) {
	t.Helper()
	issue, err := e.svc.AddIssue(context.Background(), "https://github.com/acme/widget/issues/9", "Widget bug", true)
	if err != nil {
		t.Fatalf("add issue: %v", err)
	}
	maturities, err := e.svc.UpcomingMaturities(context.Background())
	if err != nil || len(maturities) == 0 {
		t.Fatalf("maturities: %v", err)
	}
	return issue.ID, maturities[0].ID
}

func (e *webEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type eventsResponse struct {
	Events []model.Event `json:"events"`
}

func TestLogin(t *testing.T) {
	env := newWebEnv(t)

	w := env.do(t, "POST", "/api/v1/login", web.LoginRequest{
		Host: "github.com", Subject: "99", Username: "alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var account model.Account
	json.Unmarshal(w.Body.Bytes(), &account)
	if account.ID == "" || account.Username != "alice" {
		t.Errorf("unexpected account: %+v", account)
	}

	w = env.do(t, "POST", "/api/v1/login", web.LoginRequest{Username: "noidentity"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing identity: expected 400, got %d", w.Code)
	}
}

func TestPlaceOrderEndpoint(t *testing.T) {
	env := newWebEnv(t)
	issueID, maturityID := env.seedMarket(t)
	account := env.seedAccount(t, 10000, false)

	w := env.do(t, "POST", "/api/v1/offers", web.PlaceOrderRequest{
		AccountID: account, IssueID: issueID, MaturityID: maturityID,
		Side: "UNFIXED", Price: 100, Quantity: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp eventsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Events) != 1 || resp.Events[0].Class != model.EventOfferCreated {
		t.Errorf("unexpected events: %+v", resp.Events)
	}

	w = env.do(t, "GET", "/api/v1/accounts/"+account+"/offers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list offers: %d", w.Code)
	}
	var offers []model.Offer
	json.Unmarshal(w.Body.Bytes(), &offers)
	if len(offers) != 1 || offers[0].Side != model.Unfixed {
		t.Errorf("unexpected offers: %+v", offers)
	}
}

func TestPlaceOrderEndpointErrors(t *testing.T) {
	env := newWebEnv(t)
	issueID, maturityID := env.seedMarket(t)
	account := env.seedAccount(t, 100, false)

	base := web.PlaceOrderRequest{
		AccountID: account, IssueID: issueID, MaturityID: maturityID,
		Side: "UNFIXED", Price: 100, Quantity: 10,
	}

	bad := base
	bad.Side = "YES"
	if w := env.do(t, "POST", "/api/v1/offers", bad); w.Code != http.StatusBadRequest {
		t.Errorf("bad side: expected 400, got %d", w.Code)
	}

	bad = base
	bad.Price = 1200
	if w := env.do(t, "POST", "/api/v1/offers", bad); w.Code != http.StatusBadRequest {
		t.Errorf("bad price: expected 400, got %d", w.Code)
	}

	// Balance 100 cannot escrow 9000.
	if w := env.do(t, "POST", "/api/v1/offers", base); w.Code != http.StatusConflict {
		t.Errorf("insufficient funds: expected 409, got %d", w.Code)
	}

	bad = base
	bad.AccountID = uuid.New().String()
	if w := env.do(t, "POST", "/api/v1/offers", bad); w.Code != http.StatusBadRequest {
		t.Errorf("unknown account: expected 400, got %d", w.Code)
	}
}

func TestCancelOfferEndpoint(t *testing.T) {
	env := newWebEnv(t)
	issueID, maturityID := env.seedMarket(t)
	owner := env.seedAccount(t, 10000, false)
	stranger := env.seedAccount(t, 0, false)

	env.do(t, "POST", "/api/v1/offers", web.PlaceOrderRequest{
		AccountID: owner, IssueID: issueID, MaturityID: maturityID,
		Side: "UNFIXED", Price: 100, Quantity: 10,
	})
	w := env.do(t, "GET", "/api/v1/accounts/"+owner+"/offers", nil)
	var offers []model.Offer
	json.Unmarshal(w.Body.Bytes(), &offers)
	if len(offers) != 1 {
		t.Fatalf("offer not placed: %s", w.Body.String())
	}
	offerID := offers[0].ID

	if w := env.do(t, "POST", "/api/v1/offers/"+offerID+"/cancel", web.CancelRequest{AccountID: stranger}); w.Code != http.StatusForbidden {
		t.Errorf("foreign cancel: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/offers/"+offerID+"/cancel", web.CancelRequest{AccountID: owner}); w.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/offers/"+offerID+"/cancel", web.CancelRequest{AccountID: owner}); w.Code != http.StatusNotFound {
		t.Errorf("double cancel: expected 404, got %d", w.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	env := newWebEnv(t)
	account := env.seedAccount(t, 12500, false)

	w := env.do(t, "GET", "/api/v1/accounts/"+account+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Balance int64  `json:"balance"`
		Display string `json:"display"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Balance != 12500 || resp.Display != "12.500" {
		t.Errorf("balance = %+v", resp)
	}

	if w := env.do(t, "GET", "/api/v1/accounts/"+uuid.New().String()+"/balance", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown account: expected 404, got %d", w.Code)
	}
}

func TestResolveEndpointPermissions(t *testing.T) {
	env := newWebEnv(t)
	issueID, maturityID := env.seedMarket(t)
	trader := env.seedAccount(t, 10000, false)
	oracle := env.seedAccount(t, 0, true)

	env.do(t, "POST", "/api/v1/offers", web.PlaceOrderRequest{
		AccountID: trader, IssueID: issueID, MaturityID: maturityID,
		Side: "UNFIXED", Price: 100, Quantity: 10,
	})

	var ctypeID string
	err := env.ms.WithinTx(context.Background(), func(tx store.Tx) error {
		ct, err := tx.UpsertContractType(issueID, maturityID)
		if err != nil {
			return err
		}
		ctypeID = ct.ID
		return nil
	})
	if err != nil {
		t.Fatalf("contract type: %v", err)
	}

	w := env.do(t, "POST", "/api/v1/resolve", web.ResolveRequest{
		ActorID: trader, ContractTypeID: ctypeID, Winner: "FIXED",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-oracle: expected 403, got %d", w.Code)
	}

	// The contract has not matured yet.
	w = env.do(t, "POST", "/api/v1/resolve", web.ResolveRequest{
		ActorID: oracle, ContractTypeID: ctypeID, Winner: "FIXED",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unmatured: expected 400, got %d", w.Code)
	}
}

func TestOffsetEndpointNotFound(t *testing.T) {
	env := newWebEnv(t)
	account := env.seedAccount(t, 0, false)

	w := env.do(t, "POST", "/api/v1/positions/"+uuid.New().String()+"/offset", web.OffsetRequest{
		AccountID: account, TotalPrice: 3000,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTickerCSVEndpoint(t *testing.T) {
	env := newWebEnv(t)

	w := env.do(t, "GET", "/api/v1/ticker.csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "created,issue,maturity,event type,side,price,quantity") {
		t.Errorf("unexpected body: %q", w.Body.String())
	}
}

func TestIssuesEndpoint(t *testing.T) {
	env := newWebEnv(t)

	w := env.do(t, "POST", "/api/v1/issues", web.AddIssueRequest{
		URL: "https://github.com/acme/widget/issues/9", Title: "Widget bug", Open: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if w := env.do(t, "POST", "/api/v1/issues", web.AddIssueRequest{URL: "not a url"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad URL: expected 400, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/issues", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var issues []model.Issue
	json.Unmarshal(w.Body.Bytes(), &issues)
	if len(issues) != 1 || issues[0].Title != "Widget bug" {
		t.Errorf("issues = %+v", issues)
	}
}
