// Package web exposes the market over HTTP: JSON endpoints for trading and
// account queries, the CSV ticker export, and the live WebSocket feed.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pinfactory/pinfactory/internal/feed"
	"github.com/pinfactory/pinfactory/internal/market"
	"github.com/pinfactory/pinfactory/internal/model"
	"github.com/pinfactory/pinfactory/internal/store"
)

// Handler wires the market service and the ticker hub into a chi router.
type Handler struct {
	svc *market.Service
	hub *feed.Hub
}

// NewHandler creates the HTTP handler. Pass nil for hub to disable the
// WebSocket endpoint.
func NewHandler(svc *market.Service, hub *feed.Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes returns the API router, mounted by the caller under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/login", h.Login)
	r.Post("/grant", h.Grant)

	r.Get("/issues", h.ListIssues)
	r.Post("/issues", h.AddIssue)
	r.Get("/maturities", h.ListMaturities)

	r.Post("/offers", h.PlaceOrder)
	r.Post("/offers/{offerID}/cancel", h.CancelOffer)
	r.Post("/positions/{positionID}/offset", h.Offset)

	r.Get("/resolvable", h.ListResolvable)
	r.Post("/resolve", h.Resolve)

	r.Get("/accounts/{accountID}/balance", h.Balance)
	r.Get("/accounts/{accountID}/history", h.History)
	r.Get("/accounts/{accountID}/positions", h.Positions)
	r.Get("/accounts/{accountID}/offers", h.Offers)

	r.Get("/ticker", h.Ticker)
	r.Get("/ticker.csv", h.TickerCSV)

	return r
}

// --- Request types ---

// LoginRequest is the JSON body for POST /login.
type LoginRequest struct {
	Host     string `json:"host"`
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Profile  string `json:"profile"`
}

// GrantRequest is the JSON body for POST /grant. Amount is in millitokens.
type GrantRequest struct {
	BankerID    string `json:"banker_id"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
}

// AddIssueRequest is the JSON body for POST /issues.
type AddIssueRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Open  bool   `json:"open"`
}

// PlaceOrderRequest is the JSON body for POST /offers. Side is "FIXED" or
// "UNFIXED"; Price is the FIXED-side price in millitokens.
type PlaceOrderRequest struct {
	AccountID    string `json:"account_id"`
	IssueID      string `json:"issue_id"`
	MaturityID   string `json:"maturity_id"`
	Side         string `json:"side"`
	Price        int64  `json:"price"`
	Quantity     int64  `json:"quantity"`
	AllOrNothing bool   `json:"all_or_nothing"`
	Expires      string `json:"expires,omitempty"` // RFC 3339
}

// CancelRequest is the JSON body for POST /offers/{offerID}/cancel.
type CancelRequest struct {
	AccountID string `json:"account_id"`
}

// OffsetRequest is the JSON body for POST /positions/{positionID}/offset.
// TotalPrice is the asking price for the whole position, in millitokens.
type OffsetRequest struct {
	AccountID  string `json:"account_id"`
	TotalPrice int64  `json:"total_price"`
}

// ResolveRequest is the JSON body for POST /resolve.
type ResolveRequest struct {
	ActorID        string `json:"actor_id"`
	ContractTypeID string `json:"contract_type_id"`
	Winner         string `json:"winner"`
}

// --- Handlers ---

// Login handles POST /login: find-or-create the account for an external
// identity.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Subject == "" {
		writeError(w, "host and subject are required", http.StatusBadRequest)
		return
	}
	account, err := h.svc.LookupUser(r.Context(), req.Host, req.Subject, req.Username, req.Profile)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Grant handles POST /grant: banker credits newly issued tokens.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	events, err := h.svc.Grant(r.Context(), req.BankerID, req.RecipientID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// AddIssue handles POST /issues.
func (h *Handler) AddIssue(w http.ResponseWriter, r *http.Request) {
	var req AddIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	issue, err := h.svc.AddIssue(r.Context(), req.URL, req.Title, req.Open)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

// ListIssues handles GET /issues.
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.svc.Issues(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// ListMaturities handles GET /maturities: the open settlement dates.
func (h *Handler) ListMaturities(w http.ResponseWriter, r *http.Request) {
	maturities, err := h.svc.UpcomingMaturities(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maturities)
}

// PlaceOrder handles POST /offers.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var expires *time.Time
	if req.Expires != "" {
		t, err := time.Parse(time.RFC3339, req.Expires)
		if err != nil {
			writeError(w, "expires must be RFC 3339", http.StatusBadRequest)
			return
		}
		expires = &t
	}
	draft := model.OfferDraft{
		AccountID:  req.AccountID,
		IssueID:    req.IssueID,
		MaturityID: req.MaturityID,
		Side:       side,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}
	events, err := h.svc.PlaceOrder(r.Context(), draft, req.AllOrNothing, expires)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("order placed",
		"account", req.AccountID,
		"issue", req.IssueID,
		"side", side.String(),
		"price", req.Price,
		"qty", req.Quantity,
	)

	writeJSON(w, http.StatusCreated, map[string]any{"events": events})
}

// CancelOffer handles POST /offers/{offerID}/cancel.
func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	events, err := h.svc.CancelOffer(r.Context(), req.AccountID, offerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Offset handles POST /positions/{positionID}/offset: compute the
// counter-offer that would flatten the position. Nothing is placed.
func (h *Handler) Offset(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	var req OffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	draft, err := h.svc.Offset(r.Context(), req.AccountID, positionID, req.TotalPrice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// ListResolvable handles GET /resolvable: matured contract types with open
// positions, for the oracle.
func (h *Handler) ListResolvable(w http.ResponseWriter, r *http.Request) {
	cts, err := h.svc.Resolvable(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if cts == nil {
		cts = []model.ContractType{}
	}
	writeJSON(w, http.StatusOK, cts)
}

// Resolve handles POST /resolve: oracle settles a matured contract type.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	winner, err := parseSide(req.Winner)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.svc.Resolve(r.Context(), req.ActorID, req.ContractTypeID, winner)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("contract resolved",
		"contract_type", req.ContractTypeID,
		"winner", winner.String(),
		"events", len(events),
	)

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Balance handles GET /accounts/{accountID}/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := h.svc.Balance(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": balance,
		"display": model.DisplayPrice(balance),
	})
}

// History handles GET /accounts/{accountID}/history, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	events, err := h.svc.History(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Positions handles GET /accounts/{accountID}/positions.
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	positions, err := h.svc.Positions(r.Context(), store.PositionFilter{AccountID: accountID})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// Offers handles GET /accounts/{accountID}/offers.
func (h *Handler) Offers(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	offers, err := h.svc.Offers(r.Context(), store.OfferFilter{AccountID: accountID})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// Ticker handles GET /ticker: the public trade feed as JSON, oldest first.
// Optional ?issue_id= narrows to one issue.
func (h *Handler) Ticker(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Ticker(r.Context(), r.URL.Query().Get("issue_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// TickerCSV handles GET /ticker.csv: the same feed as a CSV download.
func (h *Handler) TickerCSV(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Ticker(r.Context(), r.URL.Query().Get("issue_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ticker.csv"`)
	if err := feed.WriteCSV(w, events); err != nil {
		slog.Error("ticker csv write failed", "err", err)
	}
}

// --- Helpers ---

// parseSide maps "FIXED"/"UNFIXED" to a model.Side.
func parseSide(s string) (model.Side, error) {
	switch s {
	case "FIXED":
		return model.Fixed, nil
	case "UNFIXED":
		return model.Unfixed, nil
	}
	return model.Fixed, errors.New(`side must be "FIXED" or "UNFIXED"`)
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrInsufficientFunds):
		status = http.StatusConflict
	case errors.Is(err, store.ErrSerialization):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
