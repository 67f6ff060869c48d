package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrowflow/internal/chain"
	"escrowflow/internal/engine"
	"escrowflow/internal/models"
	"escrowflow/internal/services"
	"escrowflow/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Escrows services.Backend
}

func NewHandler(escrows services.Backend) *Handler {
	return &Handler{Escrows: escrows}
}

type escrowResponse struct {
	ID                 string `json:"id"`
	Buyer              string `json:"buyer"`
	Seller             string `json:"seller"`
	Amount             string `json:"amount"`
	FeeBps             uint32 `json:"feeBps"`
	ServiceDescription string `json:"serviceDescription"`
	AcceptanceCriteria string `json:"acceptanceCriteria,omitempty"`
	DepositAddress     string `json:"depositAddress,omitempty"`
	Deadline           string `json:"deadline"`
	AcceptanceWindow   string `json:"acceptanceWindow"`
	Status             string `json:"status"`
	DeliveredAt        string `json:"deliveredAt,omitempty"`
	DisputeReason      string `json:"disputeReason,omitempty"`
	Resolution         string `json:"resolution,omitempty"`
	CreatedAt          string `json:"createdAt"`
}

type payoutResponse struct {
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type resultResponse struct {
	Escrow  *escrowResponse  `json:"escrow,omitempty"`
	Plan    *models.TxPlan   `json:"plan,omitempty"`
	Payouts []payoutResponse `json:"payouts,omitempty"`
}

func toEscrowResponse(esc *models.Escrow) *escrowResponse {
	resp := &escrowResponse{
		ID:                 esc.ID,
		Buyer:              esc.Buyer,
		Seller:             esc.Seller,
		Amount:             esc.Amount,
		FeeBps:             esc.FeeBps,
		ServiceDescription: esc.ServiceDescription,
		AcceptanceCriteria: esc.AcceptanceCriteria,
		DepositAddress:     esc.DepositAddress,
		Deadline:           esc.Deadline.UTC().Format(time.RFC3339),
		AcceptanceWindow:   esc.AcceptanceWindow.String(),
		Status:             string(esc.Status),
		CreatedAt:          esc.CreatedAt.UTC().Format(time.RFC3339),
	}
	if esc.DeliveredAt != nil {
		resp.DeliveredAt = esc.DeliveredAt.UTC().Format(time.RFC3339)
	}
	if esc.DisputeReason != nil {
		resp.DisputeReason = *esc.DisputeReason
	}
	if esc.Resolution != nil {
		resp.Resolution = *esc.Resolution
	}
	return resp
}

func toResultResponse(res *services.Result) resultResponse {
	out := resultResponse{Plan: res.Plan}
	if res.Escrow != nil {
		out.Escrow = toEscrowResponse(res.Escrow)
	}
	for _, p := range res.Payouts {
		out.Payouts = append(out.Payouts, payoutResponse{
			Kind:      string(p.Kind),
			Recipient: p.Recipient,
			Amount:    p.Amount,
		})
	}
	return out
}

// writeOpError maps the error taxonomy onto HTTP statuses. Permanent errors
// surface verbatim; transient ones advertise retryability via 503.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, chain.ErrContractNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrDeadlineExceeded),
		errors.Is(err, engine.ErrDeadlineNotReached),
		errors.Is(err, engine.ErrWindowExpired),
		errors.Is(err, engine.ErrWindowNotExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrUnsupportedInMode):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, chain.ErrUnreachable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

type createEscrowRequest struct {
	Buyer                 string `json:"buyer"`
	Seller                string `json:"seller"`
	Amount                string `json:"amount"`
	ServiceDescription    string `json:"serviceDescription"`
	AcceptanceCriteria    string `json:"acceptanceCriteria"`
	DeadlineHours         int    `json:"deadlineHours"`
	AcceptanceWindowHours int    `json:"acceptanceWindowHours"`
}

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := Actor(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}
	if req.Buyer == "" {
		req.Buyer = actor
	}

	res, err := h.Escrows.CreateEscrow(r.Context(), actor, engine.CreateParams{
		Buyer:                 req.Buyer,
		Seller:                req.Seller,
		Amount:                req.Amount,
		ServiceDescription:    req.ServiceDescription,
		AcceptanceCriteria:    req.AcceptanceCriteria,
		DeadlineHours:         req.DeadlineHours,
		AcceptanceWindowHours: req.AcceptanceWindowHours,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultResponse(res))
}

func (h *Handler) Fund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepositTxHash string `json:"depositTxHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.Fund(r.Context(), id, actor, req.DepositTxHash)
	})
}

func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proof string `json:"proof"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.Deliver(r.Context(), id, actor, req.Proof)
	})
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.Accept(r.Context(), id, actor)
	})
}

func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   string `json:"reason"`
		Evidence string `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.Dispute(r.Context(), id, actor, req.Reason, req.Evidence)
	})
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Winner string `json:"winner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.Resolve(r.Context(), id, actor, req.Winner)
	})
}

func (h *Handler) ReclaimExpired(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.ReclaimExpired(r.Context(), id, actor)
	})
}

func (h *Handler) ClaimByTimeout(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, func(id, actor string) (*services.Result, error) {
		return h.Escrows.ClaimByTimeout(r.Context(), id, actor)
	})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, op func(id, actor string) (*services.Result, error)) {
	id := chi.URLParam(r, "escrowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	actor := Actor(r)
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}
	res, err := op(id, actor)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	esc, err := h.Escrows.Get(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

func (h *Handler) ListByParty(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		writeError(w, http.StatusBadRequest, "missing party query parameter")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	escrows, err := h.Escrows.ListByParty(r.Context(), party, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	out := make([]*escrowResponse, 0, len(escrows))
	for i := range escrows {
		out = append(out, toEscrowResponse(&escrows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	events, err := h.Escrows.Events(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}

	type eventResponse struct {
		Seq       int64           `json:"seq"`
		Type      string          `json:"type"`
		Actor     string          `json:"actor"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt string          `json:"createdAt"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			Actor:     ev.Actor,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}
	payouts, err := h.Escrows.Payouts(r.Context(), id)
	if err != nil {
		writeOpError(w, err)
		return
	}
	out := make([]payoutResponse, 0, len(payouts))
	for _, p := range payouts {
		out = append(out, payoutResponse{
			Kind:      string(p.Kind),
			Recipient: p.Recipient,
			Amount:    p.Amount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": out})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Escrows.Stats(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"total":     stats.Total,
		"completed": stats.Completed,
		"disputed":  stats.Disputed,
		"refunded":  stats.Refunded,
		"active":    stats.Active,
	})
}
