package payment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avelier/panelforge/internal/api"
	"github.com/go-chi/chi/v5"
)

// VerifyBody is the request body for POST /api/payments/verify.
type VerifyBody struct {
	TxHash string `json:"tx_hash"`
	// Amount is the integer settlement amount in the ledger's smallest
	// unit. Splits are computed on it with integer arithmetic only.
	Amount int64 `json:"amount"`
}

// Handler serves the payment verification endpoint.
type Handler struct {
	verifier *Verifier
	split    Split
}

// NewHandler creates a payment handler.
func NewHandler(verifier *Verifier, split Split) *Handler {
	return &Handler{verifier: verifier, split: split}
}

// RegisterRoutes registers payment routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/payments/verify", h.HandleVerify)
}

// HandleVerify verifies a submitted transaction and reports the computed
// revenue shares for the amount.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var body VerifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TxHash == "" {
		api.Error(w, http.StatusBadRequest, "tx_hash is required")
		return
	}
	if body.Amount < 0 {
		api.Error(w, http.StatusBadRequest, "amount must be non-negative")
		return
	}

	if err := h.verifier.Verify(r.Context(), body.TxHash); err != nil {
		switch {
		case errors.Is(err, ErrTxNotFound):
			api.Error(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrTxFailed), errors.Is(err, ErrWrongDestination):
			api.JSON(w, http.StatusUnprocessableEntity, map[string]any{
				"verified": false,
				"error":    err.Error(),
			})
		default:
			slog.Error("payment verification failed", "tx_hash", body.TxHash, "error", err)
			api.Error(w, http.StatusBadGateway, "ledger unavailable")
		}
		return
	}

	amounts, err := h.split.Apply(body.Amount)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	shares := make([]map[string]any, len(h.split))
	for i, share := range h.split {
		shares[i] = map[string]any{
			"recipient": share.Recipient,
			"percent":   share.Percent,
			"amount":    amounts[i],
		}
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"verified": true,
		"amount":   body.Amount,
		"shares":   shares,
	})
}
