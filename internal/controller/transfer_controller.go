package controller

import (
	"net/http"
	"strings"

	apptransfer "github.com/cassiomorais/interbank/internal/application/transfer"
	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	customMW "github.com/cassiomorais/interbank/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type TransferController struct {
	svc *apptransfer.Service
}

func NewTransferController(svc *apptransfer.Service) *TransferController {
	return &TransferController{svc: svc}
}

// Submit runs one interbank transfer. The Idempotency-Key header (or an
// idempotency_key form field) names the attempt; without one a fresh key is
// generated and echoed back.
func (h *TransferController) Submit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTransferRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(customMW.HeaderIdempotencyKey))
	if key == "" && r.PostForm != nil {
		key = strings.TrimSpace(r.PostForm.Get(transfer.FieldIdempotencyKey))
	}
	if key == "" {
		key = uuid.NewString()
	}
	w.Header().Set(customMW.HeaderIdempotencyKey, key)

	domainReq, err := req.toDomain()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Submit(r.Context(), key, domainReq)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := FromSubmitResult(res)
	if resp.Reconciling || !res.Attempt.IsTerminal() {
		// The outcome is still moving; a replay must read the journal again.
		w.Header().Set("Cache-Control", "no-store")
	}
	w.Header().Set("Location", "/api/v1/transfers/"+resp.ID)
	writeJSON(w, outcomeStatus(res.Outcome), resp)
}

// Get returns the journaled attempt with its reconciliation state.
func (h *TransferController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domainErrors.NewValidationError("id", "invalid UUID"))
		return
	}

	view, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromView(view))
}

func outcomeStatus(out *transfer.Outcome) int {
	if out == nil {
		return http.StatusAccepted
	}
	switch out.Kind {
	case transfer.OutcomeCompleted:
		return http.StatusCreated
	case transfer.OutcomeCreditFailed:
		return http.StatusAccepted
	case transfer.OutcomeDebitFailed:
		if out.Uncertain {
			return http.StatusBadGateway
		}
		return http.StatusUnprocessableEntity
	case transfer.OutcomeCreditAccountNotFound, transfer.OutcomeRoutingFailed:
		return http.StatusUnprocessableEntity
	case transfer.OutcomeNetworkFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusAccepted
	}
}
