package controller

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

const maxBodySize = 1 << 20

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrTransferNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrReconciliationNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrTransferInProgress, http.StatusConflict, "transfer_in_progress"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrMissingIdempotencyKey, http.StatusBadRequest, "missing_idempotency_key"},
	{domainErrors.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domainErrors.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrRoutingFailed, http.StatusUnprocessableEntity, "routing_failed"},
	{domainErrors.ErrCreditAccountNotFound, http.StatusUnprocessableEntity, "credit_account_not_found"},
	{domainErrors.ErrCircuitOpen, http.StatusServiceUnavailable, "bank_unavailable"},
	{domainErrors.ErrBankUnavailable, http.StatusServiceUnavailable, "bank_unavailable"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			if m.err == domainErrors.ErrTransferInProgress {
				// The in-flight answer must not be replayed for the same key.
				w.Header().Set("Cache-Control", "no-store")
				resp.Error = "a transfer with this idempotency key is still running, please retry later"
			}
			writeJSON(w, m.status, resp)
			return
		}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return validateStruct(dst)
}

func validateStruct(dst any) error {
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// decodeTransferRequest reads a transfer from a JSON body or a form post.
// Form fields that are not part of the transfer are kept as metadata; an
// idempotency_key form field is read by the caller from r.PostForm.
func decodeTransferRequest(w http.ResponseWriter, r *http.Request) (*TransferRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" && mediaType != "multipart/form-data" {
		var req TransferRequest
		if err := decodeAndValidate(r, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, domainErrors.NewValidationError("body", "invalid form: "+err.Error())
	}

	req := TransferRequest{
		DebitAccount:  r.PostForm.Get(transfer.FieldDebitAccount),
		CreditAccount: r.PostForm.Get(transfer.FieldCreditAccount),
		DebitText:     r.PostForm.Get(transfer.FieldDebitText),
		CreditText:    r.PostForm.Get(transfer.FieldCreditText),
	}
	if raw := strings.TrimSpace(r.PostForm.Get(transfer.FieldAmount)); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, domainErrors.NewValidationError(transfer.FieldAmount, "must be a decimal number")
		}
		req.Amount = amount
	}
	for key, values := range r.PostForm {
		switch key {
		case transfer.FieldDebitAccount, transfer.FieldCreditAccount, transfer.FieldAmount,
			transfer.FieldDebitText, transfer.FieldCreditText, transfer.FieldIdempotencyKey:
			continue
		}
		if len(values) == 0 {
			continue
		}
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata[key] = values[0]
	}

	if err := validateStruct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
