package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"kalefi/core"
	"kalefi/core/types"
	"kalefi/native/bank"
	nativecommon "kalefi/native/common"
	"kalefi/native/lending"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// toStatus maps a domain error onto an HTTP status and a stable error code.
func toStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMalformedCall),
		errors.Is(err, types.ErrEmptyPayload),
		errors.Is(err, types.ErrEmptySignature),
		errors.Is(err, core.ErrUnknownCall):
		return http.StatusBadRequest, "malformed_call"
	case errors.Is(err, ErrStaleCall):
		return http.StatusBadRequest, "stale_call"
	case errors.Is(err, ErrReplayedCall):
		return http.StatusConflict, "replayed_call"
	case errors.Is(err, ErrSignerMismatch), errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, lending.ErrNotInitialized):
		return http.StatusConflict, "not_initialized"
	case errors.Is(err, lending.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, lending.ErrInvalidAmount), errors.Is(err, bank.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, lending.ErrInvalidLTV):
		return http.StatusBadRequest, "invalid_ltv"
	case errors.Is(err, lending.ErrInvalidAsset), errors.Is(err, bank.ErrUnknownToken):
		return http.StatusBadRequest, "invalid_asset"
	case errors.Is(err, lending.ErrOverflow), errors.Is(err, bank.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, lending.ErrHealthFactorTooLow):
		return http.StatusUnprocessableEntity, "health_factor_too_low"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient_collateral"
	case errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, lending.ErrNoDebt):
		return http.StatusUnprocessableEntity, "no_debt"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := toStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorCode(w, status, code, message)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
