package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	ContentType     = "Content-Type"
	ApplicationJson = "application/json"
	ApplicationCbor = "application/cbor"
)

// Error codes carried in ErrorResponse so the client can restore the
// sentinel errors of the ledger package.
const (
	codeAccountNotFound  = "account_not_found"
	codeBlockhashExpired = "blockhash_expired"
	codeAlreadyProcessed = "already_processed"
	codeTransactionSize  = "transaction_too_large"
	codeInvalidSignature = "invalid_signature"
	codeNodeUnhealthy    = "node_unhealthy"
	codeInvalidParameter = "invalid_parameter"
	codeInternalError    = "internal_error"
)

type (
	ErrorResponse struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	ResponseWriter struct {
		LogErr func(a ...any)
	}

	// remoteError keeps the server's message while matching the sentinel.
	remoteError struct {
		msg string
		err error
	}
)

var sentinels = []struct {
	err    error
	code   string
	status int
}{
	{ledger.ErrAccountNotFound, codeAccountNotFound, http.StatusNotFound},
	{ledger.ErrBlockhashExpired, codeBlockhashExpired, http.StatusConflict},
	{ledger.ErrAlreadyProcessed, codeAlreadyProcessed, http.StatusConflict},
	{types.ErrTransactionTooLarge, codeTransactionSize, http.StatusRequestEntityTooLarge},
	{types.ErrInvalidSignature, codeInvalidSignature, http.StatusBadRequest},
	{automation.ErrNodeUnhealthy, codeNodeUnhealthy, http.StatusServiceUnavailable},
}

func (rw *ResponseWriter) logError(err error) {
	if rw.LogErr != nil {
		rw.LogErr(err)
	}
}

func (rw *ResponseWriter) WriteResponse(w http.ResponseWriter, data any) {
	w.Header().Set(ContentType, ApplicationJson)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rw.logError(fmt.Errorf("failed to encode response data as json: %w", err))
	}
}

func (rw *ResponseWriter) WriteCborResponse(w http.ResponseWriter, data any) {
	w.Header().Set(ContentType, ApplicationCbor)
	if err := cbor.NewEncoder(w).Encode(data); err != nil {
		rw.logError(fmt.Errorf("failed to encode response data as cbor: %w", err))
	}
}

func (rw *ResponseWriter) WriteErrorResponse(w http.ResponseWriter, err error) {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			rw.ErrorResponse(w, s.status, s.code, err)
			return
		}
	}
	rw.ErrorResponse(w, http.StatusInternalServerError, codeInternalError, err)
	rw.logError(err)
}

func (rw *ResponseWriter) InvalidParamResponse(w http.ResponseWriter, name string, err error) {
	rw.ErrorResponse(w, http.StatusBadRequest, codeInvalidParameter, fmt.Errorf("invalid parameter %q: %w", name, err))
}

func (rw *ResponseWriter) ErrorResponse(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set(ContentType, ApplicationJson)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Message: err.Error(), Code: code}); err != nil {
		rw.logError(fmt.Errorf("failed to encode error response as json: %w", err))
	}
}

// Err restores the ledger error the response was created from.
func (e *ErrorResponse) Err() error {
	for _, s := range sentinels {
		if s.code == e.Code {
			return &remoteError{msg: e.Message, err: s.err}
		}
	}
	return errors.New(e.Message)
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.err }
