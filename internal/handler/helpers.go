package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// batchesRequest is the body of every endpoint that takes raw exports.
type batchesRequest struct {
	Batches []ledger.RawBatch `json:"batches"`
}

// decodeBatches reads a batchesRequest, capping the body at limit bytes.
func decodeBatches(w http.ResponseWriter, r *http.Request, limit int64) ([]ledger.RawBatch, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	var req batchesRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &domain.ErrValidation{Field: "body", Message: fmt.Sprintf("exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, &domain.ErrValidation{Field: "body", Message: "invalid request body: " + err.Error()}
	}
	if len(req.Batches) == 0 {
		return nil, &domain.ErrValidation{Field: "batches", Message: "at least one batch is required"}
	}
	return req.Batches, nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var timeout *domain.ErrTimeout
	var validation *domain.ErrValidation
	var unauthorized *domain.ErrUnauthorized
	var busy *domain.ErrBusy
	var ruleFile *domain.ErrRuleFile
	var external *domain.ErrExternalService

	switch {
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &busy):
		logger.Warn("bulkhead saturated", zap.String("resource", busy.Resource))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &ruleFile):
		logger.Warn("rule tables rejected", zap.String("path", ruleFile.Path), zap.Error(ruleFile.Err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &external):
		logger.Error("external service failure", zap.String("service", external.Service), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		logger.Debug("request cancelled")
		writeError(w, statusClientClosedRequest, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("request deadline exceeded", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response.
const statusClientClosedRequest = 499
