package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/service"
	"github.com/trade-ledger/internal/tabular"
)

// importRequest is the JSON import body. userId is accepted for clients that
// send it, but the X-User-ID header wins.
type importRequest struct {
	UserID         string                     `json:"userId"`
	Broker         string                     `json:"broker"`
	Header         []string                   `json:"header,omitempty"`
	Rows           []service.ImportRow        `json:"rows"`
	BaseCurrency   string                     `json:"baseCurrency"`
	PriceOverrides map[string]decimal.Decimal `json:"priceOverrides,omitempty"`
	FxOverrides    map[string]decimal.Decimal `json:"fxOverrides,omitempty"`
}

// handleImport handles POST /api/imports
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := parseJSONBody(r, &req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "Request body too large", nil)
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return
	}

	result, err := s.imports.Import(r.Context(), &service.ImportInput{
		UserID:         userID,
		Broker:         req.Broker,
		Header:         req.Header,
		Rows:           req.Rows,
		BaseCurrency:   req.BaseCurrency,
		PriceOverrides: req.PriceOverrides,
		FxOverrides:    req.FxOverrides,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleImportFile handles POST /api/imports/file, a multipart upload of a
// CSV or XLSX export in the "file" field
func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "Upload too large", nil)
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid multipart form", map[string]interface{}{"reason": err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Missing file field", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unreadable upload", nil)
		return
	}

	table, err := tabular.Decode(header.Filename, data)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("file", err.Error()))
		return
	}

	result, err := s.imports.ImportTable(r.Context(), &service.ImportInput{
		UserID:       userID,
		Broker:       strings.TrimSpace(r.FormValue("broker")),
		BaseCurrency: strings.TrimSpace(r.FormValue("baseCurrency")),
	}, table)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
