// Package api exposes the minimal HTTP surface: endorsement ingestion and
// ledger top-ups, plus the Prometheus scrape endpoint. The broader CRUD API
// lives outside this service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/ems/backend/internal/database"
	"github.com/ems/backend/internal/endorsement"
	"github.com/ems/backend/internal/ledger"
	"github.com/ems/backend/internal/metrics"
)

type Server struct {
	ingress *endorsement.Service
	topups  *ledger.TopUpService
	metrics *metrics.Metrics
	router  *mux.Router
}

func NewServer(ingress *endorsement.Service, topups *ledger.TopUpService, m *metrics.Metrics) *Server {
	s := &Server{ingress: ingress, topups: topups, metrics: m, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/endorsements", s.handleSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/employers/{employer_id}/topups", s.handleTopUp).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("API listening", "addr", addr)
	return srv.ListenAndServe()
}

type submitRequest struct {
	EmployerID    string                 `json:"employer_id"`
	Type          string                 `json:"type"`
	EffectiveDate string                 `json:"effective_date"`
	Payload       map[string]interface{} `json:"payload"`
	TraceID       string                 `json:"trace_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}

	effectiveDate, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_EFFECTIVE_DATE", "expected YYYY-MM-DD")
		return
	}

	request, err := s.ingress.Submit(r.Context(), endorsement.SubmitInput{
		EmployerID:    req.EmployerID,
		Type:          req.Type,
		EffectiveDate: effectiveDate,
		Payload:       req.Payload,
		TraceID:       req.TraceID,
	})
	if err != nil {
		var validation *endorsement.ValidationError
		switch {
		case errors.As(err, &validation):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", validation.Error())
		case errors.Is(err, endorsement.ErrDuplicate):
			writeError(w, http.StatusConflict, "DUPLICATE_REQUEST", "identical payload submitted within the dedup window")
		default:
			slog.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "submission failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"endorsement_id": request.ID,
		"status":         request.Status,
		"trace_id":       request.TraceID,
	})
}

type topUpRequest struct {
	Amount      string `json:"amount"`
	ExternalRef string `json:"external_ref"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	employerID := mux.Vars(r)["employer_id"]

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_AMOUNT", "amount must be a positive decimal string")
		return
	}

	newBalance, err := s.topups.Credit(r.Context(), employerID, amount, req.ExternalRef)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "EMPLOYER_NOT_FOUND", "unknown employer")
			return
		}
		slog.Error("top-up failed", "employer_id", employerID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "top-up failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"employer_id": employerID,
		"new_balance": newBalance.StringFixed(2),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
