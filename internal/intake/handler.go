package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"accessbridge/internal/domain"
	"accessbridge/internal/ratelimit"
	"accessbridge/pkg/platform/sentinel"
)

const maxBodyBytes = 64 << 10

// Handler is the HTTP layer over the intake service. It owns request
// framing, auth, and schema validation; lifecycle decisions stay in the
// engine.
type Handler struct {
	service *Service
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("intake service is required")
	}
	schema, err := compileSubmitSchema()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, schema: schema, logger: logger.With("component", "intake-http")}, nil
}

// HealthChecker reports backend connectivity for the readiness probe.
type HealthChecker func(ctx context.Context) error

// NewRouter wires the public endpoints. All /api routes sit behind bearer
// auth and the per-caller quota; probes and metrics do not. A nil limiter
// leaves the quota unenforced.
func NewRouter(h *Handler, signingKey string, limiter *ratelimit.Middleware, ready HealthChecker) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady(ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(signingKey))
		if limiter != nil {
			// Runs after auth so the quota keys on the token subject rather
			// than the connection address.
			r.Use(limiter.Limit(callerKey))
		}
		r.Post("/requests", h.handleSubmit)
		r.Get("/requests/{correlationID}", h.handleStatus)
		r.Get("/requests/{correlationID}/audit", h.handleHistory)
	})

	return r
}

// callerKey buckets quota usage by the authenticated subject, falling back
// to the client address for tokens without one.
func callerKey(r *http.Request) string {
	if sub := Subject(r.Context()); sub != "" {
		return sub
	}
	return ratelimit.ClientAddr(r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(ready HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				h.logger.Error("readiness check failed", "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "a backend service is unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type submitRequest struct {
	Target    string          `json:"target"`
	Principal string          `json:"principal"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt string          `json:"expires_at,omitempty"`
}

type submitResponse struct {
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	if err := validateSubmit(h.schema, body); err != nil {
		h.logger.Info("submit rejected", "error", err, "subject", Subject(r.Context()))
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload submitRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	in := SubmitInput{
		Target:    payload.Target,
		Principal: payload.Principal,
		Action:    payload.Action,
		Payload:   payload.Payload,
	}
	if payload.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		if !expires.After(time.Now()) {
			writeJSONError(w, http.StatusBadRequest, "expires_at must be in the future")
			return
		}
		in.ExpiresAt = &expires
	}

	req, err := h.service.Submit(r.Context(), in)
	if err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			writeJSONError(w, http.StatusConflict, "request already exists")
			return
		}
		h.logger.Error("submit failed", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "backend service communication failed")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:        "Request accepted",
		CorrelationID: req.CorrelationID.String(),
		ReceivedAt:    req.ReceivedAt,
	})
}

type statusResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"`
	ReceivedAt    time.Time `json:"received_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := domain.CorrelationID(chi.URLParam(r, "correlationID"))

	entry, err := h.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "request not found")
			return
		}
		h.logger.Error("status read failed", "error", err, "correlation_id", id)
		writeJSONError(w, http.StatusServiceUnavailable, "backend service communication failed")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		CorrelationID: entry.CorrelationID.String(),
		Status:        string(entry.Status),
		ReceivedAt:    entry.ReceivedAt,
		UpdatedAt:     entry.UpdatedAt,
	})
}

type auditEventResponse struct {
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := domain.CorrelationID(chi.URLParam(r, "correlationID"))

	events, err := h.service.History(r.Context(), id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "request not found")
			return
		}
		h.logger.Error("history read failed", "error", err, "correlation_id", id)
		writeJSONError(w, http.StatusServiceUnavailable, "backend service communication failed")
		return
	}

	out := make([]auditEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, auditEventResponse{
			OldStatus: string(event.OldStatus),
			NewStatus: string(event.NewStatus),
			Actor:     event.Actor,
			Detail:    event.Detail,
			Timestamp: event.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": id.String(),
		"events":         out,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
