package events

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/scheduler"
	"github.com/dedet2/crmsync/internal/sync"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// RouterConfig wires the HTTP surface to the running services.
type RouterConfig struct {
	Bridge    *Bridge
	Scheduler *scheduler.Scheduler
	Engine    *sync.Engine
	// WebhookSecret enables HMAC verification of incoming webhook bodies.
	// Empty means deliveries are rejected, not accepted unsigned.
	WebhookSecret string
}

// NewRouter builds the HTTP API: webhook ingestion, status endpoints,
// manual conflict resolution and Prometheus metrics.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/{webhookID}", cfg.handleWebhook)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Scheduler.Jobs())
		})
		r.Get("/jobs/{jobID}", func(w http.ResponseWriter, req *http.Request) {
			snap, err := cfg.Scheduler.JobStatus(chi.URLParam(req, "jobID"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Get("/conflicts", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Engine.Resolver().Summary())
		})
		r.Get("/failures/{entityType}", func(w http.ResponseWriter, req *http.Request) {
			failures, err := cfg.Engine.FailingRecords(req.Context(), chi.URLParam(req, "entityType"), 100)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, failures)
		})
		r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"statistics": cfg.Bridge.Stats(),
				"recent":     cfg.Bridge.RecentEvents(50),
			})
		})
	})

	r.Post("/conflicts/{conflictID}/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Winner string `json:"winner"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := cfg.Engine.ResolveConflict(req.Context(), chi.URLParam(req, "conflictID"), body.Winner); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (cfg RouterConfig) handleWebhook(w http.ResponseWriter, req *http.Request) {
	webhookID := chi.URLParam(req, "webhookID")

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	if !VerifySignature(cfg.WebhookSecret, body, req.Header.Get("X-Airtable-Content-MAC")) {
		logrus.WithField("webhook_id", webhookID).Warn("Webhook signature verification failed")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	ack, err := cfg.Bridge.HandleWebhook(body, webhookID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
