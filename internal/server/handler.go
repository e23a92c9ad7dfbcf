// internal/server/handler.go
package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"trafficwatch/internal/engine"
	"trafficwatch/internal/metrics"
	"trafficwatch/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MaxBodySize bounds admin request bodies.
const MaxBodySize = 16 * 1024

// Handler
// ------------------------------------------------------------
// HTTP veneer over the engine's front-end operations. It holds no
// state of its own: every request maps to one engine call.
//
//	GET    /health
//	GET    /metrics
//	GET    /v1/watchlist
//	POST   /v1/watchlist            {"domain":"x.com"}
//	DELETE /v1/watchlist/{domain}
//	DELETE /v1/watchlist
//	GET    /v1/alerts
//	PUT    /v1/alerts               {"enabled":false}
//	PUT    /v1/digest/interval      {"interval":"12h"}
//	POST   /v1/digest
//	GET    /v1/status
//	GET    /v1/events?domain=&limit=
type Handler struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	router  *mux.Router
}

// NewHandler builds the router. Metrics are exported from a dedicated
// registry together with the Go runtime collectors.
func NewHandler(eng *engine.Engine, m *metrics.Metrics, namespace string) *Handler {
	h := &Handler{
		engine:  eng,
		metrics: m,
		router:  mux.NewRouter(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.Collector(namespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := h.router
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/metrics/plain", h.handleMetricsPlain).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/watchlist", h.handleListWatch).Methods(http.MethodGet)
	v1.HandleFunc("/watchlist", h.handleAddWatch).Methods(http.MethodPost)
	v1.HandleFunc("/watchlist", h.handleClearWatch).Methods(http.MethodDelete)
	v1.HandleFunc("/watchlist/{domain}", h.handleRemoveWatch).Methods(http.MethodDelete)
	v1.HandleFunc("/alerts", h.handleGetAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", h.handleSetAlerts).Methods(http.MethodPut)
	v1.HandleFunc("/digest", h.handleDigest).Methods(http.MethodPost)
	v1.HandleFunc("/digest/interval", h.handleSetInterval).Methods(http.MethodPut)
	v1.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// handleMetricsPlain prints the raw counters as name=value lines.
func (h *Handler) handleMetricsPlain(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// ------------------------------------------------------------
// Watchlist
// ------------------------------------------------------------

type domainRequest struct {
	Domain string `json:"domain"`
}

func (h *Handler) handleListWatch(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Watchlist(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"watchlist": entries, "total": len(entries)})
}

func (h *Handler) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := h.engine.AddWatch(r.Context(), req.Domain)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"domain": req.Domain, "added": added})
}

func (h *Handler) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	removed, err := h.engine.RemoveWatch(r.Context(), domain)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]any{"domain": domain, "removed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "removed": true})
}

func (h *Handler) handleClearWatch(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ClearWatch(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

// ------------------------------------------------------------
// Alerts / digest
// ------------------------------------------------------------

type alertsRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	on, err := h.engine.AlertsEnabled(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": on})
}

func (h *Handler) handleSetAlerts(w http.ResponseWriter, r *http.Request) {
	var req alertsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, errors.New(`"enabled" is required`))
		return
	}
	if err := h.engine.SetAlerts(r.Context(), *req.Enabled); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

func (h *Handler) handleDigest(w http.ResponseWriter, _ *http.Request) {
	if err := h.engine.TriggerDigest(); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

func (h *Handler) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	iv, err := h.engine.SetSummaryInterval(r.Context(), req.Interval)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interval": iv.Expr})
}

// ------------------------------------------------------------
// Queries
// ------------------------------------------------------------

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	events, err := h.engine.Find(r.Context(), q.Get("domain"), limit)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

// ------------------------------------------------------------
// helpers
// ------------------------------------------------------------

// decodeBody reads at most MaxBodySize bytes through a pooled buffer.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		return err
	}
	if buf.Len() == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(buf.Bytes(), dst)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrEmptyDomain), errors.Is(err, engine.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoDigest):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("admin request failed")
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("admin response write failed")
	}
}
