// Package httpapi exposes the relay's operational HTTP surface: liveness,
// readiness, Prometheus-style metrics and an admin-gated stats dump.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"transitlive/relay/internal/logging"
)

// ReadinessProvider exposes relay state required for readiness checks.
type ReadinessProvider interface {
	// BusHealthy pings the shared bus.
	BusHealthy() error
	// RelayRunning reports whether the bus listener goroutine is alive.
	RelayRunning() bool
	// Uptime is the time since the process began serving.
	Uptime() time.Duration
}

// Stats is a point-in-time snapshot of the relay's counters.
type Stats struct {
	Clients       int   `json:"clients"`
	Subscriptions int   `json:"subscriptions"`
	Broadcasts    int64 `json:"broadcasts"`
	Relayed       int64 `json:"relayed"`
}

// StatsFunc returns cumulative relay statistics.
type StatsFunc func() Stats

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Readiness  ReadinessProvider
	Stats      StatsFunc
	AdminToken string
	TimeSource func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger     *logging.Logger
	readiness  ReadinessProvider
	stats      StatsFunc
	adminToken string
	now        func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:     logger,
		readiness:  opts.Readiness,
		stats:      opts.Stats,
		adminToken: strings.TrimSpace(opts.AdminToken),
		now:        now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness: the bus must answer a ping and
// the listener must be running (or not yet required, before any connection).
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		RelayRunning  bool    `json:"relay_running"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			resp.RelayRunning = h.readiness.RelayRunning()
			if err := h.readiness.BusHealthy(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats Stats
		if h.stats != nil {
			stats = h.stats()
		}
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP relay_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP relay_clients Current connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE relay_clients gauge\n")
		fmt.Fprintf(w, "relay_clients %d\n", stats.Clients)

		fmt.Fprintf(w, "# HELP relay_subscriptions Current topic memberships across clients.\n")
		fmt.Fprintf(w, "# TYPE relay_subscriptions gauge\n")
		fmt.Fprintf(w, "relay_subscriptions %d\n", stats.Subscriptions)

		fmt.Fprintf(w, "# HELP relay_broadcasts_total Accepted location broadcasts.\n")
		fmt.Fprintf(w, "# TYPE relay_broadcasts_total counter\n")
		fmt.Fprintf(w, "relay_broadcasts_total %d\n", stats.Broadcasts)

		fmt.Fprintf(w, "# HELP relay_bus_messages_total Bus messages fanned out locally.\n")
		fmt.Fprintf(w, "# TYPE relay_bus_messages_total counter\n")
		fmt.Fprintf(w, "relay_bus_messages_total %d\n", stats.Relayed)
	}
}

// StatsHandler returns the raw counters as JSON, gated by the admin token.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "stats"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("stats denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("stats denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var stats Stats
		if h.stats != nil {
			stats = h.stats()
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
