package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
	"github.com/bcrosbie/activityhub/internal/hub"
	"github.com/bcrosbie/activityhub/internal/service"
)

// Options configure the HTTP surface. Hub is optional: without it /ws
// answers 503 and push mode is only available over gRPC, if at all.
type Options struct {
	Addr         string
	Hub          *hub.Hub
	Logger       *slog.Logger
	WriteTimeout time.Duration
	// OriginPatterns are passed to the WebSocket handshake. Empty means
	// same-origin only.
	OriginPatterns []string
}

func NewServer(monitor *service.MonitorService, opts Options) *http.Server {
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           NewHandler(monitor, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewHandler(monitor *service.MonitorService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &api{monitor: monitor, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		api.writeJSON(w, http.StatusOK, monitor.Health())
	})
	mux.HandleFunc("GET /api/activities", func(w http.ResponseWriter, r *http.Request) {
		limit, ok := api.parseLimit(w, r)
		if !ok {
			return
		}
		items, err := monitor.RecentActivities(limit)
		if err != nil {
			api.writeError(w, err)
			return
		}
		api.writeJSON(w, http.StatusOK, items)
	})
	mux.HandleFunc("GET /api/activities/{id}", func(w http.ResponseWriter, r *http.Request) {
		activity, err := monitor.GetActivity(r.PathValue("id"))
		if err != nil {
			api.writeError(w, err)
			return
		}
		api.writeJSON(w, http.StatusOK, activity)
	})
	mux.HandleFunc("GET /api/active-activities", func(w http.ResponseWriter, _ *http.Request) {
		api.writeJSON(w, http.StatusOK, monitor.LiveActivities())
	})
	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		limit, ok := api.parseLimit(w, r)
		if !ok {
			return
		}
		items, err := monitor.Samples(limit)
		if err != nil {
			api.writeError(w, err)
			return
		}
		api.writeJSON(w, http.StatusOK, items)
	})
	mux.HandleFunc("GET /api/agent-metrics", func(w http.ResponseWriter, _ *http.Request) {
		api.writeJSON(w, http.StatusOK, monitor.EntityMetrics())
	})
	mux.HandleFunc("GET /api/statistics", func(w http.ResponseWriter, _ *http.Request) {
		api.writeJSON(w, http.StatusOK, monitor.Statistics())
	})
	mux.HandleFunc("GET /api/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		api.writeJSON(w, http.StatusOK, monitor.Snapshot())
	})
	mux.Handle("GET /ws", &pushHandler{
		fanout:         opts.Hub,
		logger:         logger,
		writeTimeout:   opts.WriteTimeout,
		originPatterns: opts.OriginPatterns,
	})
	mux.Handle("GET /metrics", MetricsHandler(monitor, opts.Hub))
	return mux
}

type api struct {
	monitor *service.MonitorService
	logger  *slog.Logger
}

// parseLimit reads ?limit=. Missing means 0, which the service turns into
// its default.
func (a *api) parseLimit(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		a.writeError(w, domain.InvalidArgument("limit must be non-negative int64"))
		return 0, false
	}
	return parsed, true
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("http json encode error", "error", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := httpStatus(code)
	if status == http.StatusInternalServerError {
		a.logger.Error("http request failed", "error", err)
	}
	message := err.Error()
	if appErr, ok := domain.AsAppError(err); ok {
		message = appErr.Message
	}
	a.writeJSON(w, status, map[string]any{"error": message, "code": code})
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
