package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/auth"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/config"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/session"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/transcript"
)

type ReadinessCheck func(ctx context.Context) error

type TranscriptExporter interface {
	Export(ctx context.Context, sessionID, model string, messages []session.Message) (transcript.ExportResult, error)
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Sessions         *session.Manager
	Controller       *session.Controller
	Turns            history.Reader
	Exporter         TranscriptExporter
	UI               http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/models", handleListModels)

	routes := map[string]sessionHandlerFunc{
		"GET /v1/session":               handleGetSession,
		"DELETE /v1/session":            handleDeleteSession,
		"PUT /v1/session/config":        handleConfigure,
		"POST /v1/session/schemas/load": handleLoadSchemas,
		"POST /v1/session/save":         handleSaveConfiguration,
		"GET /v1/session/metadata":      handleGetMetadata,
		"GET /v1/session/messages":      handleListMessages,
		"POST /v1/session/messages":     handleAsk,
		"DELETE /v1/session/messages":   handleClearMessages,
		"GET /v1/session/turns":         handleListTurns,
		"POST /v1/session/export":       handleExport,
	}

	protected := http.NewServeMux()
	for pattern, handle := range routes {
		protected.Handle(pattern, withSession(deps, handle))
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(auth.RequireRole(auth.RoleAssistantUser)(protectedHandler))
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}
	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckHealth adapts a component health probe, such as the turn log
// repository or the transcript object store, to a readiness check.
func CheckHealth(name string, probe func(ctx context.Context) error) ReadinessCheck {
	if probe == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := probe(ctx); err != nil {
			return &dependencyError{name: name, err: err}
		}
		return nil
	}
}

type dependencyError struct {
	name string
	err  error
}

func (e *dependencyError) Error() string { return e.name + " is not ready: " + e.err.Error() }
func (e *dependencyError) Unwrap() error { return e.err }

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
