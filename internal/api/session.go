package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/assistant"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/session"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/transcript"
)

const (
	defaultTurnLimit = 50
	maxTurnLimit     = 500
	maxRequestBytes  = 1 << 20
)

type sessionHandlerFunc func(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State)

// withSession resolves the caller's session before handing the request on.
func withSession(deps Dependencies, next sessionHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions == nil || deps.Controller == nil {
			writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session handling is not configured", false, nil)
			return
		}
		st, err := deps.Sessions.Resolve(w, r)
		if err != nil {
			writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_FAILED", "failed to resolve session", true, map[string]any{
				"details": err.Error(),
			})
			return
		}
		ctx := observability.ContextWithSessionID(r.Context(), st.ID)
		next(deps, w, r.WithContext(ctx), st)
	})
}

func handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  assistant.Models(),
		"default": assistant.DefaultModel,
	})
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, _ *http.Request, st *session.State) {
	writeJSON(w, http.StatusOK, deps.Controller.Snapshot(st))
}

func handleDeleteSession(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	var turnsDeleted int64
	if purger, ok := deps.Turns.(history.Purger); ok {
		deleted, err := purger.DeleteSessionTurns(r.Context(), st.ID)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadGateway, "HISTORY_FAILED", "failed to delete session history", true, map[string]any{
				"details": err.Error(),
			})
			return
		}
		turnsDeleted = deleted
	}
	if err := deps.Sessions.Forget(w, r, st); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_FAILED", "failed to end session", true, map[string]any{
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": st.ID, "deleted": true, "turns_deleted": turnsDeleted})
}

// configRequest carries a partial settings update. Absent fields keep their
// current value, so a client echoing the masked snapshot does not overwrite
// stored secrets.
type configRequest struct {
	OpenAIAPIKey    *string `json:"openai_api_key"`
	DatabricksHost  *string `json:"databricks_host"`
	HTTPPath        *string `json:"http_path"`
	DatabricksToken *string `json:"databricks_token"`
	CatalogName     *string `json:"catalog_name"`
	ModelChoice     *string `json:"model_choice"`
}

func (c configRequest) apply(current session.Settings) session.Settings {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&current.OpenAIAPIKey, c.OpenAIAPIKey)
	set(&current.DatabricksHost, c.DatabricksHost)
	set(&current.HTTPPath, c.HTTPPath)
	set(&current.DatabricksToken, c.DatabricksToken)
	set(&current.CatalogName, c.CatalogName)
	set(&current.ModelChoice, c.ModelChoice)
	return current
}

func handleConfigure(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	var request configRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if err := deps.Controller.UpdateSettings(st, request.apply); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deps.Controller.Snapshot(st))
}

func handleLoadSchemas(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	if err := deps.Controller.LoadSchemas(r.Context(), st); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deps.Controller.Snapshot(st))
}

type saveRequest struct {
	Schemas []string `json:"schemas"`
}

func handleSaveConfiguration(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	var request saveRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	result, err := deps.Controller.SaveConfiguration(r.Context(), st, request.Schemas)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"session": deps.Controller.Snapshot(st),
	})
}

func handleGetMetadata(deps Dependencies, w http.ResponseWriter, _ *http.Request, st *session.State) {
	metadata := deps.Controller.Metadata(st)
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":     metadata,
		"has_metadata": metadata != "",
	})
}

func handleListMessages(deps Dependencies, w http.ResponseWriter, _ *http.Request, st *session.State) {
	writeJSON(w, http.StatusOK, map[string]any{"messages": deps.Controller.Messages(st)})
}

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	var request askRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	reply, err := deps.Controller.Ask(r.Context(), st, request.Question)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":    reply,
		"messages": deps.Controller.Messages(st),
	})
}

func handleClearMessages(deps Dependencies, w http.ResponseWriter, _ *http.Request, st *session.State) {
	deps.Controller.ClearHistory(st)
	writeJSON(w, http.StatusOK, map[string]any{"messages": []session.Message{}})
}

func handleListTurns(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	if deps.Turns == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "turn history is not enabled", false, nil)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), false, nil)
		return
	}
	turns, err := deps.Turns.ListTurns(r.Context(), st.ID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FAILED", "failed to list turns", true, map[string]any{
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": st.ID, "turns": turns})
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request, st *session.State) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "transcript export is not enabled", false, nil)
		return
	}
	messages := deps.Controller.Messages(st)
	model := deps.Controller.Settings(st).ModelChoice
	result, err := deps.Exporter.Export(r.Context(), st.ID, model, messages)
	if err != nil {
		if errors.Is(err, transcript.ErrEmptyTranscript) {
			writeError(r.Context(), w, http.StatusConflict, "EMPTY_TRANSCRIPT", "chat history is empty", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "EXPORT_FAILED", "transcript export failed", true, map[string]any{
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultTurnLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxTurnLimit {
		limit = maxTurnLimit
	}
	return limit, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON", false, map[string]any{
			"details": err.Error(),
		})
		return false
	}
	return true
}

// writeSessionError maps controller and component failures to the API error envelope.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrMissingFields):
		writeError(ctx, w, http.StatusConflict, "MISSING_FIELDS", err.Error(), false, nil)
		return
	case errors.Is(err, session.ErrNotConfigured):
		writeError(ctx, w, http.StatusConflict, "NOT_CONFIGURED", err.Error(), false, nil)
		return
	case errors.Is(err, session.ErrSchemasNotLoaded):
		writeError(ctx, w, http.StatusConflict, "SCHEMAS_NOT_LOADED", err.Error(), false, nil)
		return
	case errors.Is(err, session.ErrNoSchemasSelected),
		errors.Is(err, session.ErrUnknownSchema),
		errors.Is(err, session.ErrUnsupportedModel),
		errors.Is(err, session.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), false, nil)
		return
	}

	kind, _ := failure.KindOf(err)
	switch kind {
	case failure.ConnectionFailure:
		writeError(ctx, w, http.StatusBadGateway, "CONNECTION_FAILED", "could not connect to the warehouse", true, map[string]any{
			"details": err.Error(),
		})
	case failure.QueryFailure:
		writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_FAILED", "catalog query failed", false, map[string]any{
			"details": err.Error(),
		})
	case failure.AgentFailure:
		writeError(ctx, w, http.StatusBadGateway, "AGENT_FAILED", "assistant call failed", true, map[string]any{
			"details": err.Error(),
		})
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "request failed", true, map[string]any{
			"details": err.Error(),
		})
	}
}
