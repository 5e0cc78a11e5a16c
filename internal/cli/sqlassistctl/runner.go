// Package sqlassistctl implements a command line client for the chat
// assistant API.
package sqlassistctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const sessionHeader = "X-Session-ID"

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer

	// ConfigDefaults seeds the configure command, keyed by settings field
	// (openai_api_key, databricks_host, ...). Flags override them.
	ConfigDefaults map[string]string
}

type request struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlassistctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "assistant API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	sessionID := fs.String("session", defaults.SessionID, "session ID sent as the X-Session-ID header")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], defaults.ConfigDefaults, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	resp, err := doRequest(ctx, client, req, endpoint, *apiKey, *sessionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if assigned := resp.sessionID; assigned != "" && assigned != strings.TrimSpace(*sessionID) {
		_, _ = fmt.Fprintf(stderr, "session: %s\n", assigned)
	}

	if resp.code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.code, strings.TrimSpace(string(resp.body)))
		return 1
	}

	if pretty, ok := prettyJSON(resp.body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(resp.body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(resp.body))
	}
	return 0
}

func buildRequest(command string, args []string, configDefaults map[string]string, stderr io.Writer) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "models":
		return request{method: http.MethodGet, path: "/v1/models"}, nil
	case "session":
		return request{method: http.MethodGet, path: "/v1/session"}, nil
	case "configure":
		body, err := parseConfigure(args, configDefaults, stderr)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPut, path: "/v1/session/config", body: body}, nil
	case "load-schemas":
		return request{method: http.MethodPost, path: "/v1/session/schemas/load"}, nil
	case "save":
		if len(args) == 0 {
			return request{}, fmt.Errorf("save requires at least one schema")
		}
		return request{method: http.MethodPost, path: "/v1/session/save", body: map[string]any{"schemas": args}}, nil
	case "metadata":
		return request{method: http.MethodGet, path: "/v1/session/metadata"}, nil
	case "ask":
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return request{}, fmt.Errorf("ask requires a question")
		}
		return request{method: http.MethodPost, path: "/v1/session/messages", body: map[string]any{"question": question}}, nil
	case "history":
		return request{method: http.MethodGet, path: "/v1/session/messages"}, nil
	case "turns":
		return request{method: http.MethodGet, path: "/v1/session/turns"}, nil
	case "clear":
		return request{method: http.MethodDelete, path: "/v1/session/messages"}, nil
	case "export":
		return request{method: http.MethodPost, path: "/v1/session/export"}, nil
	case "end":
		return request{method: http.MethodDelete, path: "/v1/session"}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

// parseConfigure builds a partial settings update. Only fields given as flags
// or present in defaults are sent.
func parseConfigure(args []string, defaults map[string]string, stderr io.Writer) (map[string]string, error) {
	fs := flag.NewFlagSet("configure", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fields := map[string]*string{
		"openai_api_key":   fs.String("openai-api-key", "", "OpenAI API key"),
		"databricks_host":  fs.String("host", "", "Databricks workspace host"),
		"http_path":        fs.String("http-path", "", "SQL warehouse HTTP path"),
		"databricks_token": fs.String("token", "", "Databricks access token"),
		"catalog_name":     fs.String("catalog", "", "Unity Catalog name"),
		"model_choice":     fs.String("model", "", "model choice, e.g. openai:gpt-4.1-mini"),
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("configure: %w", err)
	}

	body := map[string]string{}
	for key, value := range defaults {
		if _, known := fields[key]; known && strings.TrimSpace(value) != "" {
			body[key] = strings.TrimSpace(value)
		}
	}
	flagKeys := map[string]string{
		"openai-api-key": "openai_api_key",
		"host":           "databricks_host",
		"http-path":      "http_path",
		"token":          "databricks_token",
		"catalog":        "catalog_name",
		"model":          "model_choice",
	}
	fs.Visit(func(f *flag.Flag) {
		key := flagKeys[f.Name]
		body[key] = *fields[key]
	})
	if len(body) == 0 {
		return nil, fmt.Errorf("configure requires at least one setting")
	}
	return body, nil
}

type response struct {
	code      int
	body      []byte
	sessionID string
}

func doRequest(ctx context.Context, client *http.Client, spec request, url, apiKey, sessionID string) (response, error) {
	var payload io.Reader
	if spec.body != nil {
		raw, err := json.Marshal(spec.body)
		if err != nil {
			return response{}, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, url, payload)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(sessionID) != "" {
		req.Header.Set(sessionHeader, strings.TrimSpace(sessionID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{code: resp.StatusCode, body: body, sessionID: resp.Header.Get(sessionHeader)}, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlassistctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  models                 GET /v1/models")
	_, _ = fmt.Fprintln(w, "  session                GET /v1/session")
	_, _ = fmt.Fprintln(w, "  configure [flags]      PUT /v1/session/config")
	_, _ = fmt.Fprintln(w, "  load-schemas           POST /v1/session/schemas/load")
	_, _ = fmt.Fprintln(w, "  save <schema>...       POST /v1/session/save")
	_, _ = fmt.Fprintln(w, "  metadata               GET /v1/session/metadata")
	_, _ = fmt.Fprintln(w, "  ask <question>         POST /v1/session/messages")
	_, _ = fmt.Fprintln(w, "  history                GET /v1/session/messages")
	_, _ = fmt.Fprintln(w, "  turns                  GET /v1/session/turns")
	_, _ = fmt.Fprintln(w, "  clear                  DELETE /v1/session/messages")
	_, _ = fmt.Fprintln(w, "  export                 POST /v1/session/export")
	_, _ = fmt.Fprintln(w, "  end                    DELETE /v1/session")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
