package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/cli/sqlassistctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("SQLASSIST_CLI_TIMEOUT")), 2*time.Minute)
	options := sqlassistctl.Options{
		BaseURL:   envOr("SQLASSIST_API_URL", "http://localhost:8080"),
		APIKey:    strings.TrimSpace(os.Getenv("SQLASSIST_API_KEY")),
		SessionID: strings.TrimSpace(os.Getenv("SQLASSIST_SESSION_ID")),
		Timeout:   timeout,
		ConfigDefaults: map[string]string{
			"openai_api_key":   os.Getenv("OPENAI_API_KEY"),
			"databricks_host":  os.Getenv("DATABRICKS_HOST"),
			"http_path":        os.Getenv("DATABRICKS_HTTP_PATH"),
			"databricks_token": os.Getenv("DATABRICKS_TOKEN"),
			"catalog_name":     os.Getenv("DATABRICKS_CATALOG"),
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := sqlassistctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid SQLASSIST_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
