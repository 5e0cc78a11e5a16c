// Package session holds per-browser conversation state and the controller
// that drives schema loading, metadata summaries and chat turns against it.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/assistant"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/warehouse"
)

type Stage string

const (
	StageUnconfigured       Stage = "unconfigured"
	StageReadyToLoadSchemas Stage = "ready_to_load_schemas"
	StageSchemasLoaded      Stage = "schemas_loaded"
	StageConfigured         Stage = "configured"
)

// Settings are the user-supplied configuration fields of a session.
type Settings struct {
	OpenAIAPIKey    string `json:"openai_api_key"`
	DatabricksHost  string `json:"databricks_host"`
	HTTPPath        string `json:"http_path"`
	DatabricksToken string `json:"databricks_token"`
	CatalogName     string `json:"catalog_name"`
	ModelChoice     string `json:"model_choice"`
}

func (s Settings) normalized() Settings {
	return Settings{
		OpenAIAPIKey:    strings.TrimSpace(s.OpenAIAPIKey),
		DatabricksHost:  strings.TrimSpace(s.DatabricksHost),
		HTTPPath:        strings.TrimSpace(s.HTTPPath),
		DatabricksToken: strings.TrimSpace(s.DatabricksToken),
		CatalogName:     strings.TrimSpace(s.CatalogName),
		ModelChoice:     strings.TrimSpace(s.ModelChoice),
	}
}

func (s Settings) connectionReady() bool {
	return s.DatabricksHost != "" && s.HTTPPath != "" && s.DatabricksToken != "" && s.CatalogName != ""
}

func (s Settings) sameConnection(other Settings) bool {
	return s.DatabricksHost == other.DatabricksHost &&
		s.HTTPPath == other.HTTPPath &&
		s.DatabricksToken == other.DatabricksToken &&
		s.CatalogName == other.CatalogName
}

// MissingFields lists the required fields that are still empty, by their
// configuration key.
func (s Settings) MissingFields() []string {
	var missing []string
	for _, field := range []struct {
		key   string
		value string
	}{
		{"openai_api_key", s.OpenAIAPIKey},
		{"databricks_host", s.DatabricksHost},
		{"http_path", s.HTTPPath},
		{"databricks_token", s.DatabricksToken},
		{"catalog_name", s.CatalogName},
	} {
		if field.value == "" {
			missing = append(missing, field.key)
		}
	}
	return missing
}

func (s Settings) Credentials() warehouse.Credentials {
	return warehouse.Credentials{
		Host:        s.DatabricksHost,
		HTTPPath:    s.HTTPPath,
		AccessToken: s.DatabricksToken,
	}
}

// Masked returns a copy safe to show back to the user.
func (s Settings) Masked() Settings {
	s.OpenAIAPIKey = maskSecret(s.OpenAIAPIKey)
	s.DatabricksToken = maskSecret(s.DatabricksToken)
	return s
}

func maskSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "********"
	}
	return value[:4] + "********"
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history. SQL marks assistant replies whose
// content is a generated statement; Failed marks error replies.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	SQL       bool      `json:"sql,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the mutable state of one session. The controller holds mu for the
// whole of every action, so actions on one session never interleave.
type State struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	settings        Settings
	schemaOptions   []string
	schemasLoaded   bool
	selectedSchemas []string
	metadata        string
	messages        []Message

	agent         assistant.Agent
	agentMetadata string
	agentModel    string
}

func NewState(id string, createdAt time.Time) *State {
	return &State{
		ID:        id,
		CreatedAt: createdAt,
		settings:  Settings{ModelChoice: assistant.DefaultModel},
	}
}

func (s *State) stage() Stage {
	switch {
	case len(s.settings.MissingFields()) == 0 && s.metadata != "":
		return StageConfigured
	case !s.settings.connectionReady():
		return StageUnconfigured
	case s.schemasLoaded:
		return StageSchemasLoaded
	default:
		return StageReadyToLoadSchemas
	}
}

func (s *State) resetAgent() {
	s.agent = nil
	s.agentMetadata = ""
	s.agentModel = ""
}

// Snapshot is a read-only view of a session for display.
type Snapshot struct {
	ID              string    `json:"session_id"`
	Stage           Stage     `json:"stage"`
	Settings        Settings  `json:"settings"`
	MissingFields   []string  `json:"missing_fields"`
	SchemaOptions   []string  `json:"schema_options"`
	SchemasLoaded   bool      `json:"schemas_loaded"`
	SelectedSchemas []string  `json:"selected_schemas"`
	HasMetadata     bool      `json:"has_metadata"`
	MessageCount    int       `json:"message_count"`
	Warnings        []string  `json:"warnings"`
	CreatedAt       time.Time `json:"created_at"`
}

func cloneStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
