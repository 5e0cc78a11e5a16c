package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/assistant"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/catalog"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/warehouse"
)

var (
	ErrNotReady          = errors.New("databricks host, http path, access token and catalog name are required")
	ErrNotConfigured     = errors.New("please configure your environment in the configuration panel")
	ErrSchemasNotLoaded  = errors.New("schemas have not been loaded")
	ErrMissingFields     = errors.New("please fill in all fields")
	ErrNoSchemasSelected = errors.New("select at least one schema")
	ErrUnknownSchema     = errors.New("schema is not in the loaded schema options")
	ErrUnsupportedModel  = errors.New("unsupported model choice")
	ErrEmptyQuestion     = errors.New("question is required")
)

const (
	fallbackReply    = "Something went wrong. Please try rephrasing your question."
	manySchemasWarn  = "Selecting many schemas may slow down query generation."
	notConfiguredMsg = "Please configure your environment in the configuration panel."
)

type TokenCounter interface {
	Count(text string) int
}

type ControllerConfig struct {
	SchemaWarnThreshold int
	DefaultModel        string
}

// Controller sequences warehouse, catalog and assistant calls behind the
// user-facing session actions.
type Controller struct {
	Opener   warehouse.Opener
	Agents   assistant.Factory
	Tokens   TokenCounter
	Recorder history.Recorder
	Config   ControllerConfig
	Logger   *slog.Logger
	Clock    func() time.Time

	defaults sync.Once
}

type SaveResult struct {
	Schemas       []string `json:"schemas"`
	SummaryTokens int      `json:"summary_tokens"`
	Warnings      []string `json:"warnings"`
}

func (c *Controller) ensureDefaults() {
	c.defaults.Do(c.applyDefaults)
}

func (c *Controller) applyDefaults() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Config.SchemaWarnThreshold <= 0 {
		c.Config.SchemaWarnThreshold = 5
	}
	if !assistant.IsSupportedModel(c.Config.DefaultModel) {
		c.Config.DefaultModel = assistant.DefaultModel
	}
}

// Configure replaces the session settings. Changing any connection field
// discards loaded schemas, the selection and the metadata summary; changing
// the OpenAI key discards the cached agent.
func (c *Controller) Configure(st *State, in Settings) error {
	return c.UpdateSettings(st, func(Settings) Settings { return in })
}

// UpdateSettings applies update to the current settings under the session
// lock, so partial edits from concurrent requests are not lost.
func (c *Controller) UpdateSettings(st *State, update func(current Settings) Settings) error {
	c.ensureDefaults()
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.settings
	next := update(prev).normalized()
	if next.ModelChoice == "" {
		next.ModelChoice = c.Config.DefaultModel
	}
	if !assistant.IsSupportedModel(next.ModelChoice) {
		return fmt.Errorf("%w: %q", ErrUnsupportedModel, next.ModelChoice)
	}

	st.settings = next
	if !prev.sameConnection(next) {
		st.schemaOptions = nil
		st.schemasLoaded = false
		st.selectedSchemas = nil
		st.metadata = ""
		st.resetAgent()
	}
	if prev.OpenAIAPIKey != next.OpenAIAPIKey {
		st.resetAgent()
	}
	return nil
}

// Settings returns the unmasked settings of st.
func (c *Controller) Settings(st *State) Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.settings
}

// LoadSchemas lists the schemas of the configured catalog. On failure the
// schema options are emptied and the session does not advance.
func (c *Controller) LoadSchemas(ctx context.Context, st *State) error {
	c.ensureDefaults()
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.settings.connectionReady() {
		return ErrNotReady
	}
	schemas, err := c.listSchemas(ctx, st.settings)
	observability.ObserveSchemaLoad(err)
	if err != nil {
		st.schemaOptions = nil
		st.schemasLoaded = false
		c.Logger.WarnContext(ctx, "schema load failed", logAttrs(ctx, slog.String("catalog", st.settings.CatalogName), slog.Any("error", err))...)
		return err
	}
	st.schemaOptions = schemas
	st.schemasLoaded = true
	st.selectedSchemas = nil
	c.Logger.InfoContext(ctx, "schemas loaded", logAttrs(ctx, slog.String("catalog", st.settings.CatalogName), slog.Int("schemas", len(schemas)))...)
	return nil
}

func (c *Controller) listSchemas(ctx context.Context, settings Settings) ([]string, error) {
	conn, err := c.Opener.Open(ctx, settings.Credentials())
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return catalog.ListSchemas(ctx, settings.CatalogName, conn)
}

// SaveConfiguration summarizes the selected schemas and commits them as the
// session's grounding metadata. Prior state is kept when anything fails.
func (c *Controller) SaveConfiguration(ctx context.Context, st *State, selected []string) (SaveResult, error) {
	c.ensureDefaults()
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.schemasLoaded {
		return SaveResult{}, ErrSchemasNotLoaded
	}
	if missing := st.settings.MissingFields(); len(missing) > 0 {
		return SaveResult{}, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	schemas, err := validateSelection(selected, st.schemaOptions)
	if err != nil {
		return SaveResult{}, err
	}

	conn, err := c.Opener.Open(ctx, st.settings.Credentials())
	if err != nil {
		return SaveResult{}, err
	}
	summary, err := catalog.Summarize(ctx, st.settings.CatalogName, schemas, conn)
	if err != nil {
		c.Logger.WarnContext(ctx, "metadata summary failed", logAttrs(ctx, slog.String("catalog", st.settings.CatalogName), slog.Any("error", err))...)
		return SaveResult{}, err
	}

	st.selectedSchemas = schemas
	st.metadata = summary
	st.resetAgent()

	result := SaveResult{Schemas: cloneStrings(schemas), Warnings: c.selectionWarnings(schemas)}
	if c.Tokens != nil {
		result.SummaryTokens = c.Tokens.Count(assistant.SystemPrompt(summary))
	}
	c.Logger.InfoContext(ctx, "configuration saved", logAttrs(ctx,
		slog.String("catalog", st.settings.CatalogName),
		slog.Int("schemas", len(schemas)),
		slog.Int("summary_tokens", result.SummaryTokens),
	)...)
	return result, nil
}

func validateSelection(selected, options []string) ([]string, error) {
	known := make(map[string]struct{}, len(options))
	for _, option := range options {
		known[option] = struct{}{}
	}
	seen := make(map[string]struct{}, len(selected))
	schemas := make([]string, 0, len(selected))
	for _, schema := range selected {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			continue
		}
		if _, ok := known[schema]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
		}
		if _, dup := seen[schema]; dup {
			continue
		}
		seen[schema] = struct{}{}
		schemas = append(schemas, schema)
	}
	if len(schemas) == 0 {
		return nil, ErrNoSchemasSelected
	}
	return schemas, nil
}

func (c *Controller) selectionWarnings(schemas []string) []string {
	if len(schemas) > c.Config.SchemaWarnThreshold {
		return []string{manySchemasWarn}
	}
	return []string{}
}

// Ask runs one chat turn. The question is appended first and exactly one
// assistant reply follows it, whatever the agent does. The agent is never
// invoked unless every required field is set and metadata has been saved.
func (c *Controller) Ask(ctx context.Context, st *State, question string) (Message, error) {
	c.ensureDefaults()
	question = strings.TrimSpace(question)
	if question == "" {
		return Message{}, ErrEmptyQuestion
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.settings.MissingFields()) > 0 || st.metadata == "" {
		return Message{}, ErrNotConfigured
	}
	st.messages = append(st.messages, Message{Role: RoleUser, Content: question, CreatedAt: c.Clock().UTC()})

	model := st.settings.ModelChoice
	reply, outcome := c.answer(ctx, st, question)
	st.messages = append(st.messages, reply)

	c.recordTurn(ctx, history.Turn{
		SessionID: st.ID,
		Question:  question,
		Reply:     reply.Content,
		Model:     model,
		Outcome:   outcome,
		CreatedAt: reply.CreatedAt,
	})
	return reply, nil
}

func (c *Controller) answer(ctx context.Context, st *State, question string) (Message, history.Outcome) {
	model := st.settings.ModelChoice
	start := c.Clock()

	agent, err := c.agentFor(st)
	if err == nil {
		var out assistant.Output
		out, err = agent.Run(ctx, assistant.AssistantPrompt(question))
		if err == nil {
			code := strings.TrimSpace(out.Code)
			if code == "" {
				observability.ObserveAgentRun(model, string(history.OutcomeEmpty), c.Clock().Sub(start))
				return c.assistantMessage(fallbackReply, false, true), history.OutcomeEmpty
			}
			observability.ObserveAgentRun(model, string(history.OutcomeSQL), c.Clock().Sub(start))
			return c.assistantMessage(code, true, false), history.OutcomeSQL
		}
	}

	observability.ObserveAgentRun(model, string(history.OutcomeError), c.Clock().Sub(start))
	if _, ok := failure.KindOf(err); !ok {
		err = failure.Wrap(failure.AgentFailure, "run agent", err)
	}
	c.Logger.WarnContext(ctx, "agent run failed", logAttrs(ctx, slog.String("model", model), slog.Any("error", err))...)
	return c.assistantMessage("Error generating response: "+err.Error(), false, true), history.OutcomeError
}

func (c *Controller) assistantMessage(content string, sql, failed bool) Message {
	return Message{Role: RoleAssistant, Content: content, SQL: sql, Failed: failed, CreatedAt: c.Clock().UTC()}
}

// agentFor returns the cached agent when it is bound to the current metadata
// and model, and builds a new one otherwise.
func (c *Controller) agentFor(st *State) (assistant.Agent, error) {
	model := st.settings.ModelChoice
	if st.agent != nil && st.agentMetadata == st.metadata && st.agentModel == model {
		return st.agent, nil
	}
	st.resetAgent()
	agent, err := c.Agents.NewAgent(assistant.AgentSpec{
		SystemPrompt: assistant.SystemPrompt(st.metadata),
		Model:        model,
		APIKey:       st.settings.OpenAIAPIKey,
	})
	if err != nil {
		return nil, err
	}
	observability.ObserveAgentBuild(model)
	st.agent = agent
	st.agentMetadata = st.metadata
	st.agentModel = model
	return agent, nil
}

func (c *Controller) recordTurn(ctx context.Context, turn history.Turn) {
	if c.Recorder == nil {
		return
	}
	_, err := c.Recorder.RecordTurn(ctx, turn)
	observability.ObserveTurnRecorded(err)
	if err != nil {
		c.Logger.WarnContext(ctx, "record turn failed", slog.String("session_id", turn.SessionID), slog.Any("error", err))
	}
}

func (c *Controller) ClearHistory(st *State) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.messages = nil
}

func (c *Controller) Messages(st *State) []Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Message, len(st.messages))
	copy(out, st.messages)
	return out
}

func (c *Controller) Metadata(st *State) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.metadata
}

func (c *Controller) Snapshot(st *State) Snapshot {
	c.ensureDefaults()
	st.mu.Lock()
	defer st.mu.Unlock()

	stage := st.stage()
	warnings := []string{}
	if stage != StageConfigured {
		warnings = append(warnings, notConfiguredMsg)
	}
	warnings = append(warnings, c.selectionWarnings(st.selectedSchemas)...)

	missing := st.settings.MissingFields()
	if missing == nil {
		missing = []string{}
	}
	return Snapshot{
		ID:              st.ID,
		Stage:           stage,
		Settings:        st.settings.Masked(),
		MissingFields:   missing,
		SchemaOptions:   cloneStrings(st.schemaOptions),
		SchemasLoaded:   st.schemasLoaded,
		SelectedSchemas: cloneStrings(st.selectedSchemas),
		HasMetadata:     st.metadata != "",
		MessageCount:    len(st.messages),
		Warnings:        warnings,
		CreatedAt:       st.CreatedAt,
	}
}

// logAttrs prefixes attrs with the request correlation ids carried by ctx.
func logAttrs(ctx context.Context, attrs ...any) []any {
	return append(observability.RequestAttrs(ctx), attrs...)
}
