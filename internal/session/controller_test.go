package session

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/assistant"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/history"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/warehouse"
)

func TestLoadSchemasConnectionFailureLeavesOptionsEmpty(t *testing.T) {
	opener := &fakeOpener{err: failure.Wrap(failure.ConnectionFailure, "open warehouse connection", errors.New("no such host"))}
	controller := newTestController(opener, &fakeFactory{}, nil)
	st := NewState("s-1", time.Now())
	if err := controller.Configure(st, validSettings()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	err := controller.LoadSchemas(context.Background(), st)
	if !failure.Is(err, failure.ConnectionFailure) {
		t.Fatalf("LoadSchemas() error = %v, want connection failure", err)
	}
	snapshot := controller.Snapshot(st)
	if snapshot.Stage != StageReadyToLoadSchemas {
		t.Fatalf("Stage = %q", snapshot.Stage)
	}
	if len(snapshot.SchemaOptions) != 0 || snapshot.SchemasLoaded {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestLoadSchemasRequiresConnectionFields(t *testing.T) {
	opener := &fakeOpener{}
	controller := newTestController(opener, &fakeFactory{}, nil)
	st := NewState("s-1", time.Now())

	if err := controller.LoadSchemas(context.Background(), st); !errors.Is(err, ErrNotReady) {
		t.Fatalf("LoadSchemas() error = %v, want ErrNotReady", err)
	}
	if opener.opens != 0 {
		t.Fatalf("opens = %d", opener.opens)
	}
	if got := controller.Snapshot(st).Stage; got != StageUnconfigured {
		t.Fatalf("Stage = %q", got)
	}
}

func TestLoadAndSaveConfiguresSession(t *testing.T) {
	listDB, listMock := newSQLMock(t)
	listMock.ExpectQuery(regexp.QuoteMeta("SHOW SCHEMAS IN `sales`")).
		WillReturnRows(sqlmock.NewRows([]string{"databaseName"}).AddRow("public").AddRow("staging"))
	listMock.ExpectClose()

	summaryDB, summaryMock := newSQLMock(t)
	summaryMock.ExpectQuery(regexp.QuoteMeta("SHOW TABLES IN `sales`.`public`")).
		WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}).AddRow("public", "orders", false))
	summaryMock.ExpectQuery(regexp.QuoteMeta("FROM `sales`.information_schema.columns WHERE table_schema = ? AND table_name = ?")).
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "comment"}).
			AddRow("id", "bigint", "order id").
			AddRow("total", "double", ""))
	summaryMock.ExpectClose()

	opener := &fakeOpener{dbs: []*sql.DB{listDB, summaryDB}}
	controller := newTestController(opener, &fakeFactory{}, nil)
	controller.Tokens = fakeCounter(42)
	st := NewState("s-1", time.Now())
	if err := controller.Configure(st, validSettings()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if err := controller.LoadSchemas(context.Background(), st); err != nil {
		t.Fatalf("LoadSchemas() error = %v", err)
	}
	if snapshot := controller.Snapshot(st); snapshot.Stage != StageSchemasLoaded || len(snapshot.SchemaOptions) != 2 {
		t.Fatalf("snapshot after load = %+v", snapshot)
	}

	result, err := controller.SaveConfiguration(context.Background(), st, []string{"public"})
	if err != nil {
		t.Fatalf("SaveConfiguration() error = %v", err)
	}
	if result.SummaryTokens != 42 || len(result.Warnings) != 0 || len(result.Schemas) != 1 {
		t.Fatalf("result = %+v", result)
	}
	metadata := controller.Metadata(st)
	for _, line := range []string{"Schema: public", "Table: orders", "- id (bigint) — order id", "- total (double) — "} {
		if !strings.Contains(metadata, line) {
			t.Fatalf("metadata missing %q:\n%s", line, metadata)
		}
	}
	if got := controller.Snapshot(st).Stage; got != StageConfigured {
		t.Fatalf("Stage = %q", got)
	}
	for _, conn := range opener.conns {
		if !conn.Closed() {
			t.Fatal("every opened connection must be closed")
		}
	}
	assertSQLMock(t, listMock)
	assertSQLMock(t, summaryMock)
}

func TestSaveConfigurationWarnsOnManySchemas(t *testing.T) {
	schemas := []string{"a", "b", "c", "d", "e", "f"}
	db, mock := newSQLMock(t)
	for _, schema := range schemas {
		mock.ExpectQuery(regexp.QuoteMeta("SHOW TABLES IN `sales`.`" + schema + "`")).
			WillReturnRows(sqlmock.NewRows([]string{"database", "tableName", "isTemporary"}))
	}
	mock.ExpectClose()

	controller := newTestController(&fakeOpener{dbs: []*sql.DB{db}}, &fakeFactory{}, nil)
	st := NewState("s-1", time.Now())
	st.settings = validSettings()
	st.schemaOptions = schemas
	st.schemasLoaded = true

	result, err := controller.SaveConfiguration(context.Background(), st, schemas)
	if err != nil {
		t.Fatalf("SaveConfiguration() error = %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != manySchemasWarn {
		t.Fatalf("Warnings = %v", result.Warnings)
	}
	assertSQLMock(t, mock)
}

func TestSaveConfigurationValidatesBeforeConnecting(t *testing.T) {
	opener := &fakeOpener{}
	controller := newTestController(opener, &fakeFactory{}, nil)

	notLoaded := NewState("s-1", time.Now())
	notLoaded.settings = validSettings()
	if _, err := controller.SaveConfiguration(context.Background(), notLoaded, []string{"public"}); !errors.Is(err, ErrSchemasNotLoaded) {
		t.Fatalf("error = %v, want ErrSchemasNotLoaded", err)
	}

	loaded := NewState("s-2", time.Now())
	loaded.settings = validSettings()
	loaded.schemaOptions = []string{"public"}
	loaded.schemasLoaded = true
	if _, err := controller.SaveConfiguration(context.Background(), loaded, nil); !errors.Is(err, ErrNoSchemasSelected) {
		t.Fatalf("error = %v, want ErrNoSchemasSelected", err)
	}
	if _, err := controller.SaveConfiguration(context.Background(), loaded, []string{"public", "secret"}); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("error = %v, want ErrUnknownSchema", err)
	}

	loaded.settings.OpenAIAPIKey = ""
	_, err := controller.SaveConfiguration(context.Background(), loaded, []string{"public"})
	if !errors.Is(err, ErrMissingFields) || !strings.Contains(err.Error(), "openai_api_key") {
		t.Fatalf("error = %v, want ErrMissingFields naming openai_api_key", err)
	}
	if opener.opens != 0 {
		t.Fatalf("opens = %d, want 0", opener.opens)
	}
}

func TestSaveConfigurationFailureKeepsPriorMetadata(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SHOW TABLES IN `sales`.`staging`")).
		WillReturnError(errors.New("PERMISSION_DENIED"))
	mock.ExpectClose()

	factory := &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}
	opener := &fakeOpener{dbs: []*sql.DB{db}}
	controller := newTestController(opener, factory, nil)
	st := configuredState()
	st.schemaOptions = []string{"public", "staging"}
	if _, err := controller.Ask(context.Background(), st, "count orders"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	_, err := controller.SaveConfiguration(context.Background(), st, []string{"staging"})
	if !failure.Is(err, failure.QueryFailure) {
		t.Fatalf("SaveConfiguration() error = %v, want query failure", err)
	}
	if controller.Metadata(st) != testMetadata || st.selectedSchemas[0] != "public" {
		t.Fatal("prior metadata and selection must be preserved")
	}
	if !opener.conns[0].Closed() {
		t.Fatal("connection must be closed after a failed summary")
	}
	if _, err := controller.Ask(context.Background(), st, "count orders again"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if factory.builds != 1 {
		t.Fatalf("builds = %d, want 1", factory.builds)
	}
	assertSQLMock(t, mock)
}

func TestAskWhileUnconfiguredNeverInvokesAgent(t *testing.T) {
	factory := &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}
	controller := newTestController(&fakeOpener{}, factory, nil)

	st := NewState("s-1", time.Now())
	st.settings = validSettings()
	if _, err := controller.Ask(context.Background(), st, "how many orders?"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Ask() error = %v, want ErrNotConfigured", err)
	}

	missingKey := configuredState()
	missingKey.settings.OpenAIAPIKey = ""
	if _, err := controller.Ask(context.Background(), missingKey, "how many orders?"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Ask() error = %v, want ErrNotConfigured", err)
	}

	if factory.builds != 0 || factory.agent.runs != 0 {
		t.Fatalf("builds = %d runs = %d", factory.builds, factory.agent.runs)
	}
	if len(controller.Messages(st)) != 0 || len(controller.Messages(missingKey)) != 0 {
		t.Fatal("history must stay untouched")
	}
}

func TestAskReusesAgentAcrossQuestions(t *testing.T) {
	agent := &fakeAgent{out: assistant.Output{Code: "SELECT count(*) FROM sales.public.orders"}}
	factory := &fakeFactory{agent: agent}
	recorder := &fakeRecorder{}
	controller := newTestController(&fakeOpener{}, factory, recorder)
	st := configuredState()

	for i := 0; i < 3; i++ {
		reply, err := controller.Ask(context.Background(), st, "how many orders?")
		if err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
		if !reply.SQL || reply.Content != "SELECT count(*) FROM sales.public.orders" {
			t.Fatalf("reply = %+v", reply)
		}
	}
	if factory.builds != 1 || agent.runs != 3 {
		t.Fatalf("builds = %d runs = %d, want 1 and 3", factory.builds, agent.runs)
	}
	if spec := factory.specs[0]; spec.Model != assistant.ModelGPT41Mini || spec.APIKey != "sk-test" || !strings.HasSuffix(spec.SystemPrompt, testMetadata) {
		t.Fatalf("spec = %+v", spec)
	}
	if !strings.Contains(agent.prompts[0], "how many orders?") {
		t.Fatalf("prompt = %q", agent.prompts[0])
	}

	messages := controller.Messages(st)
	if len(messages) != 6 {
		t.Fatalf("messages = %d, want 6", len(messages))
	}
	for i, msg := range messages {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if msg.Role != want {
			t.Fatalf("messages[%d].Role = %q, want %q", i, msg.Role, want)
		}
	}
	if len(recorder.turns) != 3 || recorder.turns[0].Outcome != history.OutcomeSQL || recorder.turns[0].SessionID != "s-1" {
		t.Fatalf("turns = %+v", recorder.turns)
	}
}

func TestModelOrMetadataChangeRebuildsAgentOnce(t *testing.T) {
	factory := &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}
	controller := newTestController(&fakeOpener{}, factory, nil)
	st := configuredState()

	ask := func() {
		t.Helper()
		if _, err := controller.Ask(context.Background(), st, "q"); err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
	}

	ask()
	settings := validSettings()
	settings.ModelChoice = assistant.ModelGPT4oMini
	if err := controller.Configure(st, settings); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	ask()
	ask()
	if factory.builds != 2 || factory.specs[1].Model != assistant.ModelGPT4oMini {
		t.Fatalf("builds = %d after model change, want 2", factory.builds)
	}

	st.metadata = testMetadata + "  Table: refunds\n"
	ask()
	ask()
	if factory.builds != 3 {
		t.Fatalf("builds = %d after metadata change, want 3", factory.builds)
	}
}

func TestAskAgentFailureAppendsErrorReply(t *testing.T) {
	agent := &fakeAgent{err: failure.Wrap(failure.AgentFailure, "generate chat completion", errors.New("rate limited"))}
	recorder := &fakeRecorder{}
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: agent}, recorder)
	st := configuredState()

	reply, err := controller.Ask(context.Background(), st, "top customers")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.SQL || !reply.Failed || !strings.HasPrefix(reply.Content, "Error generating response: ") {
		t.Fatalf("reply = %+v", reply)
	}
	if messages := controller.Messages(st); len(messages) != 2 || messages[1].Role != RoleAssistant {
		t.Fatalf("messages = %+v", messages)
	}
	if recorder.turns[0].Outcome != history.OutcomeError {
		t.Fatalf("outcome = %q", recorder.turns[0].Outcome)
	}
}

func TestAskAgentBuildFailureAppendsErrorReply(t *testing.T) {
	factory := &fakeFactory{err: failure.New(failure.AgentFailure, "openai api key is required")}
	controller := newTestController(&fakeOpener{}, factory, nil)
	st := configuredState()

	reply, err := controller.Ask(context.Background(), st, "top customers")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !reply.Failed || !strings.Contains(reply.Content, "openai api key is required") {
		t.Fatalf("reply = %+v", reply)
	}
	if st.agent != nil {
		t.Fatal("failed build must not cache an agent")
	}
}

func TestAskWithoutCodeAppendsFallback(t *testing.T) {
	recorder := &fakeRecorder{}
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: &fakeAgent{}}, recorder)
	st := configuredState()

	reply, err := controller.Ask(context.Background(), st, "what is the meaning of life?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if reply.Content != fallbackReply || reply.SQL {
		t.Fatalf("reply = %+v", reply)
	}
	if recorder.turns[0].Outcome != history.OutcomeEmpty {
		t.Fatalf("outcome = %q", recorder.turns[0].Outcome)
	}
}

func TestAskRecorderErrorDoesNotFailTurn(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("database is down")}
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}, recorder)
	st := configuredState()

	if _, err := controller.Ask(context.Background(), st, "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(controller.Messages(st)) != 2 {
		t.Fatal("turn must complete when recording fails")
	}
}

func TestConfigureConnectionChangeDropsLoadedState(t *testing.T) {
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}, nil)
	st := configuredState()
	if _, err := controller.Ask(context.Background(), st, "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	settings := validSettings()
	settings.DatabricksHost = "dbc-other.cloud.databricks.com"
	if err := controller.Configure(st, settings); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	snapshot := controller.Snapshot(st)
	if snapshot.Stage != StageReadyToLoadSchemas || snapshot.HasMetadata || snapshot.SchemasLoaded || len(snapshot.SelectedSchemas) != 0 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if st.agent != nil {
		t.Fatal("agent must be dropped")
	}
	if len(controller.Messages(st)) != 2 {
		t.Fatal("history survives reconfiguration")
	}
}

func TestConfigureRejectsUnsupportedModel(t *testing.T) {
	controller := newTestController(&fakeOpener{}, &fakeFactory{}, nil)
	st := configuredState()

	settings := validSettings()
	settings.ModelChoice = "openai:gpt-3"
	if err := controller.Configure(st, settings); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("Configure() error = %v, want ErrUnsupportedModel", err)
	}
	if controller.Settings(st).ModelChoice != assistant.ModelGPT41Mini {
		t.Fatal("settings must be unchanged")
	}

	settings.ModelChoice = ""
	if err := controller.Configure(st, settings); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if controller.Settings(st).ModelChoice != assistant.DefaultModel {
		t.Fatalf("ModelChoice = %q", controller.Settings(st).ModelChoice)
	}
}

func TestUpdateSettingsKeepsAgentWhenOnlyModelChanges(t *testing.T) {
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}, nil)
	st := configuredState()
	if _, err := controller.Ask(context.Background(), st, "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	err := controller.UpdateSettings(st, func(current Settings) Settings {
		current.ModelChoice = assistant.ModelGPT4oMini
		return current
	})
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	settings := controller.Settings(st)
	if settings.ModelChoice != assistant.ModelGPT4oMini || settings.DatabricksToken != "dapi-token" {
		t.Fatalf("settings = %+v", settings)
	}
	if got := controller.Snapshot(st).Stage; got != StageConfigured {
		t.Fatalf("Stage = %q", got)
	}
	if controller.Metadata(st) != testMetadata {
		t.Fatal("metadata must survive a model change")
	}
}

func TestSnapshotMasksSecrets(t *testing.T) {
	controller := newTestController(&fakeOpener{}, &fakeFactory{}, nil)
	st := configuredState()
	st.settings.DatabricksToken = "dapi0123456789abcdef"

	snapshot := controller.Snapshot(st)
	if snapshot.Settings.DatabricksToken != "dapi********" || snapshot.Settings.OpenAIAPIKey != "********" {
		t.Fatalf("settings = %+v", snapshot.Settings)
	}
	if len(snapshot.Warnings) != 0 {
		t.Fatalf("Warnings = %v", snapshot.Warnings)
	}
}

func TestClearHistory(t *testing.T) {
	controller := newTestController(&fakeOpener{}, &fakeFactory{agent: &fakeAgent{out: assistant.Output{Code: "SELECT 1"}}}, nil)
	st := configuredState()
	if _, err := controller.Ask(context.Background(), st, "q"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	controller.ClearHistory(st)
	if len(controller.Messages(st)) != 0 {
		t.Fatal("history should be empty")
	}
	if got := controller.Snapshot(st).Stage; got != StageConfigured {
		t.Fatalf("Stage = %q", got)
	}
}

const testMetadata = "Schemas and tables in catalog: sales\n\nSchema: public\n  Table: orders\n    - id (bigint) — order id\n"

func validSettings() Settings {
	return Settings{
		OpenAIAPIKey:    "sk-test",
		DatabricksHost:  "dbc-1234.cloud.databricks.com",
		HTTPPath:        "/sql/1.0/warehouses/abc",
		DatabricksToken: "dapi-token",
		CatalogName:     "sales",
		ModelChoice:     assistant.ModelGPT41Mini,
	}
}

func configuredState() *State {
	st := NewState("s-1", time.Now())
	st.settings = validSettings()
	st.schemaOptions = []string{"public"}
	st.schemasLoaded = true
	st.selectedSchemas = []string{"public"}
	st.metadata = testMetadata
	return st
}

func newTestController(opener *fakeOpener, factory *fakeFactory, recorder *fakeRecorder) *Controller {
	controller := &Controller{
		Opener: opener,
		Agents: factory,
		Config: ControllerConfig{SchemaWarnThreshold: 5},
	}
	if recorder != nil {
		controller.Recorder = recorder
	}
	return controller
}

type fakeOpener struct {
	dbs   []*sql.DB
	err   error
	opens int
	conns []*warehouse.Connection
}

func (o *fakeOpener) Open(context.Context, warehouse.Credentials) (*warehouse.Connection, error) {
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	if len(o.dbs) == 0 {
		return nil, failure.New(failure.ConnectionFailure, "no fixture connection left")
	}
	conn := warehouse.NewConnection(o.dbs[0])
	o.dbs = o.dbs[1:]
	o.conns = append(o.conns, conn)
	return conn, nil
}

type fakeFactory struct {
	agent  *fakeAgent
	err    error
	builds int
	specs  []assistant.AgentSpec
}

func (f *fakeFactory) NewAgent(spec assistant.AgentSpec) (assistant.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.builds++
	f.specs = append(f.specs, spec)
	return f.agent, nil
}

type fakeAgent struct {
	out     assistant.Output
	err     error
	runs    int
	prompts []string
}

func (a *fakeAgent) Run(_ context.Context, prompt string) (assistant.Output, error) {
	a.runs++
	a.prompts = append(a.prompts, prompt)
	if a.err != nil {
		return assistant.Output{}, a.err
	}
	return a.out, nil
}

type fakeRecorder struct {
	turns []history.Turn
	err   error
}

func (r *fakeRecorder) RecordTurn(_ context.Context, turn history.Turn) (history.Turn, error) {
	if r.err != nil {
		return history.Turn{}, r.err
	}
	turn.ID = int64(len(r.turns) + 1)
	r.turns = append(r.turns, turn)
	return turn, nil
}

type fakeCounter int

func (c fakeCounter) Count(string) int { return int(c) }

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
