// Package assistant turns a catalog metadata summary and a user question into
// generated SQL using a hosted chat model.
package assistant

import (
	"context"
	"fmt"
	"strings"
)

const (
	ModelGPT41Mini = "openai:gpt-4.1-mini"
	ModelGPT4oMini = "openai:gpt-4o-mini"

	DefaultModel = ModelGPT41Mini
)

var supportedModels = []string{ModelGPT41Mini, ModelGPT4oMini}

// Models returns the model choices a session may select, in display order.
func Models() []string {
	out := make([]string, len(supportedModels))
	copy(out, supportedModels)
	return out
}

func IsSupportedModel(model string) bool {
	for _, candidate := range supportedModels {
		if candidate == model {
			return true
		}
	}
	return false
}

// SplitModel separates a "provider:name" choice. A bare name is treated as an
// OpenAI model.
func SplitModel(model string) (provider, name string) {
	provider, name, found := strings.Cut(strings.TrimSpace(model), ":")
	if !found {
		return "openai", provider
	}
	return provider, name
}

// Output is the result of one agent run. Code is empty when the model did not
// produce a SQL statement.
type Output struct {
	Code string
}

type Agent interface {
	Run(ctx context.Context, prompt string) (Output, error)
}

// AgentSpec is everything an agent is bound to at construction time.
type AgentSpec struct {
	SystemPrompt string
	Model        string
	APIKey       string
}

type Factory interface {
	NewAgent(spec AgentSpec) (Agent, error)
}

const systemPromptTemplate = `You are a SQL assistant for a Databricks SQL warehouse.
You write Databricks SQL (Spark SQL dialect) that answers the user's question using only the catalog metadata below.

Rules:
- Use only schemas, tables and columns that appear in the metadata.
- Always reference tables with their fully qualified name: catalog.schema.table.
- Prefer explicit column lists over SELECT *.
- Add LIMIT 200 unless the user asks for a different row count or an aggregate.
- Return exactly one SQL statement inside a single ` + "```sql" + ` code block and nothing else.
- If the question cannot be answered from the metadata, do not write SQL; reply with a one-sentence explanation instead.

Catalog metadata:
%s`

const assistantPromptTemplate = `Write a SQL query for the following question.

Question: %s`

// SystemPrompt embeds the metadata summary into the agent's instructions.
func SystemPrompt(summary string) string {
	return fmt.Sprintf(systemPromptTemplate, summary)
}

func AssistantPrompt(question string) string {
	return fmt.Sprintf(assistantPromptTemplate, strings.TrimSpace(question))
}

// extractSQL pulls the statement out of a model reply. A fenced block wins
// when it is untagged or tagged sql; a fence in another language yields "".
// Without a fence the whole reply is used only when it reads like a statement.
func extractSQL(reply string) string {
	trimmed := strings.TrimSpace(reply)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		if looksLikeStatement(trimmed) {
			return trimmed
		}
		return ""
	}
	body := trimmed[start+3:]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		lang := strings.TrimSpace(body[:newline])
		switch {
		case lang == "" || strings.EqualFold(lang, "sql"):
			return strings.TrimSpace(body[newline+1:])
		case looksLikeStatement(lang):
			return strings.TrimSpace(body)
		default:
			return ""
		}
	}

	// Single-line fence: an optional sql tag, then the statement itself.
	body = strings.TrimSpace(body)
	if fields := strings.Fields(body); len(fields) > 1 && strings.EqualFold(fields[0], "sql") {
		body = strings.TrimSpace(body[len(fields[0]):])
	}
	if !looksLikeStatement(body) {
		return ""
	}
	return body
}

var statementKeywords = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN"}

func looksLikeStatement(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToUpper(fields[0])
	for _, keyword := range statementKeywords {
		if first == keyword {
			return true
		}
	}
	return false
}
