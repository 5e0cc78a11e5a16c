package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
)

type LangChainConfig struct {
	BaseURL     string
	Temperature float64
	Timeout     time.Duration
}

// LangChainFactory builds agents backed by an OpenAI-compatible chat model.
type LangChainFactory struct {
	cfg      LangChainConfig
	newModel func(cfg LangChainConfig, model, apiKey string) (llms.Model, error)
}

func NewLangChainFactory(cfg LangChainConfig) *LangChainFactory {
	return &LangChainFactory{cfg: cfg, newModel: newOpenAIModel}
}

func (f *LangChainFactory) NewAgent(spec AgentSpec) (Agent, error) {
	if strings.TrimSpace(spec.APIKey) == "" {
		return nil, failure.New(failure.AgentFailure, "openai api key is required")
	}
	if strings.TrimSpace(spec.SystemPrompt) == "" {
		return nil, failure.New(failure.AgentFailure, "system prompt is required")
	}
	provider, name := SplitModel(spec.Model)
	if provider != "openai" || name == "" {
		return nil, failure.New(failure.AgentFailure, fmt.Sprintf("unsupported model %q", spec.Model))
	}
	llm, err := f.newModel(f.cfg, name, strings.TrimSpace(spec.APIKey))
	if err != nil {
		return nil, failure.Wrap(failure.AgentFailure, "create chat model", err)
	}
	return &chatAgent{
		llm:          llm,
		systemPrompt: spec.SystemPrompt,
		temperature:  f.cfg.Temperature,
		timeout:      f.cfg.Timeout,
	}, nil
}

func newOpenAIModel(cfg LangChainConfig, model, apiKey string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return openai.New(opts...)
}

type chatAgent struct {
	llm          llms.Model
	systemPrompt string
	temperature  float64
	timeout      time.Duration
}

func (a *chatAgent) Run(ctx context.Context, prompt string) (Output, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, a.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := a.llm.GenerateContent(ctx, messages, llms.WithTemperature(a.temperature))
	if err != nil {
		return Output{}, failure.Wrap(failure.AgentFailure, "generate chat completion", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return Output{}, failure.New(failure.AgentFailure, "model returned no choices")
	}
	return Output{Code: extractSQL(resp.Choices[0].Content)}, nil
}
