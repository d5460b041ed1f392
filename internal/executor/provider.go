package executor

import (
	"context"
	"fmt"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/llm"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/tools"
	"github.com/joescharf/astrid/internal/worker"
)

// Task is what a provider needs to start working on a session.
type Task struct {
	Session  models.Session
	Prompt   string
	System   string
	WorkDir  string
	Branch   string
	MaxTurns int
}

// Step is the outcome of one provider turn.
type Step struct {
	Text      string
	ToolCalls []llm.ToolCall
	Usage     models.Usage

	// Pending means the provider is still working and must not be nudged.
	Pending bool
	// Completion is set when the provider itself reports the task done.
	Completion *tools.Completion

	RemoteSessionID string
	FilesModified   []string
	PRURL           string
}

// Provider is one agent backend.
type Provider interface {
	Name() models.Provider
	Label() string
	Model() string
	Open(ctx context.Context, task Task) (Run, error)
}

// Run is a provider's per-session state.
type Run interface {
	Step(ctx context.Context, conv *llm.Conversation, deadline clock.Deadline) (Step, error)
	Close()
}

// hostedProvider drives a chat-completion API; tools run locally.
type hostedProvider struct {
	name   models.Provider
	label  string
	client llm.Client
}

func (p *hostedProvider) Name() models.Provider { return p.name }
func (p *hostedProvider) Label() string          { return p.label }
func (p *hostedProvider) Model() string          { return p.client.Model() }

func (p *hostedProvider) Open(context.Context, Task) (Run, error) {
	return hostedRun{client: p.client}, nil
}

type hostedRun struct {
	client llm.Client
}

func (r hostedRun) Step(ctx context.Context, conv *llm.Conversation, _ clock.Deadline) (Step, error) {
	resp, err := r.client.Complete(ctx, conv)
	if err != nil {
		return Step{}, err
	}
	return Step{Text: resp.Text, ToolCalls: resp.ToolCalls, Usage: resp.Usage}, nil
}

func (hostedRun) Close() {}

// NewClaude returns an executor backed by the Anthropic API.
func NewClaude(client llm.Client, cfg Config, deps Deps) *Executor {
	return New(&hostedProvider{name: models.ProviderClaude, label: "Claude", client: client}, cfg, deps)
}

// NewOpenAI returns an executor backed by the OpenAI API.
func NewOpenAI(client llm.Client, cfg Config, deps Deps) *Executor {
	return New(&hostedProvider{name: models.ProviderOpenAI, label: "OpenAI", client: client}, cfg, deps)
}

// NewGemini returns an executor backed by the Gemini API.
func NewGemini(client llm.Client, cfg Config, deps Deps) *Executor {
	return New(&hostedProvider{name: models.ProviderGemini, label: "Gemini", client: client}, cfg, deps)
}

// ForProvider builds the executor for p from process configuration. The
// remote executor shares deps.Worker when set.
func ForProvider(cfg config.Config, deps Deps, p models.Provider) (*Executor, error) {
	pc := cfg.Provider(p)
	ecfg := Config{
		MaxTurns:       pc.MaxTurns,
		Timeout:        pc.Timeout,
		CommandTimeout: cfg.CommandTimeout,
	}

	switch p {
	case models.ProviderClaude:
		var opts []anthropicoption.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(pc.BaseURL))
		}
		return NewClaude(llm.NewAnthropicClient(pc.APIKey, pc.Model, opts...), ecfg, deps), nil
	case models.ProviderOpenAI:
		var opts []openaioption.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(pc.BaseURL))
		}
		return NewOpenAI(llm.NewOpenAIClient(pc.APIKey, pc.Model, opts...), ecfg, deps), nil
	case models.ProviderGemini:
		return NewGemini(llm.NewGeminiClient(pc.APIKey, pc.Model, pc.BaseURL), ecfg, deps), nil
	case models.ProviderRemote:
		client := deps.Worker
		if client == nil {
			client = worker.New(worker.Config{
				URL:            cfg.Worker.URL,
				Token:          cfg.Worker.Token,
				CallTimeout:    cfg.Worker.CallTimeout,
				ConnectTimeout: cfg.Worker.ConnectTimeout,
			}, worker.WithLogger(deps.Logger))
		}
		return NewRemote(client, cfg.Worker.PollInterval, ecfg, deps), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}
