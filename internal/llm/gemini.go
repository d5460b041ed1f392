package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-pro"

// GeminiClient wraps the Gemini API. The SDK client needs a context to be
// built, so it is created on first use.
type GeminiClient struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int32

	once    sync.Once
	api     *genai.Client
	initErr error
}

// NewGeminiClient creates a client with the given API key and model. A
// non-empty baseURL overrides the API endpoint.
func NewGeminiClient(apiKey, model, baseURL string) *GeminiClient {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL, maxTokens: DefaultMaxTokens}
}

func (c *GeminiClient) Name() string  { return "gemini" }
func (c *GeminiClient) Model() string { return c.model }

func (c *GeminiClient) client(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		cfg := &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI}
		if c.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
		}
		c.api, c.initErr = genai.NewClient(ctx, cfg)
	})
	return c.api, c.initErr
}

// Complete sends the conversation and returns the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, conv *Conversation) (Response, error) {
	api, err := c.client(ctx)
	if err != nil {
		return Response{}, apiError(c.Name(), fmt.Errorf("create client: %w", err))
	}

	config := &genai.GenerateContentConfig{MaxOutputTokens: c.maxTokens}
	if conv.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: conv.System}}}
	}
	if len(conv.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: geminiTools(conv)}}
	}

	result, err := api.Models.GenerateContent(ctx, c.model, geminiContents(conv.Messages), config)
	if err != nil {
		return Response{}, apiError(c.Name(), err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return Response{}, apiError(c.Name(), errors.New("no candidates in response"))
	}

	resp := Response{Text: result.Text(), Stop: StopEndTurn}
	if u := result.UsageMetadata; u != nil {
		resp.Usage.InputTokens = int64(u.PromptTokenCount)
		resp.Usage.OutputTokens = int64(u.CandidatesTokenCount)
	}
	for _, fc := range result.FunctionCalls() {
		id := fc.ID
		if id == "" {
			// Gemini may omit ids; responses are matched by name.
			id = fc.Name
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: fc.Name, Input: fc.Args})
	}
	if len(resp.ToolCalls) > 0 {
		resp.Stop = StopToolUse
	} else if result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		resp.Stop = StopMaxTokens
	}
	return resp, nil
}

func geminiTools(conv *Conversation) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(conv.Tools))
	for _, d := range conv.Tools {
		props := make(map[string]*genai.Schema, len(d.Properties))
		for name, p := range d.Properties {
			props[name] = &genai.Schema{Type: geminiType(p.Type), Description: p.Description}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   d.Required,
			},
		})
	}
	return decls
}

func geminiType(t string) genai.Type {
	switch t {
	case "boolean":
		return genai.TypeBoolean
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	default:
		return genai.TypeString
	}
}

func geminiContents(msgs []Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: geminiID(tc.ID, tc.Name), Name: tc.Name, Args: tc.Input}})
		}
		for _, tr := range m.ToolResults {
			name := tr.Name
			if name == "" {
				name = tr.CallID
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:   geminiID(tr.CallID, name),
				Name: name,
				Response: map[string]any{
					"content":  tr.Content,
					"is_error": tr.IsError,
				},
			}})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

// geminiID drops ids synthesized from the function name.
func geminiID(id, name string) string {
	if id == name {
		return ""
	}
	return id
}
