package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultClaudeModel = "claude-sonnet-4-5"

// AnthropicClient wraps the Anthropic Messages API.
type AnthropicClient struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient creates a client with the given API key and model.
// Extra request options (base URL, retries) are passed through to the SDK.
func NewAnthropicClient(apiKey, model string, opts ...option.RequestOption) *AnthropicClient {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	if model == "" {
		model = DefaultClaudeModel
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: DefaultMaxTokens,
	}
}

func (c *AnthropicClient) Name() string  { return "anthropic" }
func (c *AnthropicClient) Model() string { return string(c.model) }

// Complete sends the conversation and returns the model's reply.
func (c *AnthropicClient) Complete(ctx context.Context, conv *Conversation) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  anthropicMessages(conv.Messages),
		Tools:     anthropicTools(conv),
	}
	if conv.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: conv.System}}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return Response{}, apiError(c.Name(), err)
	}
	if msg == nil {
		return Response{}, apiError(c.Name(), errors.New("empty response"))
	}

	resp := Response{Stop: anthropicStop(msg.StopReason)}
	resp.Usage.InputTokens = msg.Usage.InputTokens
	resp.Usage.OutputTokens = msg.Usage.OutputTokens
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    tu.ID,
				Name:  tu.Name,
				Input: decodeArgs(tu.Input),
			})
		}
	}
	return resp, nil
}

func anthropicTools(conv *Conversation) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, d := range conv.Tools {
		schema := d.Schema()
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   d.Required,
			},
		}})
	}
	return out
}

func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, tc := range m.ToolCalls {
			input := tc.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func anthropicStop(r anthropic.StopReason) StopReason {
	switch r {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return StopEndTurn
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopOther
	}
}
