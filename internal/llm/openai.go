package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultOpenAIModel = "gpt-4.1"

// OpenAIClient wraps the OpenAI Chat Completions API with function tools.
type OpenAIClient struct {
	api       openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIClient creates a client with the given API key and model.
func NewOpenAIClient(apiKey, model string, opts ...option.RequestOption) *OpenAIClient {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIClient{
		api:       openai.NewClient(opts...),
		model:     model,
		maxTokens: DefaultMaxTokens,
	}
}

func (c *OpenAIClient) Name() string  { return "openai" }
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends the conversation and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, conv *Conversation) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            openaiMessages(conv),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}
	if len(conv.Tools) > 0 {
		params.Tools = openaiTools(conv)
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, apiError(c.Name(), err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return Response{}, apiError(c.Name(), errors.New("no choices in response"))
	}

	choice := completion.Choices[0]
	resp := Response{
		Text: choice.Message.Content,
		Stop: openaiStop(choice.FinishReason),
	}
	resp.Usage.InputTokens = completion.Usage.PromptTokens
	resp.Usage.OutputTokens = completion.Usage.CompletionTokens
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeArgs([]byte(tc.Function.Arguments)),
		})
	}
	return resp, nil
}

func openaiTools(conv *Conversation) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(conv.Tools))
	for _, d := range conv.Tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.Schema()),
			},
		})
	}
	return out
}

func openaiMessages(conv *Conversation) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if conv.System != "" {
		out = append(out, openai.SystemMessage(conv.System))
	}
	for _, m := range conv.Messages {
		switch m.Role {
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Text != "" {
				asst.Content.OfString = openai.String(m.Text)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: encodeArgs(tc.Input),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			for _, tr := range m.ToolResults {
				content := tr.Content
				if tr.IsError && content == "" {
					content = "Error"
				}
				out = append(out, openai.ToolMessage(content, tr.CallID))
			}
			if m.Text != "" {
				out = append(out, openai.UserMessage(m.Text))
			}
		}
	}
	return out
}

func openaiStop(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopOther
	}
}
