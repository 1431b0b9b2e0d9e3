package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Provider on the chat completions API. Any
// OpenAI-compatible endpoint works through the base URL override.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

// Name returns the provider name.
func (p *OpenAI) Name() string {
	return "openai"
}

// Complete makes a blocking chat completion call.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}
	choice := completion.Choices[0]

	resp := &Response{
		StopReason:   openaiStopReason(string(choice.FinishReason)),
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return resp, nil
}

// Stream makes a streaming chat completion call, forwarding text deltas.
func (p *OpenAI) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta == nil || len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in stream")
	}
	choice := acc.Choices[0]

	resp := &Response{
		StopReason:   openaiStopReason(string(choice.FinishReason)),
		InputTokens:  acc.Usage.PromptTokens,
		OutputTokens: acc.Usage.CompletionTokens,
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return resp, nil
}

func (p *OpenAI) params(req Request) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		converted, err := openaiMessages(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, converted...)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

// openaiMessages converts one neutral message to chat completion form. A
// block message can expand into several entries: tool results become tool
// role messages, tool uses become assistant tool calls. Inline images have
// no equivalent here and degrade to a placeholder.
func openaiMessages(m Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	if !m.Content.IsBlocks() {
		if m.Role == RoleAssistant {
			return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(m.Content.Text)}, nil
		}
		return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(m.Content.Text)}, nil
	}

	var out []openai.ChatCompletionMessageParamUnion
	text := ""
	var toolCalls []openai.ChatCompletionMessageToolCall
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case BlockText:
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case BlockImage:
			if text != "" {
				text += "\n"
			}
			text += "[image]"
		case BlockToolUse:
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
				ID:   b.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case BlockToolResult:
			out = append(out, openai.ToolMessage(b.Content, b.ToolUseID))
		}
	}

	if len(toolCalls) > 0 {
		assistantMsg := openai.ChatCompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		}
		out = append(out, assistantMsg.ToParam())
	} else if text != "" || len(out) == 0 {
		if m.Role == RoleAssistant {
			out = append(out, openai.AssistantMessage(text))
		} else {
			out = append(out, openai.UserMessage(text))
		}
	}
	return out, nil
}

func openaiStopReason(finish string) string {
	switch finish {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return finish
	}
}
