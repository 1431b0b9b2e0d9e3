package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic implements Provider on the Anthropic messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Name returns the provider name.
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Complete makes a blocking messages API call.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return fromAnthropicMessage(msg), nil
}

// Stream makes a streaming messages API call, forwarding text deltas.
func (p *Anthropic) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate stream event: %w", err)
		}
		if onDelta == nil || event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type == "text_delta" && delta.Text != "" {
			onDelta(delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return fromAnthropicMessage(&acc), nil
}

func (p *Anthropic) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: anthropicBlocks(m.Content),
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				},
			}
			if required, ok := tool.InputSchema["required"].([]interface{}); ok {
				names := make([]string, 0, len(required))
				for _, r := range required {
					if s, ok := r.(string); ok {
						names = append(names, s)
					}
				}
				toolParam.InputSchema.Required = names
			} else if required, ok := tool.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}
	return params
}

func anthropicBlocks(c Content) []anthropic.ContentBlockParamUnion {
	if !c.IsBlocks() {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(c.Text)}
	}
	out := make([]anthropic.ContentBlockParamUnion, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockText:
			out = append(out, anthropic.NewTextBlock(b.Text))
		case BlockImage:
			if b.Source != nil {
				out = append(out, anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data))
			}
		case BlockToolUse:
			var input interface{}
			if len(b.Input) > 0 {
				_ = json.Unmarshal(b.Input, &input)
			}
			out = append(out, anthropic.NewToolUseBlock(b.ID, input, b.Name))
		case BlockToolResult:
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, TextBlock(b.Text))
		case anthropic.ToolUseBlock:
			resp.Content = append(resp.Content, ToolUseBlock(b.ID, b.Name, json.RawMessage(b.JSON.Input.Raw())))
		}
	}
	return resp
}
