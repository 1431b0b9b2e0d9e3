package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles. The messages API only ever sees user and assistant; system
// text travels out of band in the request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Normalized stop reasons across providers.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)

// Message is one conversation turn. Content marshals as a bare JSON string
// for plain text and as a block array otherwise, so persisted sessions keep
// the wire shape.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content holds either plain text or an ordered list of blocks. Blocks being
// non-nil marks the block form, even when empty.
type Content struct {
	Text   string
	Blocks []Block
}

// IsBlocks reports whether the content is in block form.
func (c Content) IsBlocks() bool {
	return c.Blocks != nil
}

// MarshalJSON encodes plain text as a JSON string and blocks as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or a block array.
func (c *Content) UnmarshalJSON(data []byte) error {
	c.Text = ""
	c.Blocks = nil
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '"':
			return json.Unmarshal(data, &c.Text)
		case '[':
			c.Blocks = []Block{}
			return json.Unmarshal(data, &c.Blocks)
		default:
			return fmt.Errorf("content must be a string or a block array")
		}
	}
	return fmt.Errorf("content must be a string or a block array")
}

// Block is a single content block within a message.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource is a base64-encoded inline image.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: Content{Text: text}}
}

// BlocksMessage builds a block-form message.
func BlocksMessage(role string, blocks []Block) Message {
	return Message{Role: role, Content: Content{Blocks: blocks}}
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ImageBlock builds a base64 image block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model     string
	System    string
	MaxTokens int64
	Messages  []Message
	Tools     []ToolDefinition
}

// Response is a provider-neutral chat completion result.
type Response struct {
	Content      []Block
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// JoinedText concatenates the text blocks of the response.
func (r *Response) JoinedText() string {
	out := ""
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *Response) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream behaves like Complete but invokes onDelta with each text
	// fragment as it arrives.
	Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error)
}
