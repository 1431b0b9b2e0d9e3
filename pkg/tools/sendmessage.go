package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageSender delivers text to a chat on a named channel.
type MessageSender interface {
	DeliverAndStore(ctx context.Context, channel, chatID, text string) error
}

type sendMessageInput struct {
	ChatID  string `json:"chat_id"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// SendMessageDefinition builds the built-in send_message tool. It lets the
// agent push a message to another chat, gated by the control chat policy.
func SendMessageDefinition(sender MessageSender, defaultChannel string) Definition {
	return Definition{
		Name:        "send_message",
		Description: "Send a message to a chat. Omit chat_id to message the current chat.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"chat_id": map[string]interface{}{
					"type":        "string",
					"description": "Target chat id. Defaults to the current chat.",
				},
				"channel": map[string]interface{}{
					"type":        "string",
					"description": "Target channel name. Defaults to the configured default channel.",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "Text to send.",
				},
			},
			"required": []interface{}{"message"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (string, error) {
			var in sendMessageInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "", fmt.Errorf("invalid send_message input: %w", err)
			}
			chatID := in.ChatID
			if chatID == "" {
				chatID = auth.CallerChatID
			}
			if !auth.CanActOn(chatID) {
				return "", fmt.Errorf("not allowed to send to chat %s from this chat", chatID)
			}
			channel := in.Channel
			if channel == "" {
				channel = defaultChannel
			}
			if err := sender.DeliverAndStore(ctx, channel, chatID, in.Message); err != nil {
				return "", err
			}
			return fmt.Sprintf("message sent to chat %s", chatID), nil
		},
	}
}
