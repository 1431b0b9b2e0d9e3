package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parley-bot/parley/pkg/llm"
	"github.com/parley-bot/parley/pkg/store"
	"github.com/parley-bot/parley/pkg/textutil"
)

// maxTranscriptBytes caps the text handed to the summarizer during
// compaction.
const maxTranscriptBytes = 20000

// toolResultRenderBytes caps rendered tool results in transcripts.
const toolResultRenderBytes = 200

const summarizerSystem = "You are a helpful summarizer."

const summarizePrompt = "Summarize the following conversation concisely, preserving key facts, decisions, tool results, and context needed to continue the conversation. Be brief but thorough."

const compactionAck = "Understood, I have the conversation context. How can I help?"

// sanitizeXML escapes the XML metacharacters of untrusted text. Ampersand
// goes first so escapes are not double escaped.
func sanitizeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

// formatUserMessage wraps a stored user message in the tagged envelope the
// system prompt declares as untrusted input.
func formatUserMessage(sender, content string) string {
	return fmt.Sprintf(`<user_message sender="%s">%s</user_message>`, sanitizeXML(sender), sanitizeXML(content))
}

// guessImageMediaType sniffs common image formats by magic bytes.
func guessImageMediaType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF8")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// stripThinking removes <think>...</think> spans. An unterminated tag strips
// everything after it. The result is trimmed.
func stripThinking(text string) string {
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, "<think>")
		if start < 0 {
			break
		}
		out.WriteString(rest[:start])
		end := strings.Index(rest[start:], "</think>")
		if end < 0 {
			rest = ""
			break
		}
		rest = rest[start+end+len("</think>"):]
	}
	out.WriteString(rest)
	return strings.TrimSpace(out.String())
}

// messageText flattens a message to plain text for transcripts and archives.
// Tool results are clipped so a single giant result cannot dominate.
func messageText(m llm.Message) string {
	if !m.Content.IsBlocks() {
		return m.Content.Text
	}
	parts := make([]string, 0, len(m.Content.Blocks))
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, b.Text)
		case llm.BlockToolUse:
			parts = append(parts, fmt.Sprintf("[tool_use: %s(%s)]", b.Name, string(b.Input)))
		case llm.BlockToolResult:
			prefix := "[tool_result]: "
			if b.IsError {
				prefix = "[tool_error]: "
			}
			parts = append(parts, prefix+textutil.Truncate(b.Content, toolResultRenderBytes, "..."))
		case llm.BlockImage:
			parts = append(parts, "[image]")
		}
	}
	return strings.Join(parts, "\n")
}

// stripImagesForSession replaces image blocks with a text placeholder so
// base64 payloads never reach durable session state.
func stripImagesForSession(messages []llm.Message) {
	for i := range messages {
		if !messages[i].Content.IsBlocks() {
			continue
		}
		blocks := messages[i].Content.Blocks
		for j := range blocks {
			if blocks[j].Type == llm.BlockImage {
				blocks[j] = llm.TextBlock("[image was sent]")
			}
		}
	}
}

// historyToMessages converts stored chat rows to session messages. User rows
// are wrapped and escaped, consecutive same-role text messages merge with a
// newline, and the result neither starts nor ends with an assistant message.
func historyToMessages(history []store.Message) []llm.Message {
	var messages []llm.Message
	for _, row := range history {
		role := llm.RoleUser
		content := formatUserMessage(row.SenderName, row.Content)
		if row.IsFromBot {
			role = llm.RoleAssistant
			content = row.Content
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role && !messages[n-1].Content.IsBlocks() {
			messages[n-1].Content.Text += "\n" + content
			continue
		}
		messages = append(messages, llm.TextMessage(role, content))
	}

	// The messages API requires the conversation to end on a user turn.
	if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleAssistant {
		messages = messages[:n-1]
	}
	for len(messages) > 0 && messages[0].Role == llm.RoleAssistant {
		messages = messages[1:]
	}
	return messages
}

// mergeNewUserMessages folds user rows newer than the session save into the
// session, joining onto a trailing user text message when there is one.
func mergeNewUserMessages(messages []llm.Message, rows []store.Message) []llm.Message {
	for _, row := range rows {
		content := formatUserMessage(row.SenderName, row.Content)
		if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser && !messages[n-1].Content.IsBlocks() {
			messages[n-1].Content.Text += "\n" + content
			continue
		}
		messages = append(messages, llm.TextMessage(llm.RoleUser, content))
	}
	return messages
}

// attachImage converts the trailing user message to block form carrying the
// image first and the original text after it.
func attachImage(messages []llm.Message, mediaType, base64Data string) {
	n := len(messages)
	if n == 0 || messages[n-1].Role != llm.RoleUser {
		return
	}
	text := ""
	if !messages[n-1].Content.IsBlocks() {
		text = messages[n-1].Content.Text
	}
	blocks := []llm.Block{llm.ImageBlock(mediaType, base64Data)}
	if text != "" {
		blocks = append(blocks, llm.TextBlock(text))
	}
	messages[n-1].Content = llm.Content{Blocks: blocks}
}

// compact folds everything but the recent tail into an LLM written summary.
// On any summarization failure the recent tail is returned unchanged; losing
// old context beats failing the turn.
func (e *Engine) compact(ctx context.Context, messages []llm.Message) []llm.Message {
	keepRecent := e.cfg.CompactKeepRecent
	if len(messages) <= keepRecent {
		return messages
	}

	splitAt := len(messages) - keepRecent
	old := messages[:splitAt]
	recent := messages[splitAt:]

	var transcript strings.Builder
	for _, m := range old {
		transcript.WriteString(fmt.Sprintf("[%s]: %s\n\n", m.Role, messageText(m)))
	}
	input := textutil.Truncate(transcript.String(), maxTranscriptBytes, "\n... (truncated)")

	resp, err := e.provider.Complete(ctx, llm.Request{
		Model:     e.cfg.Model,
		System:    summarizerSystem,
		MaxTokens: e.cfg.MaxTokens,
		Messages: []llm.Message{
			llm.TextMessage(llm.RoleUser, summarizePrompt+"\n\n---\n\n"+input),
		},
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Compaction summarization failed, keeping recent messages only")
		return append([]llm.Message(nil), recent...)
	}
	summary := resp.JoinedText()

	compacted := []llm.Message{
		llm.TextMessage(llm.RoleUser, "[Conversation Summary]\n"+summary),
		llm.TextMessage(llm.RoleAssistant, compactionAck),
	}
	for _, m := range recent {
		if n := len(compacted); compacted[n-1].Role == m.Role {
			merged := messageText(compacted[n-1]) + "\n" + messageText(m)
			compacted[n-1] = llm.TextMessage(m.Role, merged)
			continue
		}
		compacted = append(compacted, m)
	}
	if n := len(compacted); n > 0 && compacted[n-1].Role == llm.RoleAssistant {
		compacted = compacted[:n-1]
	}
	return compacted
}

// archiveConversation writes the pre-compaction session to a timestamped
// markdown file under the data dir. Best effort.
func (e *Engine) archiveConversation(chatID string, messages []llm.Message) {
	if e.cfg.DataDir == "" {
		return
	}
	dir := filepath.Join(e.cfg.DataDir, "chats", chatID, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to create conversations dir")
		return
	}

	var content strings.Builder
	for _, m := range messages {
		content.WriteString(fmt.Sprintf("## %s\n\n%s\n\n---\n\n", m.Role, messageText(m)))
	}

	path := filepath.Join(dir, time.Now().UTC().Format("20060102-150405")+".md")
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Failed to archive conversation")
		return
	}
	e.logger.Info().Int("messages", len(messages)).Str("path", path).Msg("Archived conversation")
}

// loadSession resumes the session for a chat, falling back to store history
// when the session is missing, corrupt, or empty, and folding in user
// messages that arrived after the last save.
func (e *Engine) loadSession(chatID, chatType string) ([]llm.Message, error) {
	data, updatedAt, err := e.store.LoadSession(chatID)
	if err != nil {
		e.logger.Warn().Err(err).Str("chatId", chatID).Msg("Failed to load session, rebuilding from history")
		return e.loadFromHistory(chatID, chatType)
	}
	if data == nil {
		return e.loadFromHistory(chatID, chatType)
	}

	var messages []llm.Message
	if err := json.Unmarshal(data, &messages); err != nil || len(messages) == 0 {
		return e.loadFromHistory(chatID, chatType)
	}

	rows, err := e.store.NewUserMessagesSince(chatID, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catch-up messages: %w", err)
	}
	return mergeNewUserMessages(messages, rows), nil
}

func (e *Engine) loadFromHistory(chatID, chatType string) ([]llm.Message, error) {
	var rows []store.Message
	var err error
	if chatType == store.ChatTypeGroup {
		rows, err = e.store.MessagesSinceLastBotResponse(chatID)
	} else {
		rows, err = e.store.RecentMessages(chatID, e.cfg.MaxHistoryMessages)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return historyToMessages(rows), nil
}

// saveSession persists the session, stripping images first. Write failures
// are logged, not fatal; the response still goes out.
func (e *Engine) saveSession(chatID string, messages []llm.Message) {
	stripImagesForSession(messages)
	data, err := json.Marshal(messages)
	if err != nil {
		e.logger.Error().Err(err).Str("chatId", chatID).Msg("Failed to marshal session")
		return
	}
	if err := e.store.SaveSession(chatID, data, time.Now()); err != nil {
		e.logger.Warn().Err(err).Str("chatId", chatID).Msg("Failed to save session")
	}
}
