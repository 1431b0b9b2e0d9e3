package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/parley-bot/parley/pkg/llm"
	"github.com/parley-bot/parley/pkg/store"
	"github.com/parley-bot/parley/pkg/tools"
)

const maxLLMRetries = 3

// maxIterationsText caps a run that exhausted its tool budget. The session
// must end on an assistant message, never on a tool result.
const maxIterationsText = "I reached the maximum number of tool iterations. Here's what I was working on — please try breaking your request into smaller steps."

const emptyTurnText = "I didn't receive any message to process."

// SessionStore is the slice of the store the engine needs.
type SessionStore interface {
	LoadSession(chatID string) ([]byte, time.Time, error)
	SaveSession(chatID string, data []byte, updatedAt time.Time) error
	RecentMessages(chatID string, limit int) ([]store.Message, error)
	MessagesSinceLastBotResponse(chatID string) ([]store.Message, error)
	NewUserMessagesSince(chatID string, since time.Time) ([]store.Message, error)
}

// ToolExecutor runs tool calls on behalf of the loop.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, name string, input json.RawMessage, auth tools.AuthContext) tools.Result
}

// SystemPromptFunc builds the system prompt for a chat at turn time.
type SystemPromptFunc func(chatID, chatType string) string

// Config carries the engine tunables.
type Config struct {
	Model              string
	MaxTokens          int64
	MaxToolIterations  int
	MaxHistoryMessages int
	MaxSessionMessages int
	CompactKeepRecent  int
	ControlChatIDs     []string
	ShowThinking       bool
	DataDir            string
	// LLMTimeout bounds each provider round trip. Zero disables the bound
	// and leaves only the caller's context.
	LLMTimeout time.Duration
	// ToolTimeout bounds each tool execution the same way.
	ToolTimeout time.Duration
}

// Validate checks required fields and coherent thresholds.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.MaxToolIterations <= 0 {
		return fmt.Errorf("max tool iterations must be positive")
	}
	if c.MaxSessionMessages > 0 && c.CompactKeepRecent >= c.MaxSessionMessages {
		return fmt.Errorf("compact keep recent must be below max session messages")
	}
	return nil
}

// Turn is one request for the agent to act on a chat.
type Turn struct {
	Channel  string
	ChatID   string
	ChatType string
	// OverridePrompt injects a scheduler prompt instead of waiting for user
	// input.
	OverridePrompt string
	// ImageData attaches a raw image to the trailing user message.
	ImageData []byte
	// SourceMessageID ties the run to the inbound message that triggered it.
	SourceMessageID string
	// Sink receives telemetry events. Stream additionally requests text
	// deltas from the provider.
	Sink   Sink
	Stream bool
}

// Engine owns the session lifecycle and the bounded tool-use loop. One turn
// runs per chat at a time; concurrent calls for the same chat queue on a
// per-chat lock.
type Engine struct {
	cfg          Config
	provider     llm.Provider
	store        SessionStore
	tools        ToolExecutor
	runs         *RunRegistry
	systemPrompt SystemPromptFunc
	logger       zerolog.Logger
	locks        *chatLocks
}

// New constructs an engine.
func New(cfg Config, provider llm.Provider, sessions SessionStore, executor ToolExecutor, runs *RunRegistry, systemPrompt SystemPromptFunc, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run registry is required")
	}
	if systemPrompt == nil {
		systemPrompt = func(string, string) string { return "" }
	}
	return &Engine{
		cfg:          cfg,
		provider:     provider,
		store:        sessions,
		tools:        executor,
		runs:         runs,
		systemPrompt: systemPrompt,
		logger:       logger,
		locks:        newChatLocks(),
	}, nil
}

// Runs exposes the run registry for abort commands and source-id checks.
func (e *Engine) Runs() *RunRegistry {
	return e.runs
}

// RunTurn executes one full agent turn and returns the displayable response
// text. An aborted run returns StoppedText with ErrRunAborted and leaves the
// persisted session untouched.
func (e *Engine) RunTurn(ctx context.Context, turn Turn) (string, error) {
	if turn.Channel == "" {
		return "", fmt.Errorf("channel is required")
	}
	if turn.ChatID == "" {
		return "", fmt.Errorf("chat id is required")
	}

	lock := e.locks.get(turn.Channel + "/" + turn.ChatID)
	lock.Lock()
	defer lock.Unlock()

	handle := e.runs.Register(turn.Channel, turn.ChatID, turn.SourceMessageID)
	defer e.runs.Unregister(handle)

	messages, err := e.loadSession(turn.ChatID, turn.ChatType)
	if err != nil {
		return "", err
	}

	if turn.OverridePrompt != "" {
		messages = append(messages, llm.TextMessage(llm.RoleUser, "[scheduler]: "+turn.OverridePrompt))
	}
	if len(turn.ImageData) > 0 {
		attachImage(messages, guessImageMediaType(turn.ImageData), base64.StdEncoding.EncodeToString(turn.ImageData))
	}
	if len(messages) == 0 {
		return emptyTurnText, nil
	}

	if e.cfg.MaxSessionMessages > 0 && len(messages) > e.cfg.MaxSessionMessages {
		e.archiveConversation(turn.ChatID, messages)
		messages = e.compact(ctx, messages)
	}

	system := e.systemPrompt(turn.ChatID, turn.ChatType)
	toolDefs := e.tools.Definitions()
	auth := tools.AuthContext{CallerChatID: turn.ChatID, ControlChatIDs: e.cfg.ControlChatIDs}

	for iteration := 0; iteration < e.cfg.MaxToolIterations; iteration++ {
		if handle.Cancelled() {
			return StoppedText, ErrRunAborted
		}
		emit(turn.Sink, Event{Type: EventIteration, Iteration: iteration + 1})

		resp, err := e.callWithRetry(ctx, llm.Request{
			Model:     e.cfg.Model,
			System:    system,
			MaxTokens: e.cfg.MaxTokens,
			Messages:  messages,
			Tools:     toolDefs,
		}, turn)
		if err != nil {
			return "", fmt.Errorf("llm call failed: %w", err)
		}
		if handle.Cancelled() {
			return StoppedText, ErrRunAborted
		}

		switch resp.StopReason {
		case llm.StopEndTurn, llm.StopMaxTokens, "":
			text := resp.JoinedText()
			messages = append(messages, llm.TextMessage(llm.RoleAssistant, text))
			e.saveSession(turn.ChatID, messages)

			display := text
			if !e.cfg.ShowThinking {
				display = stripThinking(text)
			}
			emit(turn.Sink, Event{Type: EventFinalResponse, Text: display})
			return display, nil

		case llm.StopToolUse:
			messages = append(messages, llm.BlocksMessage(llm.RoleAssistant, assistantBlocks(resp)))

			var results []llm.Block
			for _, use := range resp.ToolUses() {
				if handle.Cancelled() {
					return StoppedText, ErrRunAborted
				}
				emit(turn.Sink, Event{Type: EventToolStart, ToolName: use.Name})
				e.logger.Info().Str("tool", use.Name).Int("iteration", iteration+1).Str("chatId", turn.ChatID).Msg("Executing tool")

				started := time.Now()
				result := e.executeTool(ctx, use.Name, use.Input, auth)
				emit(turn.Sink, toolResultEvent(use.Name, result, time.Since(started)))

				results = append(results, llm.ToolResultBlock(use.ID, result.Content, result.IsError))
			}
			messages = append(messages, llm.BlocksMessage(llm.RoleUser, results))

		default:
			text := resp.JoinedText()
			messages = append(messages, llm.TextMessage(llm.RoleAssistant, text))
			e.saveSession(turn.ChatID, messages)

			if text == "" {
				return "(no response)", nil
			}
			emit(turn.Sink, Event{Type: EventFinalResponse, Text: text})
			return text, nil
		}
	}

	messages = append(messages, llm.TextMessage(llm.RoleAssistant, maxIterationsText))
	e.saveSession(turn.ChatID, messages)
	emit(turn.Sink, Event{Type: EventFinalResponse, Text: maxIterationsText})
	return maxIterationsText, nil
}

func (e *Engine) callWithRetry(ctx context.Context, req llm.Request, turn Turn) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxLLMRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.LLMTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.LLMTimeout)
		}

		var resp *llm.Response
		var err error
		if turn.Stream && turn.Sink != nil {
			resp, err = e.provider.Stream(callCtx, req, func(delta string) {
				emit(turn.Sink, Event{Type: EventTextDelta, Text: delta})
			})
		} else {
			resp, err = e.provider.Complete(callCtx, req)
		}
		cancel()
		if err == nil {
			return resp, nil
		}
		// A per-call deadline is a transient failure worth retrying, unlike
		// the caller's own context expiring.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("llm call timeout after %s: %w", e.cfg.LLMTimeout, err)
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			return nil, err
		}
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("LLM call failed, retrying")
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", maxLLMRetries, lastErr)
}

// executeTool bounds one tool call with the configured timeout. A tool that
// overruns gets a cancelled context and reports back through the normal
// error-result path.
func (e *Engine) executeTool(ctx context.Context, name string, input json.RawMessage, auth tools.AuthContext) tools.Result {
	if e.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ToolTimeout)
		defer cancel()
	}
	return e.tools.Execute(ctx, name, input, auth)
}

// assistantBlocks keeps the text and tool_use blocks of a response for the
// session record.
func assistantBlocks(resp *llm.Response) []llm.Block {
	blocks := make([]llm.Block, 0, len(resp.Content))
	for _, b := range resp.Content {
		if b.Type == llm.BlockText || b.Type == llm.BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func toolResultEvent(name string, result tools.Result, took time.Duration) Event {
	preview := result.Content
	if utf8.RuneCountInString(preview) > 160 {
		preview = string([]rune(preview)[:160]) + "..."
	}
	ev := Event{
		Type:       EventToolResult,
		ToolName:   name,
		IsError:    result.IsError,
		Preview:    preview,
		DurationMs: took.Milliseconds(),
		Bytes:      len(result.Content),
	}
	if result.IsError {
		ev.StatusCode = 1
		ev.ErrorType = "tool_error"
	}
	return ev
}
