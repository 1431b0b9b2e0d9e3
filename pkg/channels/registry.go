package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-bot/parley/pkg/store"
	"github.com/parley-bot/parley/pkg/textutil"
)

// WebChannel has no push transport; outbound text is stored for the client
// to poll or stream.
const WebChannel = "web"

// maxChunkBytes is the outbound message size limit shared by the chat
// transports we target.
const maxChunkBytes = 4096

// Deliverer pushes text to a chat on one transport.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, chatID, text string) error
}

// MessageStore is the slice of the store the registry needs.
type MessageStore interface {
	SaveMessage(m *store.Message) error
}

// Registry maps channel names to deliverers and records outbound messages.
type Registry struct {
	botName string
	store   MessageStore
	logger  zerolog.Logger

	mu         sync.RWMutex
	deliverers map[string]Deliverer
}

// NewRegistry constructs a delivery registry.
func NewRegistry(botName string, messageStore MessageStore, logger zerolog.Logger) *Registry {
	return &Registry{
		botName:    botName,
		store:      messageStore,
		logger:     logger,
		deliverers: make(map[string]Deliverer),
	}
}

// Register adds a deliverer for its channel name.
func (r *Registry) Register(d Deliverer) error {
	if d == nil {
		return fmt.Errorf("deliverer is required")
	}
	name := strings.TrimSpace(d.Name())
	if name == "" {
		return fmt.Errorf("deliverer name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deliverers[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.deliverers[name] = d
	return nil
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.deliverers))
	for name := range r.deliverers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeliverAndStore sends text to a chat and records it as a bot message.
// Web chats are store only. Long text is split into transport sized chunks,
// breaking at newlines where possible; the stored row keeps the full text.
func (r *Registry) DeliverAndStore(ctx context.Context, channel, chatID, text string) error {
	if text == "" {
		return nil
	}

	if channel != WebChannel {
		r.mu.RLock()
		d, ok := r.deliverers[channel]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("no deliverer for channel %q", channel)
		}
		for _, chunk := range textutil.SplitChunks(text, maxChunkBytes) {
			if err := d.Deliver(ctx, chatID, chunk); err != nil {
				return fmt.Errorf("failed to deliver to %s chat %s: %w", channel, chatID, err)
			}
		}
	}

	if r.store == nil {
		return nil
	}
	if err := r.store.SaveMessage(&store.Message{
		ID:         uuid.New().String(),
		ChatID:     chatID,
		SenderName: r.botName,
		Content:    text,
		IsFromBot:  true,
		Timestamp:  time.Now(),
	}); err != nil {
		r.logger.Warn().Err(err).Str("chatId", chatID).Msg("Failed to store outbound message")
	}
	return nil
}
