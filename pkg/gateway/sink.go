package gateway

import (
	"github.com/parley-bot/parley/pkg/agent"
)

// Sink bridges agent run events onto the broadcaster. Emit hands events to a
// drain goroutine through a buffered channel so the agent loop never blocks
// on a slow websocket peer.
type Sink struct {
	events chan sinkEvent
	done   chan struct{}
}

type sinkEvent struct {
	channel string
	chatID  string
	event   agent.Event
}

// ChatSink binds a Sink to one chat so events carry their origin.
type ChatSink struct {
	sink    *Sink
	channel string
	chatID  string
}

// NewSink starts the drain goroutine. Call Close when done.
func NewSink(broadcaster *EventBroadcaster, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		events: make(chan sinkEvent, buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for e := range s.events {
			broadcaster.Broadcast("agent."+string(e.event.Type), map[string]interface{}{
				"channel": e.channel,
				"chat_id": e.chatID,
				"event":   e.event,
			})
		}
	}()
	return s
}

// ForChat returns an agent.Sink tagging events with the chat they belong to.
func (s *Sink) ForChat(channel, chatID string) *ChatSink {
	return &ChatSink{sink: s, channel: channel, chatID: chatID}
}

// Close stops the drain goroutine after the queue empties.
func (s *Sink) Close() {
	close(s.events)
	<-s.done
}

// Emit implements agent.Sink. Events are dropped when the queue is full.
func (c *ChatSink) Emit(e agent.Event) {
	select {
	case c.sink.events <- sinkEvent{channel: c.channel, chatID: c.chatID, event: e}:
	default:
	}
}
