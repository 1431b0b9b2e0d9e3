package agent

// EventType enumerates the telemetry events a run emits.
type EventType string

const (
	EventIteration     EventType = "iteration"
	EventToolStart     EventType = "tool_start"
	EventToolResult    EventType = "tool_result"
	EventTextDelta     EventType = "text_delta"
	EventFinalResponse EventType = "final_response"
)

// Event is one telemetry event from a run in flight.
type Event struct {
	Type       EventType `json:"type"`
	Iteration  int       `json:"iteration,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Text       string    `json:"text,omitempty"`
}

// Sink receives run events. Emit must not block; the loop calls it inline.
type Sink interface {
	Emit(Event)
}

// ChanSink buffers events on a channel, dropping when the consumer lags so
// the producing loop never stalls.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a channel sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{C: make(chan Event, buffer)}
}

// Emit sends the event without blocking, dropping it when the buffer is full.
func (s *ChanSink) Emit(e Event) {
	select {
	case s.C <- e:
	default:
	}
}

// emit forwards to a sink when one is present.
func emit(sink Sink, e Event) {
	if sink != nil {
		sink.Emit(e)
	}
}
