package agent

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// StoppedText is returned by a turn that was aborted mid run.
const StoppedText = "Current run aborted."

// ErrRunAborted marks a turn that ended because its run was aborted.
var ErrRunAborted = errors.New("run aborted")

// abortedSourceTTL bounds how long aborted source message ids are remembered.
const abortedSourceTTL = 10 * time.Minute

type runKey struct {
	channel string
	chatID  string
}

// RunHandle represents one registered run. Cancellation is cooperative: the
// loop polls Cancelled at safe points and winds down on its own.
type RunHandle struct {
	ID              uint64
	Channel         string
	ChatID          string
	SourceMessageID string

	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
}

// Cancelled reports whether the run was aborted.
func (h *RunHandle) Cancelled() bool {
	return h.cancelled.Load()
}

// Done is closed when the run is aborted, for callers that want to wait
// instead of poll.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

func (h *RunHandle) cancel() {
	h.cancelled.Store(true)
	h.once.Do(func() { close(h.done) })
}

// RunRegistry tracks in-flight runs per (channel, chat) and supports
// aborting all of them. Run ids are monotonic across the registry, starting
// at 1.
type RunRegistry struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	runs    map[runKey][]*RunHandle
	aborted *ttlSet

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRunRegistry constructs a run registry.
func NewRunRegistry() *RunRegistry {
	r := &RunRegistry{
		runs:    make(map[runKey][]*RunHandle),
		aborted: newTTLSet(abortedSourceTTL),
		stop:    make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Close stops background cleanup.
func (r *RunRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Register records a new run and returns its handle.
func (r *RunRegistry) Register(channel, chatID, sourceMessageID string) *RunHandle {
	h := &RunHandle{
		ID:              r.nextID.Add(1),
		Channel:         channel,
		ChatID:          chatID,
		SourceMessageID: sourceMessageID,
		done:            make(chan struct{}),
	}
	key := runKey{channel: channel, chatID: chatID}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[key] = append(r.runs[key], h)
	return h
}

// Unregister removes a finished run, dropping the key when it was the last.
func (r *RunRegistry) Unregister(h *RunHandle) {
	if h == nil {
		return
	}
	key := runKey{channel: h.Channel, chatID: h.ChatID}

	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.runs[key]
	for i, cur := range handles {
		if cur.ID == h.ID {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(r.runs, key)
	} else {
		r.runs[key] = handles
	}
}

// AbortAll cancels every run for a chat and returns how many were aborted.
// Source message ids of the aborted runs are remembered for a while so late
// arriving duplicates of the triggering message can be ignored.
func (r *RunRegistry) AbortAll(channel, chatID string) int {
	key := runKey{channel: channel, chatID: chatID}

	r.mu.Lock()
	handles := r.runs[key]
	delete(r.runs, key)
	for _, h := range handles {
		if h.SourceMessageID != "" {
			r.aborted.add(sourceKey(channel, chatID, h.SourceMessageID))
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	return len(handles)
}

// ActiveCount returns the number of in-flight runs for a chat.
func (r *RunRegistry) ActiveCount(channel, chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[runKey{channel: channel, chatID: chatID}])
}

// IsAbortedSource reports whether a message id recently triggered a run that
// was aborted.
func (r *RunRegistry) IsAbortedSource(channel, chatID, messageID string) bool {
	if messageID == "" {
		return false
	}
	return r.aborted.has(sourceKey(channel, chatID, messageID))
}

func (r *RunRegistry) cleanupLoop() {
	ticker := time.NewTicker(abortedSourceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.aborted.cleanup()
		case <-r.stop:
			return
		}
	}
}

func sourceKey(channel, chatID, messageID string) string {
	return channel + "|" + chatID + "|" + messageID
}

// ttlSet is a set of strings whose members expire after a fixed TTL.
type ttlSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (s *ttlSet) add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = time.Now().Add(s.ttl)
}

func (s *ttlSet) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(s.entries, key)
		return false
	}
	return true
}

func (s *ttlSet) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, key)
		}
	}
}
