package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setupTestRegistry(t *testing.T) *RunRegistry {
	t.Helper()
	r := NewRunRegistry()
	t.Cleanup(r.Close)
	return r
}

func TestRunRegistry(t *testing.T) {
	t.Run("should hand out monotonically increasing ids", func(t *testing.T) {
		r := setupTestRegistry(t)
		h1 := r.Register("telegram", "c1", "m1")
		h2 := r.Register("telegram", "c2", "m2")
		h3 := r.Register("web", "c1", "")

		assert.Equal(t, uint64(1), h1.ID)
		assert.Equal(t, uint64(2), h2.ID)
		assert.Equal(t, uint64(3), h3.ID)
	})

	t.Run("should track active runs per chat", func(t *testing.T) {
		r := setupTestRegistry(t)
		h := r.Register("telegram", "c1", "m1")
		assert.Equal(t, 1, r.ActiveCount("telegram", "c1"))
		assert.Equal(t, 0, r.ActiveCount("telegram", "c2"))

		r.Unregister(h)
		assert.Equal(t, 0, r.ActiveCount("telegram", "c1"))
	})

	t.Run("should abort all runs of a chat", func(t *testing.T) {
		r := setupTestRegistry(t)
		h1 := r.Register("telegram", "c1", "m1")
		h2 := r.Register("telegram", "c1", "m2")
		other := r.Register("telegram", "c2", "m3")

		n := r.AbortAll("telegram", "c1")
		assert.Equal(t, 2, n)
		assert.True(t, h1.Cancelled())
		assert.True(t, h2.Cancelled())
		assert.False(t, other.Cancelled())
		assert.Equal(t, 0, r.ActiveCount("telegram", "c1"))
	})

	t.Run("should close done channel on abort", func(t *testing.T) {
		r := setupTestRegistry(t)
		h := r.Register("telegram", "c1", "m1")
		r.AbortAll("telegram", "c1")

		select {
		case <-h.Done():
		case <-time.After(time.Second):
			t.Fatal("done channel not closed")
		}
	})

	t.Run("should return zero when nothing to abort", func(t *testing.T) {
		r := setupTestRegistry(t)
		assert.Equal(t, 0, r.AbortAll("telegram", "missing"))
	})

	t.Run("should remember aborted source message ids", func(t *testing.T) {
		r := setupTestRegistry(t)
		r.Register("telegram", "c1", "m1")
		r.Register("telegram", "c1", "")
		r.AbortAll("telegram", "c1")

		assert.True(t, r.IsAbortedSource("telegram", "c1", "m1"))
		assert.False(t, r.IsAbortedSource("telegram", "c1", "m2"))
		assert.False(t, r.IsAbortedSource("telegram", "c2", "m1"))
		assert.False(t, r.IsAbortedSource("telegram", "c1", ""))
	})

	t.Run("should unregister only the matching run", func(t *testing.T) {
		r := setupTestRegistry(t)
		h1 := r.Register("telegram", "c1", "m1")
		h2 := r.Register("telegram", "c1", "m2")

		r.Unregister(h1)
		assert.Equal(t, 1, r.ActiveCount("telegram", "c1"))
		r.Unregister(h2)
		assert.Equal(t, 0, r.ActiveCount("telegram", "c1"))
	})

	t.Run("should tolerate nil and double unregister", func(t *testing.T) {
		r := setupTestRegistry(t)
		h := r.Register("telegram", "c1", "m1")
		r.Unregister(nil)
		r.Unregister(h)
		r.Unregister(h)
		assert.Equal(t, 0, r.ActiveCount("telegram", "c1"))
	})
}

func TestTTLSet(t *testing.T) {
	t.Run("should expire entries after ttl", func(t *testing.T) {
		s := newTTLSet(20 * time.Millisecond)
		s.add("k")
		assert.True(t, s.has("k"))

		time.Sleep(40 * time.Millisecond)
		assert.False(t, s.has("k"))
	})

	t.Run("should drop expired entries on cleanup", func(t *testing.T) {
		s := newTTLSet(10 * time.Millisecond)
		s.add("a")
		s.add("b")
		time.Sleep(25 * time.Millisecond)
		s.cleanup()

		s.mu.Lock()
		defer s.mu.Unlock()
		assert.Empty(t, s.entries)
	})
}
