package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-bot/parley/pkg/agent"
	"github.com/parley-bot/parley/pkg/store"
)

type fakeTaskStore struct {
	mu       sync.Mutex
	due      []store.Task
	dueErr   error
	routing  map[string]store.Routing
	runs     []store.TaskRun
	updates  []taskUpdate
	logErr   error
	routeErr error
}

type taskUpdate struct {
	id      int64
	lastRun time.Time
	nextRun *time.Time
}

func (f *fakeTaskStore) DueTasks(time.Time) ([]store.Task, error) {
	return f.due, f.dueErr
}

func (f *fakeTaskStore) UpdateTaskAfterRun(id int64, lastRun time.Time, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, taskUpdate{id: id, lastRun: lastRun, nextRun: nextRun})
	return nil
}

func (f *fakeTaskStore) LogTaskRun(r *store.TaskRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return f.logErr
	}
	f.runs = append(f.runs, *r)
	return nil
}

func (f *fakeTaskStore) GetChatRouting(chatID string) (store.Routing, bool, error) {
	if f.routeErr != nil {
		return store.Routing{}, false, f.routeErr
	}
	r, ok := f.routing[chatID]
	return r, ok, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	turns    []agent.Turn
	response string
	err      error
}

func (f *fakeRunner) RunTurn(_ context.Context, turn agent.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.response, f.err
}

type fakeDelivery struct {
	mu        sync.Mutex
	delivered []delivered
	err       error
}

type delivered struct {
	channel string
	chatID  string
	text    string
}

func (f *fakeDelivery) DeliverAndStore(_ context.Context, channel, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, delivered{channel, chatID, text})
	return f.err
}

func setupTestScheduler(t *testing.T, st *fakeTaskStore, runner *fakeRunner, delivery *fakeDelivery) *Scheduler {
	t.Helper()
	s, err := New(st, runner, delivery, Config{DefaultChannel: "telegram"}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func cronTask(id int64, chatID, schedule string) store.Task {
	return store.Task{
		ID:            id,
		ChatID:        chatID,
		Prompt:        "do the thing",
		ScheduleKind:  store.ScheduleCron,
		ScheduleValue: schedule,
		Status:        store.TaskActive,
	}
}

func TestNewScheduler(t *testing.T) {
	t.Run("should require a default channel", func(t *testing.T) {
		_, err := New(&fakeTaskStore{}, &fakeRunner{}, &fakeDelivery{}, Config{}, zerolog.Nop())
		assert.ErrorContains(t, err, "default channel is required")
	})

	t.Run("should require a task store", func(t *testing.T) {
		_, err := New(nil, &fakeRunner{}, &fakeDelivery{}, Config{DefaultChannel: "telegram"}, zerolog.Nop())
		assert.ErrorContains(t, err, "task store is required")
	})
}

func TestRunDue(t *testing.T) {
	t.Run("should run the task prompt through the engine and deliver the response", func(t *testing.T) {
		st := &fakeTaskStore{
			due: []store.Task{cronTask(7, "c1", "0 0 9 * * *")},
			routing: map[string]store.Routing{
				"c1": {ChatID: "c1", Channel: "discord", ChatType: store.ChatTypeGroup},
			},
		}
		runner := &fakeRunner{response: "daily digest ready"}
		delivery := &fakeDelivery{}
		s := setupTestScheduler(t, st, runner, delivery)

		s.runDue(context.Background(), time.Now())

		require.Len(t, runner.turns, 1)
		assert.Equal(t, "discord", runner.turns[0].Channel)
		assert.Equal(t, store.ChatTypeGroup, runner.turns[0].ChatType)
		assert.Equal(t, "do the thing", runner.turns[0].OverridePrompt)

		require.Len(t, delivery.delivered, 1)
		assert.Equal(t, "discord", delivery.delivered[0].channel)
		assert.Equal(t, "daily digest ready", delivery.delivered[0].text)

		require.Len(t, st.runs, 1)
		assert.True(t, st.runs[0].Success)
		assert.Equal(t, "daily digest ready", st.runs[0].Summary)
		assert.Equal(t, int64(7), st.runs[0].TaskID)
	})

	t.Run("should fall back to default routing", func(t *testing.T) {
		st := &fakeTaskStore{due: []store.Task{cronTask(1, "c9", "@hourly")}}
		runner := &fakeRunner{response: "ok"}
		s := setupTestScheduler(t, st, runner, &fakeDelivery{})

		s.runDue(context.Background(), time.Now())

		require.Len(t, runner.turns, 1)
		assert.Equal(t, "telegram", runner.turns[0].Channel)
		assert.Equal(t, store.ChatTypePrivate, runner.turns[0].ChatType)
	})

	t.Run("should report failures to the chat and keep going", func(t *testing.T) {
		st := &fakeTaskStore{due: []store.Task{
			cronTask(1, "c1", "@daily"),
			cronTask(2, "c2", "@daily"),
		}}
		runner := &fakeRunner{err: errors.New("engine exploded")}
		delivery := &fakeDelivery{}
		s := setupTestScheduler(t, st, runner, delivery)

		s.runDue(context.Background(), time.Now())

		require.Len(t, delivery.delivered, 2)
		assert.Equal(t, "Scheduled task #1 failed: engine exploded", delivery.delivered[0].text)
		require.Len(t, st.runs, 2)
		assert.False(t, st.runs[0].Success)
		assert.Equal(t, "Error: engine exploded", st.runs[0].Summary)
		require.Len(t, st.updates, 2)
	})

	t.Run("should not deliver empty responses", func(t *testing.T) {
		st := &fakeTaskStore{due: []store.Task{cronTask(1, "c1", "@daily")}}
		delivery := &fakeDelivery{}
		s := setupTestScheduler(t, st, &fakeRunner{response: ""}, delivery)

		s.runDue(context.Background(), time.Now())

		assert.Empty(t, delivery.delivered)
		require.Len(t, st.runs, 1)
		assert.True(t, st.runs[0].Success)
	})

	t.Run("should clip long summaries", func(t *testing.T) {
		st := &fakeTaskStore{due: []store.Task{cronTask(1, "c1", "@daily")}}
		long := strings.Repeat("x", 500)
		s := setupTestScheduler(t, st, &fakeRunner{response: long}, &fakeDelivery{})

		s.runDue(context.Background(), time.Now())

		require.Len(t, st.runs, 1)
		assert.Equal(t, strings.Repeat("x", 200)+"...", st.runs[0].Summary)
	})
}

func TestNextRun(t *testing.T) {
	s := setupTestScheduler(t, &fakeTaskStore{}, &fakeRunner{}, &fakeDelivery{})
	after := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	t.Run("should compute next cron occurrence with seconds field", func(t *testing.T) {
		next := s.nextRun(cronTask(1, "c1", "0 0 9 * * *"), after)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("should honor the configured timezone", func(t *testing.T) {
		tokyo, err := time.LoadLocation("Asia/Tokyo")
		require.NoError(t, err)
		tz, err := New(&fakeTaskStore{}, &fakeRunner{}, &fakeDelivery{},
			Config{DefaultChannel: "telegram", Timezone: tokyo}, zerolog.Nop())
		require.NoError(t, err)

		// 09:00 Tokyo is 00:00 UTC; after 08:30 UTC the next one is tomorrow.
		next := tz.nextRun(cronTask(1, "c1", "0 0 9 * * *"), after)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("should clear next run for invalid expressions", func(t *testing.T) {
		assert.Nil(t, s.nextRun(cronTask(1, "c1", "not a cron"), after))
	})

	t.Run("should clear next run for once tasks", func(t *testing.T) {
		task := cronTask(1, "c1", "")
		task.ScheduleKind = store.ScheduleOnce
		assert.Nil(t, s.nextRun(task, after))
	})

	t.Run("should clear next run for unknown kinds", func(t *testing.T) {
		task := cronTask(1, "c1", "")
		task.ScheduleKind = "weekly"
		assert.Nil(t, s.nextRun(task, after))
	})
}

func TestSchedulerRunLoop(t *testing.T) {
	t.Run("should stop on context cancellation", func(t *testing.T) {
		s := setupTestScheduler(t, &fakeTaskStore{}, &fakeRunner{}, &fakeDelivery{})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
}
