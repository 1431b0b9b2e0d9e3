package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/parley-bot/parley/pkg/agent"
	"github.com/parley-bot/parley/pkg/store"
	"github.com/parley-bot/parley/pkg/textutil"
)

// tickInterval is how often due tasks are checked.
const tickInterval = 60 * time.Second

// summaryMaxBytes caps the stored run summary.
const summaryMaxBytes = 200

// TaskStore is the slice of the store the scheduler needs.
type TaskStore interface {
	DueTasks(now time.Time) ([]store.Task, error)
	UpdateTaskAfterRun(id int64, lastRun time.Time, nextRun *time.Time) error
	LogTaskRun(r *store.TaskRun) error
	GetChatRouting(chatID string) (store.Routing, bool, error)
}

// Runner executes an agent turn. Satisfied by *agent.Engine.
type Runner interface {
	RunTurn(ctx context.Context, turn agent.Turn) (string, error)
}

// Deliverer pushes task output to the task's chat.
type Deliverer interface {
	DeliverAndStore(ctx context.Context, channel, chatID, text string) error
}

// Config carries the scheduler tunables.
type Config struct {
	// DefaultChannel is used for chats without a routing row.
	DefaultChannel string
	// Timezone anchors cron expression evaluation. Defaults to UTC.
	Timezone *time.Location
}

// Scheduler drives scheduled tasks through the agent engine. Each due task
// becomes one engine turn with the task prompt injected as an override, so
// the task runs with the chat's full conversation context.
type Scheduler struct {
	store    TaskStore
	runner   Runner
	delivery Deliverer
	cfg      Config
	parser   cron.Parser
	logger   zerolog.Logger
}

// New constructs a scheduler.
func New(st TaskStore, runner Runner, delivery Deliverer, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if delivery == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if cfg.DefaultChannel == "" {
		return nil, fmt.Errorf("default channel is required")
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		delivery: delivery,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
	}, nil
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", tickInterval).Msg("Scheduler started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue executes every task due at now. Tasks are isolated; one failure
// never skips the rest.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	tasks, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query due tasks")
		return
	}
	for _, task := range tasks {
		s.executeTask(ctx, task)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task store.Task) {
	channel := s.cfg.DefaultChannel
	chatType := store.ChatTypePrivate
	routing, ok, err := s.store.GetChatRouting(task.ChatID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("taskId", task.ID).Msg("Failed to resolve chat routing, using defaults")
	} else if ok {
		channel = routing.Channel
		chatType = routing.ChatType
	}

	s.logger.Info().
		Int64("taskId", task.ID).
		Str("chatId", task.ChatID).
		Str("channel", channel).
		Msg("Executing scheduled task")

	started := time.Now()
	response, runErr := s.runner.RunTurn(ctx, agent.Turn{
		Channel:        channel,
		ChatID:         task.ChatID,
		ChatType:       chatType,
		OverridePrompt: task.Prompt,
	})
	finished := time.Now()

	var summary string
	if runErr != nil {
		summary = "Error: " + runErr.Error()
		s.logger.Error().Err(runErr).Int64("taskId", task.ID).Msg("Scheduled task failed")
		notice := fmt.Sprintf("Scheduled task #%d failed: %v", task.ID, runErr)
		if err := s.delivery.DeliverAndStore(ctx, channel, task.ChatID, notice); err != nil {
			s.logger.Warn().Err(err).Int64("taskId", task.ID).Msg("Failed to deliver task failure notice")
		}
	} else {
		summary = textutil.Truncate(response, summaryMaxBytes, "...")
		if response != "" {
			if err := s.delivery.DeliverAndStore(ctx, channel, task.ChatID, response); err != nil {
				s.logger.Warn().Err(err).Int64("taskId", task.ID).Msg("Failed to deliver task response")
			}
		}
	}

	if err := s.store.LogTaskRun(&store.TaskRun{
		TaskID:     task.ID,
		ChatID:     task.ChatID,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
		Success:    runErr == nil,
		Summary:    summary,
	}); err != nil {
		s.logger.Warn().Err(err).Int64("taskId", task.ID).Msg("Failed to log task run")
	}

	next := s.nextRun(task, finished)
	if err := s.store.UpdateTaskAfterRun(task.ID, started, next); err != nil {
		s.logger.Error().Err(err).Int64("taskId", task.ID).Msg("Failed to update task after run")
	}
}

// nextRun computes the task's next occurrence after the given time. A nil
// result leaves the task dormant without deleting it.
func (s *Scheduler) nextRun(task store.Task, after time.Time) *time.Time {
	switch task.ScheduleKind {
	case store.ScheduleCron:
		sched, err := s.parser.Parse(task.ScheduleValue)
		if err != nil {
			s.logger.Error().
				Err(err).
				Int64("taskId", task.ID).
				Str("schedule", task.ScheduleValue).
				Msg("Invalid cron expression, task will not run again")
			return nil
		}
		next := sched.Next(after.In(s.cfg.Timezone))
		return &next
	case store.ScheduleOnce:
		return nil
	default:
		s.logger.Warn().Int64("taskId", task.ID).Str("kind", task.ScheduleKind).Msg("Unknown schedule kind")
		return nil
	}
}
