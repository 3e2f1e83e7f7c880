// Package worker runs expired-permission cleanup and presence sweeps in the
// background, through an asynq queue when Redis is available and through an
// in-process ticker otherwise.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeCleanupSweep = "session:cleanup_sweep"
	QueueName        = "cleanup"
)

type CleanupPayload struct {
	// SessionID limits the sweep to one session. Empty sweeps every session
	// with a stale request.
	SessionID string `json:"sessionId,omitempty"`
}

func NewCleanupTask(sessionID string) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCleanupSweep, payload), nil
}

type Cleaner interface {
	CleanupExpired(ctx context.Context, sessionID string) int
	CleanupAll(ctx context.Context) int
}

type PresenceSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Handler executes cleanup tasks. presence may be nil.
type Handler struct {
	cleaner  Cleaner
	presence PresenceSweeper
	logger   *slog.Logger
}

func NewHandler(cleaner Cleaner, presence PresenceSweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cleaner: cleaner, presence: presence, logger: logger}
}

func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload CleanupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode cleanup payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.SessionID != "" {
		reset := h.cleaner.CleanupExpired(ctx, payload.SessionID)
		h.logger.Info("session cleanup", "session_id", payload.SessionID, "reset", reset)
		return nil
	}
	return h.Sweep(ctx)
}

// Sweep resets expired requests in every session and drops stale presence.
func (h *Handler) Sweep(ctx context.Context) error {
	reset := h.cleaner.CleanupAll(ctx)
	removed := 0
	if h.presence != nil {
		var err error
		removed, err = h.presence.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("presence sweep: %w", err)
		}
	}
	h.logger.Info("cleanup sweep", "reset", reset, "presence_removed", removed)
	return nil
}

func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeCleanupSweep, h)
	return mux
}

// Client enqueues cleanup tasks. It satisfies the HTTP layer's cleanup
// scheduler.
type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

// EnqueueCleanup queues a cleanup for one session. A cleanup for the same
// session that is already queued absorbs the request.
func (c *Client) EnqueueCleanup(ctx context.Context, sessionID string) error {
	task, err := NewCleanupTask(sessionID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Unique(30*time.Second),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue cleanup: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
