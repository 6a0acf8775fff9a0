package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pdf-vector-ingest/internal/ai"
	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/models"
	"pdf-vector-ingest/services"
)

const (
	TaskIngestSource = "ingest:source"
	QueueIngest      = "ingest"
)

// Triggers recorded on a task payload.
const (
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
)

type IngestPayload struct {
	Sources []string `json:"sources"`
	Trigger string   `json:"trigger,omitempty"`
}

// Task creators
func NewIngestTask(sources []string, trigger string) (*asynq.Task, error) {
	if len(sources) == 0 {
		return nil, services.ErrNoSources
	}
	payload, err := json.Marshal(IngestPayload{Sources: sources, Trigger: trigger})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestSource,
		payload,
		asynq.MaxRetry(2),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
		asynq.Queue(QueueIngest),
	), nil
}

// RedisConnOpt builds asynq connection options from the Redis settings.
func RedisConnOpt(cfg *config.Config) (asynq.RedisClientOpt, error) {
	opt, err := config.RedisOptions(cfg)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// Client enqueues ingestion tasks.
type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

func (c *Client) EnqueueIngest(ctx context.Context, sources []string, trigger string) (*asynq.TaskInfo, error) {
	task, err := NewIngestTask(sources, trigger)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue ingestion: %w", err)
	}
	logger.Info("Enqueued ingestion", "task_id", info.ID, "sources", len(sources), "trigger", trigger)
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Ingester runs one ingestion over a source set.
type Ingester interface {
	Ingest(ctx context.Context, sources ...string) (*services.IngestReport, error)
}

// RunCleaner removes the documents of a failed run.
type RunCleaner interface {
	ResetRun(ctx context.Context, runID string) (int64, error)
}

// Task handlers
type TaskProcessor struct {
	ingester Ingester
	cleaner  RunCleaner
	log      *slog.Logger
}

func NewTaskProcessor(ingester Ingester, cleaner RunCleaner) *TaskProcessor {
	return &TaskProcessor{
		ingester: ingester,
		cleaner:  cleaner,
		log:      logger.With("queue"),
	}
}

// ProcessIngest runs the pipeline for one task. A failed run is removed from
// the store before the error is returned, so a retry starts clean.
func (p *TaskProcessor) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Sources) == 0 {
		return fmt.Errorf("%w: %w", services.ErrNoSources, asynq.SkipRetry)
	}

	p.log.Info("Processing ingestion", "sources", payload.Sources, "trigger", payload.Trigger)

	report, err := p.ingester.Ingest(ctx, payload.Sources...)
	if err != nil {
		p.cleanup(ctx, report)
		if !retryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if w := t.ResultWriter(); w != nil {
		if data, err := json.Marshal(report); err == nil {
			if _, err := w.Write(data); err != nil {
				p.log.Warn("Could not write task result", "error", err)
			}
		}
	}
	p.log.Info("Ingestion task completed", "run_id", report.RunID, "inserted", report.Inserted)
	return nil
}

func (p *TaskProcessor) cleanup(ctx context.Context, report *services.IngestReport) {
	if report == nil || report.Inserted == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	n, err := p.cleaner.ResetRun(cctx, report.RunID)
	if err != nil {
		p.log.Error("Failed to remove partial run", "run_id", report.RunID, "error", err)
		return
	}
	p.log.Warn("Removed partial run", "run_id", report.RunID, "deleted", n)
}

// retryable reports whether a failed ingestion may succeed on a later
// attempt. Bad input and dimension mismatches never do.
func retryable(err error) bool {
	if errors.Is(err, models.ErrDimensionMismatch) || errors.Is(err, services.ErrInvalidPDF) {
		return false
	}
	switch services.StageOf(err) {
	case models.StageEmbed:
		var pe *ai.ProviderError
		if errors.As(err, &pe) {
			return pe.Retryable
		}
		// transport errors and an open breaker
		return true
	case models.StageStore, models.StageIndex:
		return true
	default:
		return false
	}
}

// TaskStatus reports the state of an ingestion task and, once it completed,
// its ingest report.
type TaskStatus struct {
	ID        string                 `json:"id"`
	State     string                 `json:"state"`
	Retried   int                    `json:"retried"`
	LastError string                 `json:"last_error,omitempty"`
	Report    *services.IngestReport `json:"report,omitempty"`
}

// ErrTaskNotFound is returned for unknown or expired task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Inspector reads task state back from Redis.
type Inspector struct {
	inspector *asynq.Inspector
}

func NewInspector(opt asynq.RedisConnOpt) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(opt)}
}

func (i *Inspector) Status(id string) (*TaskStatus, error) {
	return GetTaskStatus(i.inspector, id)
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

func GetTaskStatus(inspector *asynq.Inspector, id string) (*TaskStatus, error) {
	info, err := inspector.GetTaskInfo(QueueIngest, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return taskStatus(info), nil
}

func taskStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		ID:        info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		LastError: info.LastErr,
	}
	if len(info.Result) > 0 {
		var report services.IngestReport
		if err := json.Unmarshal(info.Result, &report); err == nil {
			status.Report = &report
		}
	}
	return status
}
