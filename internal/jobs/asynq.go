package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"crewroute/internal/metrics"
	"crewroute/internal/model"
)

const (
	TaskRoutePlan   = "route_plan:run"
	QueueRoutePlans = "route_plans"
)

type AsynqConfig struct {
	Queue    string
	MaxRetry int
	// Timeout bounds one delivery; asynq cancels the handler context after it.
	Timeout time.Duration
	// Retention keeps completed task records so a resubmitted id is rejected as duplicate.
	Retention time.Duration
}

// AsynqQueue enqueues route plan jobs into Redis through asynq. The asynq task id is the
// job id, so a job can only be enqueued once.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       AsynqConfig
}

func NewAsynqQueue(opt asynq.RedisConnOpt, cfg AsynqConfig) *AsynqQueue {
	if cfg.Queue == "" {
		cfg.Queue = QueueRoutePlans
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &AsynqQueue{client: asynq.NewClient(opt), inspector: asynq.NewInspector(opt), cfg: cfg}
}

func newRoutePlanTask(job model.RoutePlanJob, cfg AsynqConfig) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(cfg.Queue),
		asynq.MaxRetry(cfg.MaxRetry),
		asynq.Timeout(cfg.Timeout),
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	return asynq.NewTask(TaskRoutePlan, payload, opts...), nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, job model.RoutePlanJob) (int, error) {
	task, err := newRoutePlanTask(job, q.cfg)
	if err != nil {
		return 0, err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	log.Debug().
		Str("type", task.Type()).
		Str("queue", info.Queue).
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Msg("enqueued route plan task")

	depth, err := q.Depth(ctx)
	if err != nil || depth < 1 {
		// the task is queued even when the inspector is unavailable
		return 1, nil
	}
	return depth, nil
}

func (q *AsynqQueue) Depth(ctx context.Context) (int, error) {
	qi, err := q.inspector.GetQueueInfo(q.cfg.Queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, err
	}
	metrics.QueueDepth.Set(float64(qi.Pending))
	return qi.Pending, nil
}

func (q *AsynqQueue) Close() error {
	ierr := q.inspector.Close()
	if err := q.client.Close(); err != nil {
		return err
	}
	return ierr
}

// AsynqServer consumes route plan tasks. Concurrency is 1 so one instance never runs two
// plans at once.
type AsynqServer struct {
	server    *asynq.Server
	processor Processor
}

func NewAsynqServer(opt asynq.RedisConnOpt, queue string, p Processor) *AsynqServer {
	if queue == "" {
		queue = QueueRoutePlans
	}
	logger := NewLogger()
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("type", task.Type()).Msg("process task failed")
		}),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n*n+1) * time.Second
		},
		Logger:          logger,
		ShutdownTimeout: 10 * time.Second,
	})
	return &AsynqServer{server: server, processor: p}
}

func (s *AsynqServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRoutePlan, s.ProcessTaskRoutePlan)
	return s.server.Start(mux)
}

func (s *AsynqServer) Shutdown() { s.server.Shutdown() }

func (s *AsynqServer) ProcessTaskRoutePlan(ctx context.Context, task *asynq.Task) error {
	var job model.RoutePlanJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("unmarshal payload: %w", asynq.SkipRetry)
	}
	if job.ID == "" || job.OwnerID == "" {
		return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return s.processor.Process(ctx, job, Attempt{N: retried + 1, Max: maxRetry + 1})
}
