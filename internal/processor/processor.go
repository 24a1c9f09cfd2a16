package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/queue"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/worker"
)

const ReportInterval = 30 * time.Second
const ShutdownTimeout = time.Minute

var ErrPoolStopped = errors.New("worker pool is stopped")

type Dispatcher interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResult, error)
}

type Config struct {
	Workers        int
	BufferSize     int
	ReportInterval time.Duration
}

// ProcessorService drains the dispatch stream into a worker pool and runs
// every job through the dispatch pipeline. Dispatch failures are logged and
// acknowledged; only jobs that never reached a worker stay pending.
type ProcessorService struct {
	queue       *queue.Queue
	dispatcher  Dispatcher
	idempotency *IdempotencyService
	metrics     *ServiceMetrics
	worker      *worker.WorkerManager
	config      Config
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

func NewProcessorService(q *queue.Queue, dispatcher Dispatcher, idempotency *IdempotencyService, config Config) *ProcessorService {
	if config.ReportInterval <= 0 {
		config.ReportInterval = ReportInterval
	}
	return &ProcessorService{
		queue:       q,
		dispatcher:  dispatcher,
		idempotency: idempotency,
		metrics:     NewServiceMetrics(),
		worker:      worker.NewWorkerManager(config.BufferSize, config.Workers),
		config:      config,
	}
}

func (s *ProcessorService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker.Start(ctx)
	}()

	if err := s.queue.Consume(ctx, s.messageHandler); err != nil {
		s.cancel()
		return fmt.Errorf("start consumer: %w", err)
	}

	s.wg.Add(1)
	go s.reporter(ctx)

	logger.Info("processor service started", "queue", s.queue.Name(), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) Stop() {
	logger.Info("shutting down processor service")

	if err := s.queue.Stop(ShutdownTimeout); err != nil {
		logger.Error("error stopping queue", "error", err)
	}
	s.worker.Exit()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.report()
	logger.Info("processor service stopped")
}

func (s *ProcessorService) Metrics() Snapshot {
	return s.metrics.Snapshot()
}

func (s *ProcessorService) reporter(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) report() {
	m := s.metrics.Snapshot()
	fields := []interface{}{
		"sent", m.Sent, "failed", m.Failed, "skipped", m.Skipped,
		"avg_duration_ms", m.AvgDuration.Milliseconds(), "uptime_seconds", m.UptimeSeconds,
	}
	if stats, err := s.queue.Stats(); err == nil {
		fields = append(fields, "stream_length", stats.Length, "pending", stats.Pending)
	}
	logger.Info("dispatch processor stats", fields...)
}

type job struct {
	ctx    context.Context
	msg    *queue.Message
	result chan error
}

// messageHandler hands msg to the pool and waits for the worker. The error
// it returns keeps the entry pending in the stream.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	j := &job{ctx: ctx, msg: msg, result: make(chan error, 1)}
	if !s.worker.Enqueue(ctx, j) {
		return ErrPoolStopped
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}
}

func (s *ProcessorService) workerHandler(_ context.Context, workerIndex int, val any) {
	j, ok := val.(*job)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}
	if err := j.ctx.Err(); err != nil {
		j.result <- err
		return
	}
	s.process(j.ctx, workerIndex, j.msg)
	j.result <- nil
}

func (s *ProcessorService) process(ctx context.Context, workerIndex int, msg *queue.Message) {
	var dj model.DispatchJob
	if err := msg.Decode(&dj); err != nil {
		s.metrics.RecordFailure()
		logger.Error("dropping undecodable dispatch job", "stream_id", msg.ID, "error", err)
		return
	}
	if dj.ID == "" {
		dj.ID = msg.ID
	}
	log := logger.GetLogger().With("job_id", dj.ID, "caso_id", dj.Request.CaseID, "worker", workerIndex)

	if s.idempotency != nil {
		if err := s.idempotency.Claim(ctx, dj.ID); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				s.metrics.RecordSkipped()
				return
			}
			log.Warn("processed marker unavailable, dispatching anyway", "error", err)
		}
	}

	dctx := gateway.WithBearer(ctx, dj.BearerToken)
	if dj.Caller != nil {
		dctx = model.WithCaller(dctx, *dj.Caller)
	}

	start := time.Now()
	res, err := s.dispatcher.Dispatch(dctx, dj.Request)
	if err != nil {
		s.metrics.RecordFailure()
		log.Error("async dispatch failed", "error", err)
		return
	}
	s.metrics.RecordSent(time.Since(start))
	log.Info("async dispatch sent", "token", res.Token, "duration", time.Since(start))
}
