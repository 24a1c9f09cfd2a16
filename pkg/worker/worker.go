package worker

import (
	"context"
	"sync"

	"github.com/klamai/proposal-dispatch/pkg/logger"
)

type WorkerHandler = func(ctx context.Context, workerIndex int, job any)

// WorkerManager is a fixed pool of goroutines draining a buffered job
// channel. Workers stop when the context passed to Start is done or Exit is
// called; jobs still buffered at that point are dropped.
type WorkerManager struct {
	numberOfWorker int
	jobChannel     chan any
	do             WorkerHandler
	waiter         sync.WaitGroup
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers < 1 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan any, bufferSize),
		stop:           make(chan struct{}),
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue blocks while the buffer is full. It reports false once the pool
// is stopping or ctx is done.
func (w *WorkerManager) Enqueue(ctx context.Context, val any) bool {
	select {
	case w.jobChannel <- val:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Start runs the workers and blocks until all of them return.
func (w *WorkerManager) Start(ctx context.Context) {
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.do(ctx, index, job)
				case <-w.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()
}

func (w *WorkerManager) Exit() {
	w.stopOnce.Do(func() {
		logger.Info("worker manager is shutting down", "workers", w.numberOfWorker, "unread", w.GetUnreadCount())
		close(w.stop)
	})
}
