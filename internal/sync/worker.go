package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
)

// Job is work the engine hands off without waiting for it: LOW items,
// media uploads and fallback sends.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// WorkerPool runs detached jobs. Stop stops intake and lets queued jobs finish.
type WorkerPool struct {
	workers int
	jobs    chan Job
	ctx     context.Context

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

func NewWorkerPool(workers, backlog int) *WorkerPool {
	if workers <= 0 {
		workers = 2
	}
	if backlog <= 0 {
		backlog = 64
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job, backlog),
		ctx:     context.Background(),
	}
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting detached worker pool", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Submit queues a job without blocking. It reports false when the pool is
// stopped or the backlog is full.
func (p *WorkerPool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		return true
	default:
		p.pending.Done()
		logger.Log.Debug("Worker pool backlog full", zap.String("job", job.Name))
		return false
	}
}

// Wait blocks until every submitted job has finished.
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}

func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	logger.Log.Info("Stopped detached worker pool")
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.execute(id, job)
	}
}

func (p *WorkerPool) execute(id int, job Job) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Detached job panicked",
				zap.Int("workerID", id),
				zap.String("job", job.Name),
				zap.Any("panic", r),
			)
		}
	}()
	logger.Log.Debug("Running detached job", zap.Int("workerID", id), zap.String("job", job.Name))
	job.Run(p.ctx)
}
