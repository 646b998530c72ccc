package wapc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// HostFactory produces a fresh Host on demand, used by HostPool both to seed
// its minimum population and to spawn additional workers as the pool grows.
// The pool does not rebuild a Host that panicked or otherwise became
// unusable.
type HostFactory func(ctx context.Context) (*Host, error)

// HostPoolConfig configures a HostPool.
type HostPoolConfig struct {
	// Name identifies the pool in diagnostics.
	Name string
	// MinThreads is the number of workers kept alive at all times, each
	// owning one Host. Must be >= 1.
	MinThreads int
	// MaxThreads is the population ceiling. Must be >= MinThreads.
	MaxThreads int
	// MaxWait is how long Dispatch waits for an existing worker to become
	// idle before spawning a new one (while under MaxThreads).
	MaxWait time.Duration
	// MaxIdle is how long a worker above MinThreads may sit idle before it
	// retires itself.
	MaxIdle time.Duration
	// Factory builds a new Host, one per worker.
	Factory HostFactory
}

// poolJob is one queued call: the operation, payload, and where to deliver
// the result. reply has capacity 1 so a worker never blocks delivering it.
type poolJob struct {
	ctx     context.Context
	op      string
	payload []byte
	reply   chan callResult

	cancelled int32 // set via atomic CompareAndSwap by Future.Cancel
}

type callResult struct {
	response []byte
	err      error
}

// Future is a handle to a call dispatched to a HostPool. The caller awaits
// its result with Wait, or abandons it with Cancel before a worker picks it
// up; cancellation after a worker has begun invoking the guest is not
// supported — the call runs to completion and its result is simply
// discarded.
type Future struct {
	job *poolJob
}

// Wait blocks until the dispatched call completes or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-f.job.reply:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the call if no worker has started it yet. It is a no-op if
// the call already completed or is already running.
func (f *Future) Cancel() {
	atomic.StoreInt32(&f.job.cancelled, 1)
}

// HostPool is an elastic, thread-safe multiplexer over a population of Hosts.
// Workers are real goroutines, each exclusively owning one Host; Dispatch
// enqueues work onto a shared FIFO queue (github.com/Workiva/go-datastructures/queue,
// used here as a queue of pending jobs rather than a ring buffer of
// pre-built instances) and returns a Future the caller awaits.
//
// Only FIFO *entry* order into the queue is guaranteed; completion order is
// unspecified, since call cost varies across Hosts.
type HostPool struct {
	cfg HostPoolConfig

	jobs *queue.Queue

	workerCount int32 // atomic: live worker goroutines
	idleCount   int32 // atomic: workers currently parked waiting for a job

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewHostPool builds a HostPool and starts cfg.MinThreads workers.
func NewHostPool(ctx context.Context, cfg HostPoolConfig) (*HostPool, error) {
	if cfg.MinThreads < 1 {
		return nil, errors.New("wapc: HostPoolConfig.MinThreads must be at least 1")
	}
	if cfg.MaxThreads < cfg.MinThreads {
		return nil, errors.New("wapc: HostPoolConfig.MaxThreads must be >= MinThreads")
	}
	if cfg.Factory == nil {
		return nil, errors.New("wapc: HostPoolConfig.Factory is required")
	}

	p := &HostPool{
		cfg:  cfg,
		jobs: queue.New(0),
	}

	for i := 0; i < cfg.MinThreads; i++ {
		host, err := cfg.Factory(ctx)
		if err != nil {
			p.jobs.Dispose()
			return nil, err
		}
		p.startWorker(host)
	}

	internalLogger.Info().Str("pool", cfg.Name).Int("min", cfg.MinThreads).Int("max", cfg.MaxThreads).Msg("pool started")
	return p, nil
}

// Dispatch enqueues a call and returns a Future the caller can Wait on. If no
// worker is idle and the population is below MaxThreads, a MaxWait timer is
// started; if no worker becomes idle before it fires, a new worker is
// spawned to take the job.
func (p *HostPool) Dispatch(ctx context.Context, op string, payload []byte) (*Future, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	p.mu.Unlock()

	job := &poolJob{ctx: ctx, op: op, payload: payload, reply: make(chan callResult, 1)}
	if err := p.jobs.Put(job); err != nil {
		return nil, ErrPoolShutdown
	}

	p.maybeGrow()

	return &Future{job: job}, nil
}

// maybeGrow starts the MaxWait spawn timer when no worker is currently idle
// and the pool has headroom below MaxThreads.
func (p *HostPool) maybeGrow() {
	if atomic.LoadInt32(&p.idleCount) > 0 {
		return // a worker is already idle; it will pick up the job promptly
	}
	if int(atomic.LoadInt32(&p.workerCount)) >= p.cfg.MaxThreads {
		return // already at the population ceiling
	}

	go func() {
		timer := time.NewTimer(p.cfg.MaxWait)
		defer timer.Stop()
		<-timer.C

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.shutdown {
			return
		}
		// Re-check: another spawn, or a worker going idle, may have already
		// resolved the shortage while we waited.
		if atomic.LoadInt32(&p.idleCount) > 0 {
			return
		}
		if int(atomic.LoadInt32(&p.workerCount)) >= p.cfg.MaxThreads {
			return
		}
		if p.jobs.Empty() {
			return
		}

		host, err := p.cfg.Factory(context.Background())
		if err != nil {
			internalLogger.Warn().Str("pool", p.cfg.Name).Err(err).Msg("failed to spawn worker")
			return
		}
		p.startWorker(host)
	}()
}

// startWorker launches a worker goroutine exclusively owning host and
// increments the population count. Callers must hold p.mu or otherwise know
// the pool isn't concurrently shutting down.
func (p *HostPool) startWorker(host *Host) {
	atomic.AddInt32(&p.workerCount, 1)
	p.wg.Add(1)
	go p.workerLoop(host)
}

// workerLoop drains jobs for host until the pool is disposed or the worker
// retires itself for being idle past MaxIdle while above MinThreads.
func (p *HostPool) workerLoop(host *Host) {
	defer p.wg.Done()
	defer host.Close(context.Background())
	retired := false
	defer func() {
		if !retired {
			atomic.AddInt32(&p.workerCount, -1)
		}
	}()

	pollInterval := p.cfg.MaxIdle
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	var idleSince time.Time
	idling := false

	for {
		atomic.AddInt32(&p.idleCount, 1)
		items, err := p.jobs.Poll(1, pollInterval)
		atomic.AddInt32(&p.idleCount, -1)

		if err == queue.ErrDisposed {
			return
		}
		if err == queue.ErrTimeout || len(items) == 0 {
			if !idling {
				idling = true
				idleSince = time.Now()
			}
			if p.aboveMinimum() && time.Since(idleSince) >= p.cfg.MaxIdle && p.cfg.MaxIdle > 0 {
				// Claim the retirement with a CAS so concurrently idle workers
				// cannot all pass the check and drop below MinThreads.
				n := atomic.LoadInt32(&p.workerCount)
				if int(n) > p.cfg.MinThreads && atomic.CompareAndSwapInt32(&p.workerCount, n, n-1) {
					retired = true
					internalLogger.Debug().Str("pool", p.cfg.Name).Msg("worker retiring after idle timeout")
					return
				}
			}
			continue
		}
		idling = false

		job := items[0].(*poolJob)
		p.runJob(host, job)
	}
}

// aboveMinimum reports whether the pool currently has more live workers than
// MinThreads, the precondition for idle self-retirement — workers at or
// below MinThreads never self-terminate.
func (p *HostPool) aboveMinimum() bool {
	return int(atomic.LoadInt32(&p.workerCount)) > p.cfg.MinThreads
}

// runJob executes a single job on host and delivers the result, unless the
// job was cancelled before the worker picked it up.
func (p *HostPool) runJob(host *Host, job *poolJob) {
	if atomic.LoadInt32(&job.cancelled) != 0 {
		return
	}

	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	response, err := host.Call(ctx, job.op, job.payload)
	job.reply <- callResult{response: response, err: err}
}

// Close disposes of the job queue and stops all workers. Jobs still waiting in
// the queue are dropped, and their Futures never receive a result. Each worker
// exits after finishing whatever call it is currently executing. Close is
// idempotent.
func (p *HostPool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	p.jobs.Dispose()
	p.wg.Wait()

	internalLogger.Info().Str("pool", p.cfg.Name).Msg("pool closed")
}

// Population returns the current number of live worker goroutines, useful
// for asserting elasticity invariants (min <= live <= max) in tests.
func (p *HostPool) Population() int {
	return int(atomic.LoadInt32(&p.workerCount))
}
