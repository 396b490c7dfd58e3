package eventloop

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs blocking functions off the loop goroutine.
//
// Workers are started lazily, one per submission that finds no idle worker,
// up to the configured maximum. Jobs wait in an unbounded FIFO, so
// submitting never blocks. Workers live until Shutdown.
type WorkerPool struct {
	logger *logiface.Logger[logiface.Event]
	cond   *sync.Cond
	jobs   *queue.Queue
	group  errgroup.Group
	// max is the upper bound on live workers
	max     int
	workers int
	idle    int
	closed  bool
	mu      sync.Mutex
}

type poolJob struct {
	run func()
	// abandon is called instead of run, if the pool shuts down first
	abandon func()
}

// PoolOption configures a WorkerPool.
type PoolOption interface {
	applyPool(*poolOptions) error
}

type poolOptions struct {
	logger *logiface.Logger[logiface.Event]
}

type poolOptionImpl struct {
	applyPoolFunc func(*poolOptions) error
}

func (p *poolOptionImpl) applyPool(opts *poolOptions) error {
	return p.applyPoolFunc(opts)
}

// WithPoolLogger attaches a structured logger to the pool.
func WithPoolLogger(logger *logiface.Logger[logiface.Event]) PoolOption {
	return &poolOptionImpl{func(opts *poolOptions) error {
		opts.logger = logger
		return nil
	}}
}

// DefaultPoolSize returns the worker limit used when none is given,
// min(32, NumCPU+4).
func DefaultPoolSize() int {
	return min(32, runtime.NumCPU()+4)
}

// NewWorkerPool creates a pool of up to maxWorkers workers. Values <= 0 use
// DefaultPoolSize.
func NewWorkerPool(maxWorkers int, opts ...PoolOption) (*WorkerPool, error) {
	var cfg poolOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(&cfg); err != nil {
			return nil, err
		}
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultPoolSize()
	}
	p := &WorkerPool{
		logger: cfg.logger,
		jobs:   queue.New(),
		max:    maxWorkers,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Max returns the upper bound on live workers.
func (p *WorkerPool) Max() int {
	return p.max
}

// Workers returns the number of live workers.
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Submit queues fn to run on a worker. Returns ErrPoolClosed after Shutdown.
// A queued fn that has not started when the pool shuts down never runs.
func (p *WorkerPool) Submit(fn func()) error {
	return p.submit(poolJob{run: fn})
}

func (p *WorkerPool) submit(job poolJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.jobs.Add(job)

	if p.jobs.Length() > p.idle && p.workers < p.max {
		p.workers++
		p.group.Go(p.worker)
		p.logger.Debug().
			Str("category", "pool").
			Int("workers", p.workers).
			Log("eventloop: worker started")
	} else {
		p.cond.Signal()
	}

	return nil
}

func (p *WorkerPool) worker() error {
	// also covers a job calling runtime.Goexit
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()
	for {
		p.mu.Lock()
		for p.jobs.Length() == 0 && !p.closed {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		job := p.jobs.Remove().(poolJob)
		p.mu.Unlock()

		p.execute(job.run)
	}
}

func (p *WorkerPool) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Err().
				Str("category", "pool").
				Str("panic", PanicError{Value: r}.Error()).
				Log("eventloop: pool job panicked")
		}
	}()
	fn()
}

// Shutdown stops the pool accepting work, and abandons queued jobs that have
// not started. Running jobs finish unattended. If wait is true, Shutdown
// blocks until every worker has exited. Safe to call more than once.
func (p *WorkerPool) Shutdown(wait bool) {
	p.mu.Lock()
	var abandoned []poolJob
	if !p.closed {
		p.closed = true
		for p.jobs.Length() > 0 {
			abandoned = append(abandoned, p.jobs.Remove().(poolJob))
		}
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, job := range abandoned {
		if job.abandon != nil {
			job.abandon()
		}
	}

	if len(abandoned) != 0 {
		p.logger.Debug().
			Str("category", "pool").
			Int("abandoned", len(abandoned)).
			Log("eventloop: pool shut down with queued jobs")
	}

	if wait {
		_ = p.group.Wait()
	}
}

// Promisify runs fn on a worker, returning a promise bound to loop.
//
// It ensures:
//   - Cancellation: an already cancelled ctx rejects with ctx.Err(), without running fn.
//   - Panics: reject with a PanicError, carrying the stack.
//   - Goexit: runtime.Goexit rejects with ErrGoexit, rather than hanging.
//   - Shutdown: a job abandoned by Shutdown rejects with ErrPoolClosed.
//
// Continuations registered on the promise run on the loop goroutine.
func (p *WorkerPool) Promisify(loop *Loop, ctx context.Context, fn func(ctx context.Context) (Result, error)) *Promise {
	promise, resolve, reject := loop.NewPromise()

	if err := ctx.Err(); err != nil {
		reject(err)
		return promise
	}

	err := p.submit(poolJob{
		run: func() {
			if err := ctx.Err(); err != nil {
				reject(err)
				return
			}

			// Completion flag to distinguish normal return from Goexit
			completed := false
			defer func() {
				if r := recover(); r != nil {
					reject(PanicError{Value: r, Stack: debug.Stack()})
				} else if !completed {
					reject(ErrGoexit)
				}
			}()

			res, err := fn(ctx)
			completed = true
			if err != nil {
				reject(err)
			} else {
				resolve(res)
			}
		},
		abandon: func() {
			reject(ErrPoolClosed)
		},
	})
	if err != nil {
		reject(err)
	}

	return promise
}
