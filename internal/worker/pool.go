// Package worker implements the supervised CPU-bound task pool (C4): a
// fixed number of parallel execution contexts pulling from a
// container/heap priority queue ordered by (-priority, submitted_at),
// with heartbeat-based health supervision, idle-timeout detection, and
// crash replacement.
package worker

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/kbindex/internal/debug"
	"github.com/standardbeagle/kbindex/internal/kberrors"
	"github.com/standardbeagle/kbindex/internal/types"
)

// Task and Result alias the shared data model so callers of this
// package and C6 speak the same vocabulary without an import cycle.
type Task = types.AnalysisTask
type Result = types.AnalysisResult

// Executor runs one task's work. ctx is cancelled cooperatively between
// tasks on shutdown or worker replacement; it is not guaranteed to
// interrupt work already in progress (spec's cooperative-cancellation
// note).
type Executor func(ctx context.Context, task Task) (any, error)

// Options configures a Pool, sourced from config.Worker.
type Options struct {
	MaxWorkers        int
	MaxQueueSize      int
	WorkerIdleTimeout time.Duration
	HeartbeatInterval time.Duration
}

// Status is the status() surface from spec §4.4.
type Status struct {
	Workers  int
	QueueLen int
	Active   int
	Stats    Stats
}

// Stats carries cumulative pool counters.
type Stats struct {
	Completed int64
	Failed    int64
	Crashed   int64
	Rejected  int64
}

type taskItem struct {
	task      Task
	resultCh  chan Result
	cancelled int32
	index     int
}

type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority // higher priority first
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type workerCtx struct {
	id            int
	cancel        context.CancelFunc
	lastHeartbeat int64 // unix nano, atomic
	taskStarted   int64 // unix nano, atomic; 0 when idle
}

// Pool is a supervised, priority-ordered worker pool.
type Pool struct {
	opts Options
	exec Executor

	mu    sync.Mutex
	cond  *sync.Cond
	queue taskHeap

	shuttingDown bool
	nextWorkerID int
	workers      map[int]*workerCtx

	stats Stats

	rootCtx    context.Context
	rootCancel context.CancelFunc
	group      *errgroup.Group // tracks worker goroutines only
	superDone  chan struct{}
	superWG    sync.WaitGroup
}

// New constructs a Pool and immediately spawns opts.MaxWorkers
// execution contexts plus a heartbeat supervisor.
func New(opts Options, exec Executor) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 1024
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.WorkerIdleTimeout <= 0 {
		opts.WorkerIdleTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		opts:       opts,
		exec:       exec,
		workers:    make(map[int]*workerCtx),
		rootCtx:    ctx,
		rootCancel: cancel,
		group:      &errgroup.Group{},
		superDone:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < opts.MaxWorkers; i++ {
		p.startWorker()
	}

	p.superWG.Add(1)
	go p.supervise()

	return p
}

func (p *Pool) startWorker() {
	p.mu.Lock()
	id := p.nextWorkerID
	p.nextWorkerID++
	p.mu.Unlock()

	wctx, cancel := context.WithCancel(p.rootCtx)
	wc := &workerCtx{id: id, cancel: cancel}
	atomic.StoreInt64(&wc.lastHeartbeat, time.Now().UnixNano())

	p.mu.Lock()
	p.workers[id] = wc
	p.mu.Unlock()

	p.group.Go(func() error {
		p.runWorker(wctx, wc)
		return nil
	})
}

func (p *Pool) runWorker(ctx context.Context, wc *workerCtx) {
	heartbeat := time.NewTicker(p.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-heartbeat.C:
				atomic.StoreInt64(&wc.lastHeartbeat, time.Now().UnixNano())
			case <-stop:
				return
			}
		}
	}()

	for {
		item, ok := p.nextTask(ctx)
		if !ok {
			return
		}
		if atomic.LoadInt32(&item.cancelled) != 0 {
			continue
		}

		atomic.StoreInt64(&wc.taskStarted, time.Now().UnixNano())
		res, crashed := p.safeExec(ctx, wc, item.task)
		atomic.StoreInt64(&wc.taskStarted, 0)
		atomic.StoreInt64(&wc.lastHeartbeat, time.Now().UnixNano())

		if res.OK {
			atomic.AddInt64(&p.stats.Completed, 1)
		} else {
			atomic.AddInt64(&p.stats.Failed, 1)
		}

		select {
		case item.resultCh <- res:
		default:
		}
		close(item.resultCh)

		if crashed {
			atomic.AddInt64(&p.stats.Crashed, 1)
			debug.LogWorker("worker %d crashed on task %s, replacing", wc.id, item.task.ID)
			p.mu.Lock()
			delete(p.workers, wc.id)
			shuttingDown := p.shuttingDown
			p.mu.Unlock()
			if !shuttingDown {
				p.startWorker()
			}
			return
		}
	}
}

// safeExec runs the executor, converting a panic into a WorkerCrashed
// result and reporting that the context should be replaced (spec's "a
// context crash triggers immediate replacement" rule). When task.TimeoutMs
// is set, exec runs on its own goroutine so a per-task deadline can fire
// independent of the executor honouring ctx cancellation (the executor
// is not guaranteed to interrupt work already in progress); on expiry
// the task fails with Timeout and the worker is recycled, same as a crash.
func (p *Pool) safeExec(ctx context.Context, wc *workerCtx, task Task) (res Result, crashed bool) {
	start := time.Now()

	type outcome struct {
		res     Result
		crashed bool
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{
					res: Result{
						TaskID: task.ID,
						OK:     false,
						Error:  kberrors.New(kberrors.WorkerCrashed, "worker.exec", nil).WithPath(task.ID),
						Metrics: types.Metrics{
							DurationMs: time.Since(start).Milliseconds(),
						},
					},
					crashed: true,
				}
			}
		}()

		value, err := p.exec(ctx, task)
		if err != nil {
			done <- outcome{res: Result{
				TaskID:  task.ID,
				OK:      false,
				Error:   err,
				Metrics: types.Metrics{DurationMs: time.Since(start).Milliseconds()},
			}}
			return
		}
		done <- outcome{res: Result{
			TaskID:  task.ID,
			OK:      true,
			Value:   value,
			Metrics: types.Metrics{DurationMs: time.Since(start).Milliseconds()},
		}}
	}()

	if task.TimeoutMs > 0 {
		select {
		case o := <-done:
			return o.res, o.crashed
		case <-time.After(time.Duration(task.TimeoutMs) * time.Millisecond):
			debug.LogWorker("worker %d task %s exceeded %dms timeout, recycling", wc.id, task.ID, task.TimeoutMs)
			return Result{
				TaskID: task.ID,
				OK:     false,
				Error:  kberrors.New(kberrors.Timeout, "worker.exec", nil).WithPath(task.ID),
				Metrics: types.Metrics{DurationMs: time.Since(start).Milliseconds()},
			}, true
		}
	}

	o := <-done
	return o.res, o.crashed
}

// nextTask blocks until a task is available, the worker context is
// cancelled, or shutdown with an empty queue is observed.
func (p *Pool) nextTask(ctx context.Context) (*taskItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 && !p.shuttingDown && ctx.Err() == nil {
		p.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, false
	}
	if p.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&p.queue).(*taskItem), true
}

// Submit enqueues task and returns a channel the caller receives its
// single Result from.
func (p *Pool) Submit(task Task) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown {
		atomic.AddInt64(&p.stats.Rejected, 1)
		return nil, kberrors.New(kberrors.ShuttingDown, "worker.submit", nil).WithPath(task.ID)
	}
	if p.queue.Len() >= p.opts.MaxQueueSize {
		atomic.AddInt64(&p.stats.Rejected, 1)
		return nil, kberrors.New(kberrors.QueueFull, "worker.submit", nil).WithPath(task.ID)
	}

	item := &taskItem{task: task, resultCh: make(chan Result, 1)}
	heap.Push(&p.queue, item)
	p.cond.Signal()
	return item.resultCh, nil
}

// SubmitBatch submits every task and waits for all results. A task
// that fails admission (QueueFull/ShuttingDown) is reported as a
// failed Result rather than aborting the rest of the batch.
func (p *Pool) SubmitBatch(tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		ch, err := p.Submit(task)
		if err != nil {
			results[i] = Result{TaskID: task.ID, OK: false, Error: err}
			continue
		}
		wg.Add(1)
		go func(idx int, resultCh <-chan Result) {
			defer wg.Done()
			results[idx] = <-resultCh
		}(i, ch)
	}
	wg.Wait()
	return results
}

// StreamOptions configures Stream.
type StreamOptions struct {
	ChunkSize   int
	Concurrency int
	OnProgress  func(done, total int)
}

// Stream submits tasks bounded by opts.Concurrency in-flight at a time
// and emits chunks of up to opts.ChunkSize Results, in completion
// order, as they become available.
func (p *Pool) Stream(tasks []Task, opts StreamOptions) <-chan []Result {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = p.opts.MaxWorkers
	}

	out := make(chan []Result, 4)
	go func() {
		defer close(out)

		sem := make(chan struct{}, opts.Concurrency)
		completed := make(chan Result, len(tasks))
		var wg sync.WaitGroup

		for _, task := range tasks {
			sem <- struct{}{}
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				defer func() { <-sem }()

				ch, err := p.Submit(t)
				if err != nil {
					completed <- Result{TaskID: t.ID, OK: false, Error: err}
					return
				}
				completed <- <-ch
			}(task)
		}

		go func() {
			wg.Wait()
			close(completed)
		}()

		total := len(tasks)
		done := 0
		chunk := make([]Result, 0, opts.ChunkSize)
		for res := range completed {
			done++
			chunk = append(chunk, res)
			if opts.OnProgress != nil {
				opts.OnProgress(done, total)
			}
			if len(chunk) >= opts.ChunkSize {
				out <- chunk
				chunk = make([]Result, 0, opts.ChunkSize)
			}
		}
		if len(chunk) > 0 {
			out <- chunk
		}
	}()
	return out
}

// Status reports the pool's current worker/queue/activity snapshot.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, wc := range p.workers {
		if atomic.LoadInt64(&wc.taskStarted) != 0 {
			active++
		}
	}

	return Status{
		Workers:  len(p.workers),
		QueueLen: p.queue.Len(),
		Active:   active,
		Stats: Stats{
			Completed: atomic.LoadInt64(&p.stats.Completed),
			Failed:    atomic.LoadInt64(&p.stats.Failed),
			Crashed:   atomic.LoadInt64(&p.stats.Crashed),
			Rejected:  atomic.LoadInt64(&p.stats.Rejected),
		},
	}
}

// supervise periodically checks every worker's heartbeat and idle
// time, replacing any that are unhealthy or stuck (I4: a crashed or
// stuck worker is replaced without operator intervention).
func (p *Pool) supervise() {
	defer p.superWG.Done()

	interval := p.opts.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.superDone:
			return
		case <-ticker.C:
			p.checkWorkers()
		}
	}
}

func (p *Pool) checkWorkers() {
	now := time.Now()

	p.mu.Lock()
	var stale []*workerCtx
	for _, wc := range p.workers {
		last := time.Unix(0, atomic.LoadInt64(&wc.lastHeartbeat))
		if now.Sub(last) > 2*p.opts.HeartbeatInterval {
			stale = append(stale, wc)
			continue
		}
		started := atomic.LoadInt64(&wc.taskStarted)
		if started != 0 && now.Sub(time.Unix(0, started)) > p.opts.WorkerIdleTimeout {
			stale = append(stale, wc)
		}
	}
	for _, wc := range stale {
		delete(p.workers, wc.id)
	}
	p.mu.Unlock()

	p.mu.Lock()
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	for _, wc := range stale {
		debug.LogWorker("worker %d unhealthy or stuck, replacing", wc.id)
		wc.cancel()
		if !shuttingDown {
			p.startWorker()
		}
	}
}

// Shutdown stops accepting new tasks, waits up to timeout for in-flight
// work to finish, then cancels remaining contexts. After Shutdown
// returns, no worker goroutine is live (I5).
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	p.shuttingDown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-time.After(timeout):
		p.rootCancel()
		<-done
		shutdownErr = kberrors.New(kberrors.Timeout, "worker.shutdown", nil)
	}

	close(p.superDone)
	p.superWG.Wait()
	p.rootCancel()
	return shutdownErr
}
