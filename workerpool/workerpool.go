// Package workerpool runs servant dispatches off the reactor, per
// spec.md §5 ("user-code dispatches run on a worker pool so the
// reactor remains responsive"). Pool sizing defaults to the host's CPU
// count, mirroring the teacher's sys.NumCPU auto-sizing convention
// (sys/cpu.go): New with n <= 0, and so RuntimeConfig.WorkerThreadCount
// == 0, starts runtime.NumCPU() workers. There is no manual-drive mode;
// dispatches always run on a pool of at least one worker.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work submitted to the pool — typically a
// servant dispatch closure capturing its own DispatchContext.
type Task func()

// Pool is a fixed-size goroutine pool draining a work queue.
type Pool struct {
	tasks chan Task
	grp   *errgroup.Group
	stop  context.CancelFunc
}

// Size returns n if n > 0, else runtime.NumCPU() — the default sizing
// spec.md §5 calls "one sensible default."
func Size(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// New starts a pool of Size(n) workers with a queue depth of
// queueDepth pending tasks before Submit blocks.
func New(n, queueDepth int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	grp, gctx := errgroup.WithContext(ctx)
	p := &Pool{tasks: make(chan Task, queueDepth), grp: grp, stop: cancel}
	for i := 0; i < Size(n); i++ {
		grp.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case t := <-p.tasks:
			t()
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues t, blocking if every worker and the queue are busy.
func (p *Pool) Submit(t Task) {
	p.tasks <- t
}

// Stop cancels every worker and waits for the in-flight task (if any)
// each one is running to return, via golang.org/x/sync/errgroup's
// fan-in Wait — the teacher's own idiom for bounded worker shutdown.
func (p *Pool) Stop() {
	p.stop()
	_ = p.grp.Wait()
}
