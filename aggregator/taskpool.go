package aggregator

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// taskPool is the explicit tracked background-task collection Design
// Notes bullet 4 calls for: spawned goroutines register themselves so
// Drain can block until all of them finish, instead of relying on a
// runtime-global goroutine count.
type taskPool struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

// Go runs fn in a tracked goroutine unless the pool is stopping, in
// which case the task is dropped (spec.md §4.4.10 "new tasks scheduled
// after stopping are dropped"). Panics inside fn are recovered and
// logged, matching spec.md §5 "task failures are swallowed ... but
// should be observable."
func (p *taskPool) Go(name string, fn func()) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		log.Debug("aggregator: task dropped after stop", "task", name)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("aggregator: task panicked", "task", name, "panic", r)
			}
		}()
		fn()
	}()
}

// Stop marks the pool as stopping; subsequent Go calls are dropped.
func (p *taskPool) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

// Drain blocks until every tracked task has returned.
func (p *taskPool) Drain() {
	p.wg.Wait()
}
