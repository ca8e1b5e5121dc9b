package fanout

import (
	"fmt"
	"sync"
)

// Priority orders pending callbacks; a worker always takes the highest
// non-empty level first.
type Priority uint8

const (
	PriorityBackground Priority = iota
	PriorityUtility
	PriorityDefault
	PriorityHigh
	PriorityInteractive

	numPriorities = int(PriorityInteractive) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityUtility:
		return "utility"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	case PriorityInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func (p Priority) clamp() Priority {
	if int(p) >= numPriorities {
		return PriorityInteractive
	}
	return p
}

// Pool runs submitted functions on a fixed set of workers.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues [numPriorities][]func()
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

// Submit queues fn at prio and reports false once the pool is closed.
func (p *Pool) Submit(prio Priority, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	lvl := prio.clamp()
	p.queues[lvl] = append(p.queues[lvl], fn)
	p.cond.Signal()
	return true
}

// Pending returns the number of queued functions.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for lvl := numPriorities - 1; lvl >= 0; lvl-- {
			if q := p.queues[lvl]; len(q) > 0 {
				fn := q[0]
				q[0] = nil
				p.queues[lvl] = q[1:]
				return fn, true
			}
		}
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		fn, ok := p.next()
		if !ok {
			return
		}
		fn()
	}
}

// Close rejects new work. Queued work still runs.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until every worker has exited; call Close first.
func (p *Pool) Wait() { p.wg.Wait() }
