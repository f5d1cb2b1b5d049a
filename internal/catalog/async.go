package catalog

import "sync"

// completion pairs a finished query with the filter that produced it, so a
// caller can reject results whose filter is no longer the current one.
type completion struct {
	filter   PatchFilter
	patches  []PatchHolder
	finished func(PatchFilter, []PatchHolder)
}

// queryPool runs catalog queries on a fixed set of workers. Completions are
// drained by a single dispatcher goroutine, so callbacks never run
// concurrently with each other.
type queryPool struct {
	jobs        chan func()
	completions chan completion

	mu     sync.Mutex
	closed bool

	workers    sync.WaitGroup
	dispatcher sync.WaitGroup
}

func newQueryPool(workers int) *queryPool {
	if workers < 1 {
		workers = 1
	}
	p := &queryPool{
		jobs:        make(chan func(), 16),
		completions: make(chan completion, 16),
	}

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.workers.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}

	p.dispatcher.Add(1)
	go func() {
		defer p.dispatcher.Done()
		for c := range p.completions {
			c.finished(c.filter, c.patches)
		}
	}()

	return p
}

// submit queues a job. Jobs submitted after close are dropped.
func (p *queryPool) submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs <- job
	return true
}

func (p *queryPool) complete(c completion) {
	p.completions <- c
}

// close drains the pool: queued jobs still run and their callbacks still
// fire before close returns.
func (p *queryPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	p.workers.Wait()
	close(p.completions)
	p.dispatcher.Wait()
}
