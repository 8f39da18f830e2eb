// Package threadpool runs parallel loops on a fixed set of workers.
//
// A loop is installed as a job in one of a bounded number of slots. The
// goroutine that submits it works on the loop as well, so a loop always
// finishes even when every worker is busy, and loops may nest.
package threadpool

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Defaults of the device pool.
const (
	DefaultSlots   = 10
	DefaultWorkers = 3
)

// Owner is the worker index passed to tasks that run on the submitting
// goroutine.
const Owner = -1

// ErrPoolFull is returned when every job slot is taken.
var ErrPoolFull = errors.New("no free job slot")

// A SchedError reports a loop that could not be scheduled.
type SchedError struct {
	Size int
	Err  error
}

func (e *SchedError) Error() string {
	return fmt.Sprintf("schedule parallel loop of %d: %v", e.Size, e.Err)
}

// Unwrap returns the cause.
func (e *SchedError) Unwrap() error {
	return e.Err
}

// A Task runs one index of a loop. worker is Owner or the index of the pool
// worker. A non-zero result marks the loop as failed.
type Task func(worker, index int) int32

type job struct {
	task   Task
	next   int
	end    int
	active int
	status int32
	seq    uint64
	inUse  bool
	done   *sync.Cond
}

// Stats counts the work of a pool.
type Stats struct {
	Slots    int    `json:"slots"`
	Workers  int    `json:"workers"`
	Running  bool   `json:"running"`
	Busy     int    `json:"busy_slots"`
	Jobs     uint64 `json:"jobs"`
	Units    uint64 `json:"units"`
	Stolen   uint64 `json:"units_by_workers"`
	Rejected uint64 `json:"rejected"`
}

// A Pool owns the job slots and the workers of a device.
type Pool struct {
	mu    sync.Mutex
	avail *sync.Cond
	jobs  []job

	workers  int
	pending  int
	seq      uint64
	running  bool
	stopping bool
	wg       sync.WaitGroup

	// OnStop is called after the workers have exited.
	OnStop func()

	stats Stats
}

// New creates a pool. Workers start at the first loop.
func New(slots, workers int) *Pool {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if workers < 0 {
		workers = 0
	}

	p := &Pool{
		jobs:    make([]job, slots),
		workers: workers,
	}
	p.avail = sync.NewCond(&p.mu)
	for i := range p.jobs {
		p.jobs[i].done = sync.NewCond(&p.mu)
	}
	p.stats.Slots = slots
	p.stats.Workers = workers
	return p
}

// Workers returns the number of pool workers.
func (p *Pool) Workers() int {
	return p.workers
}

// ParallelFor runs task for every index in [min, min+size) and waits for all
// of them. It returns the first non-zero task result, or zero.
func (p *Pool) ParallelFor(task Task, min, size int) (int32, error) {
	if size <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	j := p.installLocked(task, min, size)
	if j == nil {
		p.stats.Rejected++
		return 0, &SchedError{Size: size, Err: ErrPoolFull}
	}

	for j.next < j.end {
		index := j.next
		j.next++
		j.active++

		p.mu.Unlock()
		status := task(Owner, index)
		p.mu.Lock()

		p.finishLocked(j, status)
	}

	for j.active > 0 {
		j.done.Wait()
	}

	status := j.status
	j.inUse = false
	j.task = nil
	return status, nil
}

func (p *Pool) installLocked(task Task, min, size int) *job {
	var j *job
	for i := range p.jobs {
		if !p.jobs[i].inUse {
			j = &p.jobs[i]
			break
		}
	}
	if j == nil {
		return nil
	}

	p.seq++
	done := j.done
	*j = job{
		task:  task,
		next:  min,
		end:   min + size,
		seq:   p.seq,
		inUse: true,
		done:  done,
	}
	p.stats.Jobs++

	if p.workers > 0 && size > 1 {
		p.startLocked()
		p.pending += size - 1
		p.avail.Broadcast()
	}
	return j
}

func (p *Pool) finishLocked(j *job, status int32) {
	j.active--
	p.stats.Units++
	if status != 0 && j.status == 0 {
		j.status = status
	}
	if j.next >= j.end && j.active == 0 {
		j.done.Broadcast()
	}
}

func (p *Pool) startLocked() {
	if p.running {
		return
	}
	p.running = true
	p.stopping = false
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
}

// pickLocked returns the newest job with unclaimed indices.
func (p *Pool) pickLocked() *job {
	var best *job
	for i := range p.jobs {
		j := &p.jobs[i]
		if !j.inUse || j.next >= j.end {
			continue
		}
		if best == nil || j.seq > best.seq {
			best = j
		}
	}
	return best
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for p.pending == 0 && !p.stopping {
			p.avail.Wait()
		}
		if p.stopping {
			return
		}
		p.pending--

		j := p.pickLocked()
		if j == nil {
			continue
		}

		task, index := j.task, j.next
		j.next++
		j.active++
		p.stats.Stolen++

		p.mu.Unlock()
		status := task(id, index)
		p.mu.Lock()

		p.finishLocked(j, status)
	}
}

// Shutdown wakes and joins all workers. Loops in progress are finished by
// their owners. The pool starts again at the next loop.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.avail.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.stopping = false
	p.pending = 0
	p.mu.Unlock()

	if p.OnStop != nil {
		p.OnStop()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Running = p.running
	for i := range p.jobs {
		if p.jobs[i].inUse {
			s.Busy++
		}
	}
	return s
}
