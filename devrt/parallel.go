package devrt

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/emu"
	"gitlab.com/akita/offload/insts"
	"gitlab.com/akita/offload/threadpool"
)

// A loop is one dsp_do_par_for call in flight.
type loop struct {
	r       *Runtime
	caller  *emu.Thread
	task    uint32
	closure uint32

	spent uint64

	once  sync.Once
	fault error
}

func (l *loop) fail(err error) int32 {
	l.once.Do(func() { l.fault = err })
	return -1
}

// run executes one index. The owner runs on the calling thread and the
// workers on their own threads, with the global pointer of the caller.
func (l *loop) run(worker, index int) int32 {
	if worker == threadpool.Owner {
		ret, err := l.caller.Call(l.task, uint32(index), l.closure)
		if err != nil {
			return l.fail(err)
		}
		return int32(ret)
	}

	t, err := l.r.workerThread(worker, l.caller.Machine())
	if err != nil {
		return l.fail(err)
	}

	before := t.Cycles()
	t.Regs[insts.RegGP] = l.caller.GP()
	ret, err := t.Call(l.task, uint32(index), l.closure)
	atomic.AddUint64(&l.spent, t.Cycles()-before)
	if err != nil {
		return l.fail(err)
	}
	return int32(ret)
}

// parFor(task, min, size, closure) calls task(index, closure) for every
// index in [min, min+size) and returns the first non-zero result. When the
// pool has no free slot the loop runs serially on the caller.
func parFor(r *Runtime, t *emu.Thread) error {
	l := &loop{
		r:       r,
		caller:  t,
		task:    t.Arg(0),
		closure: t.Arg(3),
	}
	min, size := int(int32(t.Arg(1))), int(int32(t.Arg(2)))

	status, err := r.pool.ParallelFor(l.run, min, size)
	if errors.Is(err, threadpool.ErrPoolFull) {
		if r.debug {
			log.Printf("devrt: %v, running serially", err)
		}
		status = 0
		for i := min; i < min+size; i++ {
			if s := l.run(threadpool.Owner, i); s != 0 && status == 0 {
				status = s
			}
		}
	} else if err != nil {
		return err
	}

	t.Charge(atomic.LoadUint64(&l.spent))
	if l.fault != nil {
		return l.fault
	}

	t.SetReturn(uint32(status))
	return nil
}

// doTask(task, index, closure) runs one index on the caller.
func doTask(_ *Runtime, t *emu.Thread) error {
	ret, err := t.Call(t.Arg(0), t.Arg(1), t.Arg(2))
	if err != nil {
		return err
	}
	t.SetReturn(ret)
	return nil
}

// workerThread returns the thread of a pool worker. Each worker is one
// goroutine, so its thread is never shared.
func (r *Runtime) workerThread(worker int, m *emu.Machine) (*emu.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.workers[worker]; ok {
		return t, nil
	}

	t, err := m.NewThread(0)
	if err != nil {
		return nil, err
	}
	r.workers[worker] = t
	return t, nil
}

func (r *Runtime) releaseWorkers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.workers {
		t.Release()
		delete(r.workers, id)
	}
}

// WorkerThreads returns the number of worker threads alive.
func (r *Runtime) WorkerThreads() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.workers)
}
