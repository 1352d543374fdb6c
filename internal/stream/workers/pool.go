// Package workers runs generation jobs on a bounded set of execution units.
//
// Every unit is a goroutine with a one-slot inbox and executes at most one job
// at a time. Jobs submitted while no unit is idle wait in a FIFO queue. A
// failed job goes back to the front of the queue until it has been retried
// MaxRetries times, after which its Future is rejected with
// ErrRetriesExhausted. A panicking unit is replaced and its job retried under
// the same budget.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxRetries is the retry budget after the initial attempt.
const DefaultMaxRetries = 2

var (
	ErrRetriesExhausted = errors.New("workers: retries exhausted")
	ErrClosed           = errors.New("workers: pool closed")
)

// Func executes one job. The payload is owned by the unit for the duration
// of the call and the returned value is owned by whoever reads the Future.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

type Future[Out any] struct {
	id   uint64
	done chan struct{}

	out      Out
	err      error
	attempts int
}

func (f *Future[Out]) ID() uint64            { return f.id }
func (f *Future[Out]) Done() <-chan struct{} { return f.done }
func (f *Future[Out]) Result() (Out, error)  { <-f.done; return f.out, f.err }
func (f *Future[Out]) Attempts() int         { <-f.done; return f.attempts }
func (f *Future[Out]) Wait(ctx context.Context) (Out, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		var zero Out
		return zero, ctx.Err()
	}
}

type job[In, Out any] struct {
	id         uint64
	payload    In
	retries    int
	dispatched time.Time
	fut        *Future[Out]
}

type unit[In, Out any] struct {
	id      int
	inbox   chan *job[In, Out]
	quit    chan struct{}
	retire  bool
	current *job[In, Out]
}

type Options struct {
	Name string
	Size int
	// MaxRetries < 0 selects DefaultMaxRetries.
	MaxRetries int
}

type Stats struct {
	Name      string  `json:"name"`
	Size      int     `json:"size"`
	Idle      int     `json:"idle"`
	Busy      int     `json:"busy"`
	Queued    int     `json:"queued"`
	Submitted uint64  `json:"submitted"`
	Completed uint64  `json:"completed"`
	Rejected  uint64  `json:"rejected"`
	Retries   uint64  `json:"retries"`
	Crashes   uint64  `json:"crashes"`
	AvgRunMS  float64 `json:"avg_run_ms"`
}

type Pool[In, Out any] struct {
	name       string
	fn         Func[In, Out]
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	units    map[int]*unit[In, Out]
	idle     []*unit[In, Out]
	wait     []*job[In, Out]
	busy     int
	nextUnit int

	nextJob   atomic.Uint64
	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	retries   atomic.Uint64
	crashes   atomic.Uint64
	runNanos  atomic.Int64
	runs      atomic.Uint64
}

func New[In, Out any](opts Options, fn Func[In, Out]) *Pool[In, Out] {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[In, Out]{
		name:       opts.Name,
		fn:         fn,
		maxRetries: opts.MaxRetries,
		ctx:        ctx,
		cancel:     cancel,
		units:      map[int]*unit[In, Out]{},
	}
	p.mu.Lock()
	for i := 0; i < opts.Size; i++ {
		p.idle = append(p.idle, p.spawnLocked())
	}
	p.mu.Unlock()
	return p
}

// Execute hands payload to the pool. Ownership of payload moves to the pool.
func (p *Pool[In, Out]) Execute(payload In) *Future[Out] {
	j := &job[In, Out]{
		id:      p.nextJob.Add(1),
		payload: payload,
		fut:     &Future[Out]{done: make(chan struct{})},
	}
	j.fut.id = j.id
	p.submitted.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.rejectLocked(j, ErrClosed)
		return j.fut
	}
	if n := len(p.idle); n > 0 {
		u := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.dispatchLocked(u, j)
		return j.fut
	}
	p.wait = append(p.wait, j)
	return j.fut
}

// Resize grows by spawning idle units or shrinks by stopping idle units
// first, then retiring busy ones once their current job finishes.
func (p *Pool[In, Out]) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	live := p.liveLocked()
	for ; live < n; live++ {
		u := p.spawnLocked()
		p.nextJobLocked(u)
	}
	for live > n && len(p.idle) > 0 {
		u := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.stopLocked(u)
		live--
	}
	if live <= n {
		return
	}
	for _, u := range p.units {
		if live <= n {
			break
		}
		if !u.retire {
			u.retire = true
			live--
		}
	}
}

func (p *Pool[In, Out]) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:   p.name,
		Size:   p.liveLocked(),
		Idle:   len(p.idle),
		Busy:   p.busy,
		Queued: len(p.wait),
	}
	p.mu.Unlock()
	s.Submitted = p.submitted.Load()
	s.Completed = p.completed.Load()
	s.Rejected = p.rejected.Load()
	s.Retries = p.retries.Load()
	s.Crashes = p.crashes.Load()
	if runs := p.runs.Load(); runs > 0 {
		s.AvgRunMS = float64(p.runNanos.Load()) / float64(runs) / 1e6
	}
	return s
}

// Close rejects queued jobs with ErrClosed, cancels the context passed to
// running jobs and waits for every unit to exit.
func (p *Pool[In, Out]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, j := range p.wait {
		p.rejectLocked(j, ErrClosed)
	}
	p.wait = nil
	p.idle = nil
	for _, u := range p.units {
		close(u.quit)
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool[In, Out]) liveLocked() int {
	n := 0
	for _, u := range p.units {
		if !u.retire {
			n++
		}
	}
	return n
}

func (p *Pool[In, Out]) spawnLocked() *unit[In, Out] {
	p.nextUnit++
	u := &unit[In, Out]{
		id:    p.nextUnit,
		inbox: make(chan *job[In, Out], 1),
		quit:  make(chan struct{}),
	}
	p.units[u.id] = u
	p.wg.Add(1)
	go p.loop(u)
	return u
}

func (p *Pool[In, Out]) stopLocked(u *unit[In, Out]) {
	delete(p.units, u.id)
	close(u.quit)
}

func (p *Pool[In, Out]) dispatchLocked(u *unit[In, Out], j *job[In, Out]) {
	j.dispatched = time.Now()
	u.current = j
	p.busy++
	u.inbox <- j
}

// nextJobLocked gives u the head of the wait queue or parks it as idle.
func (p *Pool[In, Out]) nextJobLocked(u *unit[In, Out]) {
	if len(p.wait) > 0 {
		j := p.wait[0]
		p.wait[0] = nil
		p.wait = p.wait[1:]
		p.dispatchLocked(u, j)
		return
	}
	p.idle = append(p.idle, u)
}

func (p *Pool[In, Out]) loop(u *unit[In, Out]) {
	defer p.wg.Done()
	for {
		select {
		case <-u.quit:
			p.drain(u)
			return
		case j := <-u.inbox:
			out, err, crashed := p.run(u, j)
			if crashed {
				p.finish(u, j, out, err, true)
				return
			}
			p.finish(u, j, out, err, false)
		}
	}
}

// drain rejects a job that was dispatched to u but lost the race with quit.
func (p *Pool[In, Out]) drain(u *unit[In, Out]) {
	select {
	case j := <-u.inbox:
		p.mu.Lock()
		p.busy--
		u.current = nil
		p.rejectLocked(j, ErrClosed)
		p.mu.Unlock()
	default:
	}
}

func (p *Pool[In, Out]) run(u *unit[In, Out], j *job[In, Out]) (out Out, err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s unit %d crashed on job %d: %v", p.name, u.id, j.id, r)
			crashed = true
		}
	}()
	out, err = p.fn(p.ctx, j.payload)
	return out, err, false
}

func (p *Pool[In, Out]) finish(u *unit[In, Out], j *job[In, Out], out Out, err error, crashed bool) {
	p.runNanos.Add(int64(time.Since(j.dispatched)))
	p.runs.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy--
	u.current = nil
	j.fut.attempts++

	if crashed {
		p.crashes.Add(1)
		retire := u.retire
		delete(p.units, u.id)
		if !p.closed && !retire {
			u = p.spawnLocked()
		} else {
			u = nil
		}
	}

	switch {
	case err == nil:
		j.fut.out = out
		p.completed.Add(1)
		close(j.fut.done)
	case p.closed:
		p.rejectLocked(j, err)
	case j.retries < p.maxRetries:
		j.retries++
		p.retries.Add(1)
		p.wait = append([]*job[In, Out]{j}, p.wait...)
	default:
		p.rejectLocked(j, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, j.fut.attempts, err))
	}

	if u == nil || p.closed {
		return
	}
	if u.retire {
		p.stopLocked(u)
		return
	}
	p.nextJobLocked(u)
}

func (p *Pool[In, Out]) rejectLocked(j *job[In, Out], err error) {
	j.fut.err = err
	p.rejected.Add(1)
	close(j.fut.done)
}
