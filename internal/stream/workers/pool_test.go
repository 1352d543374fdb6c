package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitAll[Out any](t *testing.T, futs []*Future[Out]) {
	t.Helper()
	for i, f := range futs {
		select {
		case <-f.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("future %d did not resolve", i)
		}
	}
}

func TestExecute_QueuesBeyondSize(t *testing.T) {
	gate := make(chan struct{})
	p := New(Options{Name: "t", Size: 2}, func(ctx context.Context, in int) (int, error) {
		<-gate
		return in * 2, nil
	})
	defer p.Close()

	var futs []*Future[int]
	for i := 0; i < 5; i++ {
		futs = append(futs, p.Execute(i))
	}
	st := p.Stats()
	if st.Busy != 2 || st.Queued != 3 || st.Idle != 0 {
		t.Fatalf("stats=%+v want busy=2 queued=3 idle=0", st)
	}
	close(gate)
	waitAll(t, futs)
	for i, f := range futs {
		out, err := f.Result()
		if err != nil || out != i*2 {
			t.Fatalf("job %d: out=%d err=%v", i, out, err)
		}
	}
	st = p.Stats()
	if st.Idle != 2 || st.Busy != 0 || st.Queued != 0 || st.Completed != 5 {
		t.Fatalf("final stats=%+v", st)
	}
}

func TestExecute_RetriesExhaustedReturnsUnit(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	p := New(Options{Name: "t", Size: 1, MaxRetries: 2}, func(ctx context.Context, in int) (int, error) {
		attempts.Add(1)
		return 0, boom
	})
	defer p.Close()

	f := p.Execute(1)
	waitAll(t, []*Future[int]{f})
	_, err := f.Result()
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err=%v want ErrRetriesExhausted", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts=%d want=3", got)
	}
	if f.Attempts() != 3 {
		t.Fatalf("future attempts=%d want=3", f.Attempts())
	}
	st := p.Stats()
	if st.Idle != 1 || st.Busy != 0 || st.Rejected != 1 || st.Retries != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestExecute_RetrySucceeds(t *testing.T) {
	var attempts atomic.Int32
	p := New(Options{Name: "t", Size: 1, MaxRetries: -1}, func(ctx context.Context, in int) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("flaky")
		}
		return in, nil
	})
	defer p.Close()
	f := p.Execute(9)
	waitAll(t, []*Future[int]{f})
	if out, err := f.Result(); err != nil || out != 9 {
		t.Fatalf("out=%d err=%v", out, err)
	}
}

func TestExecute_CrashedUnitIsReplaced(t *testing.T) {
	var calls atomic.Int32
	p := New(Options{Name: "t", Size: 1, MaxRetries: 2}, func(ctx context.Context, in int) (int, error) {
		if calls.Add(1) == 1 {
			panic("unit fault")
		}
		return in + 1, nil
	})
	defer p.Close()
	f := p.Execute(1)
	waitAll(t, []*Future[int]{f})
	if out, err := f.Result(); err != nil || out != 2 {
		t.Fatalf("out=%d err=%v", out, err)
	}
	st := p.Stats()
	if st.Crashes != 1 || st.Size != 1 || st.Idle != 1 {
		t.Fatalf("stats=%+v", st)
	}
	f2 := p.Execute(5)
	waitAll(t, []*Future[int]{f2})
	if out, _ := f2.Result(); out != 6 {
		t.Fatalf("replacement unit out=%d want=6", out)
	}
}

func TestResize(t *testing.T) {
	p := New(Options{Name: "t", Size: 1}, func(ctx context.Context, in int) (int, error) { return in, nil })
	defer p.Close()
	p.Resize(3)
	if st := p.Stats(); st.Size != 3 || st.Idle != 3 {
		t.Fatalf("after grow stats=%+v", st)
	}
	p.Resize(1)
	if st := p.Stats(); st.Size != 1 || st.Idle != 1 {
		t.Fatalf("after shrink stats=%+v", st)
	}
}

func TestResize_ShrinkPrefersIdle(t *testing.T) {
	gate := make(chan struct{})
	p := New(Options{Name: "t", Size: 3}, func(ctx context.Context, in int) (int, error) {
		<-gate
		return in, nil
	})
	defer p.Close()
	f := p.Execute(1)
	p.Resize(1)
	st := p.Stats()
	if st.Size != 1 || st.Busy != 1 || st.Idle != 0 {
		t.Fatalf("stats=%+v want the busy unit kept", st)
	}
	close(gate)
	waitAll(t, []*Future[int]{f})
	if st := p.Stats(); st.Size != 1 || st.Idle != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestClose_RejectsQueued(t *testing.T) {
	gate := make(chan struct{})
	p := New(Options{Name: "t", Size: 1}, func(ctx context.Context, in int) (int, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return in, nil
	})
	running := p.Execute(1)
	queued := p.Execute(2)
	p.Close()
	waitAll(t, []*Future[int]{running, queued})
	if _, err := queued.Result(); !errors.Is(err, ErrClosed) {
		t.Fatalf("queued err=%v want ErrClosed", err)
	}
	if _, err := p.Execute(3).Result(); !errors.Is(err, ErrClosed) {
		t.Fatalf("execute after close err=%v want ErrClosed", err)
	}
}

func TestClose_ResolvesDispatchedJobs(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := New(Options{Name: "t", Size: 1}, func(ctx context.Context, in int) (int, error) {
			return in, nil
		})
		f := p.Execute(i)
		p.Close()
		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: dispatched job never resolved after Close", i)
		}
		if out, err := f.Result(); err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("iteration %d: out=%d err=%v", i, out, err)
		} else if err == nil && out != i {
			t.Fatalf("iteration %d: out=%d", i, out)
		}
	}
}
