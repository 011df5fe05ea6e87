package syncloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/provision"
)

type fakeCycler struct {
	runs      atomic.Int64
	heals     atomic.Int64
	runErr    error
	panicOnce atomic.Bool
}

func (f *fakeCycler) Run(ctx context.Context) (provision.Stats, error) {
	if f.panicOnce.CompareAndSwap(true, false) {
		panic("cycle exploded")
	}
	f.runs.Add(1)
	return provision.Stats{AgentsSeen: 2}, f.runErr
}

func (f *fakeCycler) HealDrift(ctx context.Context) (int, error) {
	f.heals.Add(1)
	return 0, nil
}

type fakeVacuum struct {
	calls atomic.Int64
	ttl   atomic.Int64
}

func (f *fakeVacuum) VacuumEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.calls.Add(1)
	f.ttl.Store(int64(olderThan))
	return 3, nil
}

func TestFirstCycleRunsImmediately(t *testing.T) {
	c := &fakeCycler{}
	v := &fakeVacuum{}
	l := New(c, v, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first cycle did not run before the first tick")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-done

	if c.heals.Load() != 1 {
		t.Errorf("heals = %d", c.heals.Load())
	}
	if v.calls.Load() != 1 {
		t.Errorf("vacuum calls = %d", v.calls.Load())
	}
	if got := time.Duration(v.ttl.Load()); got != time.Hour {
		t.Errorf("vacuum ttl = %s", got)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	c := &fakeCycler{}
	c.panicOnce.Store(true)
	l := New(c, &fakeVacuum{}, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for c.runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("loop did not recover after panic; runs = %d", c.runs.Load())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-done
}

func TestCycleErrorDoesNotStopLoop(t *testing.T) {
	c := &fakeCycler{runErr: errors.New("letta unreachable")}
	l := New(c, &fakeVacuum{}, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for c.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop stalled on cycle errors; runs = %d", c.runs.Load())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-done

	// A failed cycle skips drift healing and vacuum for that tick.
	if c.heals.Load() != 0 {
		t.Errorf("heals = %d after failing cycles", c.heals.Load())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New(&fakeCycler{}, &fakeVacuum{}, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
