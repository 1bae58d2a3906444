package workpool

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func feed(ctx context.Context, values ...int) <-chan int {
	ch := make(chan int)
	go func() {
		defer close(ch)
		for _, v := range values {
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func TestNew_Defaults(t *testing.T) {
	p := New(func(context.Context, int) (int, error) { return 0, nil }, Config{}, zerolog.Nop())
	if p.Workers() != DefaultConfig().Workers {
		t.Errorf("Workers = %d, want %d", p.Workers(), DefaultConfig().Workers)
	}
	if p.config.Name != "default" {
		t.Errorf("Name = %q, want default", p.config.Name)
	}
}

func TestPool_ProcessesEveryTask(t *testing.T) {
	ctx := context.Background()
	p := New(func(_ context.Context, n int) (int, error) { return n * n, nil }, Config{Name: "square", Workers: 4}, zerolog.Nop())

	var got []int
	for res := range p.Run(ctx, feed(ctx, 1, 2, 3, 4, 5, 6, 7, 8)) {
		if res.Err != nil {
			t.Fatalf("unexpected error for %d: %v", res.Task, res.Err)
		}
		if res.Value != res.Task*res.Task {
			t.Errorf("task %d produced %d", res.Task, res.Value)
		}
		got = append(got, res.Task)
	}

	slices.Sort(got)
	if want := []int{1, 2, 3, 4, 5, 6, 7, 8}; !slices.Equal(got, want) {
		t.Errorf("tasks = %v, want %v", got, want)
	}
}

func TestPool_ErrorsAreReportedPerTask(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("odd")
	p := New(func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, boom
		}
		return n, nil
	}, Config{Workers: 2}, zerolog.Nop())

	failed, ok := 0, 0
	for res := range p.Run(ctx, feed(ctx, 1, 2, 3, 4)) {
		if errors.Is(res.Err, boom) {
			failed++
		} else {
			ok++
		}
	}
	if failed != 2 || ok != 2 {
		t.Errorf("failed %d ok %d, want 2 and 2", failed, ok)
	}
}

func TestPool_CompletionOrder(t *testing.T) {
	ctx := context.Background()
	p := New(func(_ context.Context, d int) (int, error) {
		time.Sleep(time.Duration(d) * time.Millisecond)
		return d, nil
	}, Config{Workers: 3}, zerolog.Nop())

	var order []int
	for res := range p.Run(ctx, feed(ctx, 120, 60, 1)) {
		order = append(order, res.Value)
	}
	if want := []int{1, 60, 120}; !slices.Equal(order, want) {
		t.Errorf("completion order = %v, want %v", order, want)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	var running, peak atomic.Int64
	p := New(func(_ context.Context, n int) (int, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return n, nil
	}, Config{Workers: 2}, zerolog.Nop())

	tasks := make([]int, 10)
	for range p.Run(ctx, feed(ctx, tasks...)) {
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPool_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tasks := make(chan int) // never closed
	p := New(func(_ context.Context, n int) (int, error) { return n, nil }, Config{Workers: 2}, zerolog.Nop())

	results := p.Run(ctx, tasks)
	cancel()

	select {
	case _, ok := <-results:
		if ok {
			t.Error("no result expected")
		}
	case <-time.After(time.Second):
		t.Fatal("result channel not closed after cancel")
	}
}
