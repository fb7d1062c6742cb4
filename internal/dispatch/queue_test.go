package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startQueue(t *testing.T) (*Queue, context.CancelFunc) {
	t.Helper()
	q := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return q, cancel
}

func TestSyncReturnsTaskError(t *testing.T) {
	q, cancel := startQueue(t)
	defer cancel()

	want := errors.New("boom")
	if err := q.Sync(func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Sync error = %v, want %v", err, want)
	}
	if err := q.Sync(func() error { return nil }); err != nil {
		t.Fatalf("Sync error = %v, want nil", err)
	}
}

func TestSyncRecoversPanics(t *testing.T) {
	q, cancel := startQueue(t)
	defer cancel()

	err := q.Sync(func() error { panic("bad handler") })
	if err == nil {
		t.Fatal("expected error from panicking task")
	}
	// the owner loop must survive the panic
	if err := q.Sync(func() error { return nil }); err != nil {
		t.Fatalf("queue dead after panic: %v", err)
	}
}

func TestTasksRunSequentially(t *testing.T) {
	q, cancel := startQueue(t)
	defer cancel()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Sync(func() error {
				// no lock: single-owner execution is the invariant under test
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestAsyncRunsBeforeLaterSync(t *testing.T) {
	q, cancel := startQueue(t)
	defer cancel()

	var order []string
	q.Async(func() { order = append(order, "async") })
	if err := q.Sync(func() error {
		order = append(order, "sync")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "async" || order[1] != "sync" {
		t.Fatalf("order = %v", order)
	}
}

func TestSyncDrainedDuringShutdownReturnsTaskError(t *testing.T) {
	want := errors.New("ran in drain")
	for i := 0; i < 200; i++ {
		q := New(4)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		errs := make(chan error, 1)
		ran := make(chan struct{})
		go func() {
			errs <- q.Sync(func() error {
				close(ran)
				return want
			})
		}()

		// wait until the task sits in the mailbox, then let the cancelled
		// owner loop drain it
		for len(q.tasks) == 0 {
			time.Sleep(time.Microsecond)
		}
		q.Run(ctx)

		select {
		case <-ran:
		default:
			t.Fatal("drain did not execute the task")
		}
		if err := <-errs; !errors.Is(err, want) {
			t.Fatalf("Sync error = %v, want %v", err, want)
		}
	}
}

func TestSyncAfterShutdownReturnsClosed(t *testing.T) {
	q := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("owner loop did not exit")
	}
	if err := q.Sync(func() error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Sync error = %v, want ErrQueueClosed", err)
	}
}
