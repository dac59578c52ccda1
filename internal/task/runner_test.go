package task

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestJobsRunInSubmissionOrder(t *testing.T) {
	r := NewRunner(context.Background(), nil)
	defer r.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		r.Go(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	r.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("ran %d jobs, want 20", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d", i, got)
		}
	}
}

func TestFailingJobDoesNotStopLaterOnes(t *testing.T) {
	var mu sync.Mutex
	var failures []error
	r := NewRunner(context.Background(), func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})
	defer r.Close()

	ran := false
	r.Go(func(context.Context) error { return errors.New("boom") })
	r.Go(func(context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	r.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Errorf("failures = %v, want 1", failures)
	}
	if !ran {
		t.Error("second job should have run")
	}
}

func TestCloseDrainsPendingJobs(t *testing.T) {
	r := NewRunner(context.Background(), nil)
	count := 0
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		r.Go(func(context.Context) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if count != 5 {
		t.Errorf("ran %d jobs, want 5", count)
	}
}
