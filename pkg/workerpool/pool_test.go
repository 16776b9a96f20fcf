package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var sum atomic.Int64
	p, err := New(context.Background(), Config{Workers: 3, QueueSize: 2}, func(ctx context.Context, task *Task) (interface{}, error) {
		n := task.Payload.(int)
		sum.Add(int64(n))
		return n * 2, nil
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.Start()

	go func() {
		for i := 1; i <= 10; i++ {
			if err := p.Submit(context.Background(), &Task{ID: fmt.Sprint(i), Payload: i}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}
		p.Close()
	}()

	count := 0
	for r := range p.Results() {
		if r.Err != nil {
			t.Errorf("task %s failed: %v", r.TaskID, r.Err)
		}
		count++
	}

	if count != 10 {
		t.Errorf("results = %d, want 10", count)
	}
	if sum.Load() != 55 {
		t.Errorf("sum = %d, want 55", sum.Load())
	}
	if s := p.Stats(); s.Completed != 10 || s.Failed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	p, err := New(context.Background(), Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) (interface{}, error) {
			calls.Add(1)
			return nil, boom
		}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.Start()

	if err := p.Submit(context.Background(), &Task{ID: "x"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.Close()

	r := <-p.Results()
	if !errors.Is(r.Err, boom) {
		t.Errorf("Err = %v, want boom", r.Err)
	}
	if r.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", r.Attempts, calls.Load())
	}
	if err := p.Submit(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close error = %v, want ErrClosed", err)
	}
}
