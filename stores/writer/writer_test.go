// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package writer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/stores/writer"
)

func TestSerializer_RunsOpsOneAtATime(t *testing.T) {
	s := writer.New(4, hclog.NewNullLogger())
	defer s.Close()

	ctx := context.Background()
	var mu sync.Mutex
	active, maxActive, total := 0, 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Exec(ctx, "count", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				total++
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("exec: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 concurrent op, got %d", maxActive)
	}
	if total != 50 {
		t.Errorf("expected 50 ops, got %d", total)
	}
}

func TestDo_ReturnsTypedResult(t *testing.T) {
	s := writer.New(1, nil)
	defer s.Close()

	n, err := writer.Do(context.Background(), s, "answer", func(ctx context.Context) (int64, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
}

func TestSerializer_PropagatesErrors(t *testing.T) {
	s := writer.New(1, nil)
	defer s.Close()

	want := errors.New("constraint failed")
	err := s.Exec(context.Background(), "fail", func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestSerializer_RecoversPanics(t *testing.T) {
	s := writer.New(1, nil)
	defer s.Close()

	ctx := context.Background()
	err := s.Exec(ctx, "boom", func(ctx context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("expected panic to become an error")
	}

	// the writer is still serving
	if err := s.Exec(ctx, "after", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("exec after panic: %v", err)
	}
}

func TestSerializer_CloseDrainsQueue(t *testing.T) {
	s := writer.New(10, nil)

	ctx := context.Background()
	release := make(chan struct{})
	var futures []*writer.Future
	f, err := s.Submit(ctx, "block", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	futures = append(futures, f)
	for i := 0; i < 5; i++ {
		i := i
		f, err := s.Submit(ctx, "queued", func(ctx context.Context) (any, error) { return i, nil })
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		futures = append(futures, f)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	close(release)
	<-closed

	for i, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Errorf("future %d not resolved after close", i)
		}
	}

	if _, err := s.Submit(ctx, "late", func(ctx context.Context) (any, error) { return nil, nil }); !errors.Is(err, writer.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	s := writer.New(1, nil)
	defer s.Close()

	release := make(chan struct{})
	f, err := s.Submit(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if _, err := f.Wait(context.Background()); err != nil {
		t.Errorf("wait after release: %v", err)
	}
}
