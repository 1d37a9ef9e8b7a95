package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailgram/internal/mailparse"
	"mailgram/pkg/logx"
)

type fakeDeliverer struct {
	mu         sync.Mutex
	richErr    error
	plainErr   error
	richCalls  []int64
	plainCalls []int64
	done       chan struct{}
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{done: make(chan struct{}, 16)}
}

func (f *fakeDeliverer) Deliver(_ context.Context, userID int64, _ mailparse.Payload) error {
	f.mu.Lock()
	f.richCalls = append(f.richCalls, userID)
	err := f.richErr
	f.mu.Unlock()
	if err == nil {
		f.done <- struct{}{}
	}
	return err
}

func (f *fakeDeliverer) DeliverPlain(_ context.Context, userID int64, _ mailparse.Payload) error {
	f.mu.Lock()
	f.plainCalls = append(f.plainCalls, userID)
	err := f.plainErr
	f.mu.Unlock()
	f.done <- struct{}{}
	return err
}

func waitDone(t *testing.T, f *fakeDeliverer) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDeliverySuccess(t *testing.T) {
	f := newFakeDeliverer()
	s := New(Config{RatePerSec: 100}, f, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Enqueue(Item{UserID: 42, Payload: mailparse.Payload{Subject: "s"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitDone(t, f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.richCalls) != 1 || f.richCalls[0] != 42 {
		t.Fatalf("rich calls = %v", f.richCalls)
	}
	if len(f.plainCalls) != 0 {
		t.Fatalf("unexpected plain fallback: %v", f.plainCalls)
	}
}

func TestPlainFallbackOnRichFailure(t *testing.T) {
	f := newFakeDeliverer()
	f.richErr = errors.New("bad markup")
	s := New(Config{RatePerSec: 100}, f, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Enqueue(Item{UserID: 7}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitDone(t, f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.richCalls) != 1 {
		t.Fatalf("rich calls = %v", f.richCalls)
	}
	if len(f.plainCalls) != 1 || f.plainCalls[0] != 7 {
		t.Fatalf("plain calls = %v, want one fallback", f.plainCalls)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	s := New(Config{}, newFakeDeliverer(), logx.Nop())
	if err := s.Enqueue(Item{UserID: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	// No consumer running: fill the queue directly.
	s := New(Config{QueueSize: 2}, newFakeDeliverer(), logx.Nop())
	s.mu.Lock()
	s.queue = make(chan Item, s.cfg.QueueSize)
	s.mu.Unlock()

	if err := s.Enqueue(Item{UserID: 1}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := s.Enqueue(Item{UserID: 2}); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if err := s.Enqueue(Item{UserID: 3}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.QueueLen(); got != 2 {
		t.Fatalf("QueueLen = %d, want 2", got)
	}
}
