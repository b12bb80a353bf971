package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewShutdownManager(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	if m == nil {
		t.Fatal("NewShutdownManager returned nil")
	}

	if m.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", m.timeout)
	}
}

func TestShutdownManager_Register(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var called int32

	m.Register("test-handler", func(ctx context.Context) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if atomic.LoadInt32(&called) != 1 {
		t.Error("handler was not called")
	}
}

func TestShutdownManager_LIFO(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var order []int
	m.RegisterSimple("first", func() { order = append(order, 1) })
	m.RegisterSimple("second", func() { order = append(order, 2) })
	m.RegisterSimple("third", func() { order = append(order, 3) })

	m.Shutdown()

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("expected [3 2 1], got %v", order)
	}
}

func TestShutdownManager_Context(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	ctx := m.Context()

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled before shutdown")
	default:
	}

	m.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled after shutdown")
	}
}

func TestShutdownManager_ContextCancelledBeforeHandlers(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var sawCancelled bool
	m.RegisterSimple("check", func() { sawCancelled = m.Context().Err() != nil })

	m.Shutdown()

	if !sawCancelled {
		t.Error("handlers should run after the context is cancelled")
	}
}

func TestShutdownManager_Done(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	done := m.Done()

	select {
	case <-done:
		t.Fatal("done channel should not be closed before shutdown")
	default:
	}

	m.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel should be closed after shutdown")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	m := NewShutdownManager(100 * time.Millisecond)

	var skipped int32
	m.RegisterSimple("never-reached", func() { atomic.AddInt32(&skipped, 1) })
	m.Register("slow-handler", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := m.Shutdown()
	duration := time.Since(start)

	if duration > 500*time.Millisecond {
		t.Errorf("shutdown took too long: %v", duration)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if atomic.LoadInt32(&skipped) != 0 {
		t.Error("handlers after the timeout should be skipped")
	}
}

func TestShutdownManager_ErrorHandling(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)
	boom := errors.New("test error")

	m.Register("error-handler", func(ctx context.Context) error {
		return boom
	})

	var after bool
	m.RegisterSimple("success-handler", func() { after = true })

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("expected joined handler error, got %v", err)
	}
	if !after {
		t.Error("a failing handler should not stop the others")
	}
}

func TestShutdownManager_OnlyOnce(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var callCount int32

	m.Register("once-handler", func(ctx context.Context) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})

	m.Shutdown()
	m.Shutdown()
	m.Shutdown()

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("handler should only be called once, got %d", callCount)
	}
}
