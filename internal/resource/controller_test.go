package resource

import (
	"context"
	"testing"
)

func TestController_NilIsUnlimited(t *testing.T) {
	var c *Controller
	if err := c.AcquireMemory(1 << 40); err != nil {
		t.Fatalf("nil controller AcquireMemory: %v", err)
	}
	c.ReleaseMemory(1 << 40)
	if err := c.AcquireBackground(context.Background()); err != nil {
		t.Fatalf("nil controller AcquireBackground: %v", err)
	}
	c.ReleaseBackground()
	if err := c.AcquireIO(context.Background(), 1<<30); err != nil {
		t.Fatalf("nil controller AcquireIO: %v", err)
	}
}

func TestController_MemoryLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 1024})

	if err := c.AcquireMemory(1024); err != nil {
		t.Fatalf("AcquireMemory within limit: %v", err)
	}
	if err := c.AcquireMemory(1); err != ErrMemoryLimitExceeded {
		t.Fatalf("err = %v, want %v", err, ErrMemoryLimitExceeded)
	}
	if got := c.MemoryUsage(); got != 1024 {
		t.Fatalf("MemoryUsage = %d, want 1024", got)
	}

	c.ReleaseMemory(512)
	if err := c.AcquireMemory(512); err != nil {
		t.Fatalf("AcquireMemory after release: %v", err)
	}
	c.ReleaseMemory(1024)
	if got := c.MemoryUsage(); got != 0 {
		t.Fatalf("MemoryUsage = %d, want 0", got)
	}
}

func TestController_BackgroundWorkers(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})

	if err := c.AcquireBackground(context.Background()); err != nil {
		t.Fatalf("AcquireBackground: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.AcquireBackground(ctx); err == nil {
		t.Fatal("second AcquireBackground should block and fail on cancelled context")
	}
	c.ReleaseBackground()
}
