package clock

import (
	"context"
	"testing"
	"time"
)

func TestVirtual_AdvanceAndSleep(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVirtual(start)

	if got := v.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	v.Advance(90 * time.Second)
	if got := v.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("after Advance: Now() = %v", got)
	}

	if err := v.Sleep(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if got := v.Now(); !got.Equal(start.Add(100 * time.Second)) {
		t.Errorf("after Sleep: Now() = %v", got)
	}

	// Negative advances must not move time backwards.
	v.Advance(-time.Hour)
	if got := v.Now(); !got.Equal(start.Add(100 * time.Second)) {
		t.Errorf("after negative Advance: Now() = %v", got)
	}
}

func TestVirtual_SleepCancelled(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := v.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected context error from cancelled Sleep")
	}
	if got := v.Now(); !got.Equal(time.Unix(0, 0).UTC()) {
		t.Errorf("cancelled Sleep advanced the clock to %v", got)
	}
}

func TestWall_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Wall{}).Sleep(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("Sleep = %v, want context.Canceled", err)
	}
}
