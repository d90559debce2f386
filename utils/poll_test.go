package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// --- WaitFor ---

func TestWaitFor_Done(t *testing.T) {
	n := 0
	err := WaitFor(context.Background(), time.Second, time.Millisecond, func() (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 checks, got %d", n)
	}
}

func TestWaitFor_CheckError(t *testing.T) {
	boom := errors.New("boom")
	err := WaitFor(context.Background(), time.Second, time.Millisecond, func() (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	err := WaitFor(context.Background(), 20*time.Millisecond, 5*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if err == nil || !strings.Contains(err.Error(), "timeout after") {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestWaitFor_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitFor(ctx, time.Second, 5*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}
