package router

import (
	"context"
	"testing"
	"time"
)

func TestMemStateStore_OpensAfterThreshold(t *testing.T) {
	s := NewMemStateStore()
	ctx := context.Background()

	for i := 0; i < breakerFailureThreshold-1; i++ {
		open, err := s.RecordFailure(ctx, "p1")
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if open {
			t.Fatalf("breaker opened early at failure %d", i+1)
		}
	}

	open, err := s.RecordFailure(ctx, "p1")
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !open {
		t.Fatal("expected breaker to open at threshold")
	}

	isOpen, err := s.IsOpen(ctx, "p1")
	if err != nil {
		t.Fatalf("IsOpen: %v", err)
	}
	if !isOpen {
		t.Fatal("expected IsOpen true after breaker opened")
	}
}

func TestMemStateStore_SuccessClosesBreaker(t *testing.T) {
	s := NewMemStateStore()
	ctx := context.Background()

	for i := 0; i < breakerFailureThreshold; i++ {
		if _, err := s.RecordFailure(ctx, "p1"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if err := s.RecordSuccess(ctx, "p1"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	isOpen, err := s.IsOpen(ctx, "p1")
	if err != nil {
		t.Fatalf("IsOpen: %v", err)
	}
	if isOpen {
		t.Fatal("expected breaker closed after RecordSuccess")
	}
}

func TestMemStateStore_UnknownProviderIsClosed(t *testing.T) {
	s := NewMemStateStore()
	isOpen, err := s.IsOpen(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("IsOpen: %v", err)
	}
	if isOpen {
		t.Fatal("expected unknown provider to report closed")
	}
}

func TestMemStateStore_ProvidersAreIndependent(t *testing.T) {
	s := NewMemStateStore()
	ctx := context.Background()

	for i := 0; i < breakerFailureThreshold; i++ {
		if _, err := s.RecordFailure(ctx, "p1"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	p1Open, _ := s.IsOpen(ctx, "p1")
	p2Open, _ := s.IsOpen(ctx, "p2")
	if !p1Open {
		t.Error("expected p1 open")
	}
	if p2Open {
		t.Error("expected p2 unaffected by p1's failures")
	}
}

func TestBreakerState_CooldownExpires(t *testing.T) {
	// Sanity-check the zero-value breakerState used internally by
	// MemStateStore: an openUntil in the past reports closed.
	b := &breakerState{consecutiveFailures: breakerFailureThreshold, openUntil: time.Now().Add(-time.Second)}
	if time.Now().Before(b.openUntil) {
		t.Fatal("expected openUntil in the past to have elapsed")
	}
}
