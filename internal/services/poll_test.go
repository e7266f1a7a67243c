package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobarin/reelsmith/internal/errs"
)

func scripted(states ...PollStatus) (PollFunc, *int) {
	calls := 0
	return func(ctx context.Context, handle string) (*PollStatus, error) {
		s := states[len(states)-1]
		if calls < len(states) {
			s = states[calls]
		}
		calls++
		return &s, nil
	}, &calls
}

func TestAwait(t *testing.T) {
	cfg := PollConfig{Interval: time.Millisecond, MaxAttempts: 4}

	tests := []struct {
		name      string
		states    []PollStatus
		wantURL   string
		wantKind  errs.Kind
		wantCalls int
	}{
		{
			name:      "completes after pending",
			states:    []PollStatus{{State: PollPending}, {State: PollPending}, {State: PollCompleted, OutputURL: "https://cdn/out.png"}},
			wantURL:   "https://cdn/out.png",
			wantCalls: 3,
		},
		{
			name:      "provider failure",
			states:    []PollStatus{{State: PollPending}, {State: PollFailed, Reason: "nsfw"}},
			wantKind:  errs.KindCapability,
			wantCalls: 2,
		},
		{
			name:      "times out after max attempts",
			states:    []PollStatus{{State: PollPending}},
			wantKind:  errs.KindCapabilityTimeout,
			wantCalls: 4,
		},
		{
			name:      "completed without output",
			states:    []PollStatus{{State: PollCompleted}},
			wantKind:  errs.KindCapability,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poll, calls := scripted(tt.states...)
			url, err := Await(context.Background(), "test", cfg, "h1", poll)
			if tt.wantKind != "" {
				if !errs.Is(err, tt.wantKind) {
					t.Fatalf("expected %s error, got %v", tt.wantKind, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if url != tt.wantURL {
				t.Errorf("url = %q, want %q", url, tt.wantURL)
			}
			if *calls != tt.wantCalls {
				t.Errorf("polled %d times, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestAwaitNilStatus(t *testing.T) {
	cfg := PollConfig{Interval: time.Millisecond, MaxAttempts: 3}
	poll := func(ctx context.Context, handle string) (*PollStatus, error) {
		return nil, nil
	}
	url, err := Await(context.Background(), "test", cfg, "h1", poll)
	if !errs.Is(err, errs.KindCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
	if url != "" {
		t.Errorf("url = %q", url)
	}
}

func TestAwaitPollError(t *testing.T) {
	poll := func(ctx context.Context, handle string) (*PollStatus, error) {
		return nil, errors.New("connection reset")
	}
	_, err := Await(context.Background(), "test", PollConfig{Interval: time.Millisecond, MaxAttempts: 3}, "h", poll)
	if !errs.Is(err, errs.KindCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestAwaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poll := func(ctx context.Context, handle string) (*PollStatus, error) {
		cancel()
		return &PollStatus{State: PollPending}, nil
	}
	_, err := Await(ctx, "test", PollConfig{Interval: time.Hour, MaxAttempts: 3}, "h", poll)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAwaitRejectsBadInput(t *testing.T) {
	poll, _ := scripted(PollStatus{State: PollCompleted, OutputURL: "x"})
	if _, err := Await(context.Background(), "test", PollConfig{MaxAttempts: 1}, "", poll); !errs.Is(err, errs.KindValidation) {
		t.Errorf("empty handle: got %v", err)
	}
	if _, err := Await(context.Background(), "test", PollConfig{}, "h", poll); !errs.Is(err, errs.KindValidation) {
		t.Errorf("zero attempts: got %v", err)
	}
}
