package services

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/reelsmith/internal/errs"
)

// PollState is the provider-reported state of an asynchronous task.
type PollState string

const (
	PollPending   PollState = "pending"
	PollCompleted PollState = "completed"
	PollFailed    PollState = "failed"
)

// PollStatus is one observation of an asynchronous task.
type PollStatus struct {
	State     PollState
	OutputURL string
	Reason    string
}

// PollConfig bounds how long Await waits for a task.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// PollFunc asks the provider for the current state of handle.
type PollFunc func(ctx context.Context, handle string) (*PollStatus, error)

// Await polls handle at a fixed interval until the task completes, fails,
// or MaxAttempts polls have all come back pending. The first poll happens
// immediately. op names the capability in returned errors.
func Await(ctx context.Context, op string, cfg PollConfig, handle string, poll PollFunc) (string, error) {
	if handle == "" {
		return "", errs.Validation(op, "empty task handle")
	}
	if cfg.MaxAttempts <= 0 {
		return "", errs.Validation(op, "max attempts must be positive")
	}

	for remaining := cfg.MaxAttempts; remaining > 0; remaining-- {
		if remaining < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(cfg.Interval):
			}
		}

		status, err := poll(ctx, handle)
		if err != nil {
			return "", errs.Capability(op, fmt.Errorf("poll %s: %w", handle, err))
		}
		if status == nil {
			return "", errs.Capability(op, fmt.Errorf("poll %s: empty status", handle))
		}

		switch status.State {
		case PollCompleted:
			if status.OutputURL == "" {
				return "", errs.Capability(op, fmt.Errorf("task %s completed without output", handle))
			}
			return status.OutputURL, nil
		case PollFailed:
			reason := status.Reason
			if reason == "" {
				reason = "unknown error"
			}
			return "", errs.Capability(op, fmt.Errorf("task %s failed: %s", handle, reason))
		}
	}
	return "", errs.Timeout(op, cfg.MaxAttempts)
}
