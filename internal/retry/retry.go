// Package retry runs an operation until it succeeds, fails permanently or
// runs out of attempts, doubling the wait between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
)

type Action int

const (
	Stop  Action = iota // permanent error, give up now
	Retry               // transient error, back off and try again
)

type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration // 0 means uncapped
	OnRetry     func(attempt int, err error, wait time.Duration)
}

type Classify func(err error) Action

// Transient retries storage outages and untyped errors. Anything the caller
// could not fix by waiting (validation, conflict, not found) stops at once.
func Transient(err error) Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Stop
	}
	switch apperrors.TypeOf(err) {
	case apperrors.TypeNotFound, apperrors.TypeValidation, apperrors.TypeConflict:
		return Stop
	default:
		return Retry
	}
}

// Do calls op until it returns nil. The returned error wraps the last
// failure.
func Do(ctx context.Context, p Policy, classify Classify, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if classify == nil {
		classify = Transient
	}
	wait := p.Backoff

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify(err) == Stop {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(err, ctx.Err()))
		}

		wait *= 2
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
}
