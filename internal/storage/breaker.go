package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

const (
	breakerTripAfter   = 5 // consecutive outages
	breakerOpenTimeout = 30 * time.Second
)

// Breaker fails fast with an UnavailableError once the wrapped store has
// been unreachable several times in a row. Not-found, conflict and
// validation answers mean the store is healthy and never trip it.
type Breaker struct {
	next board.Store
	cb   *gobreaker.CircuitBreaker
}

var _ board.Store = (*Breaker)(nil)

func NewBreaker(name string, next board.Store, logger *slog.Logger) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripAfter
			},
			IsSuccessful: healthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Storage circuit breaker state changed",
					"store", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

func healthy(err error) bool {
	if err == nil {
		return true
	}
	switch apperrors.TypeOf(err) {
	case apperrors.TypeNotFound, apperrors.TypeConflict, apperrors.TypeValidation:
		return true
	default:
		return false
	}
}

// State reports the breaker state, for health checks and tests.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) call(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.UnavailableError(op+": storage circuit open", err)
	}
	return err
}

func (b *Breaker) FetchBoard(ctx context.Context, boardID string) (*board.Board, error) {
	var out *board.Board
	err := b.call("fetch board", func() error {
		var err error
		out, err = b.next.FetchBoard(ctx, boardID)
		return err
	})
	return out, err
}

func (b *Breaker) AppendObject(ctx context.Context, obj object.Object) error {
	return b.call("append object", func() error {
		return b.next.AppendObject(ctx, obj)
	})
}

func (b *Breaker) CreateBoard(ctx context.Context, boardID string) error {
	return b.call("create board", func() error {
		return b.next.CreateBoard(ctx, boardID)
	})
}

// Ping bypasses the breaker so health checks see the real store state.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
