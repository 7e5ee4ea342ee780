package board

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/retry"
)

// Session is the live state of one board. All mutations and snapshots go
// through mu, so every observer sees the same version order.
type Session struct {
	id string

	mu      sync.Mutex
	version uint64
	objects []object.Object
	index   map[string]struct{}

	colors     *ColorGenerator
	maxObjects int

	store   Store
	persist retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type sessionDeps struct {
	store      Store
	maxObjects int
	persist    retry.Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func newSession(b *Board, deps sessionDeps) *Session {
	s := &Session{
		id:         b.ID,
		version:    b.Version,
		objects:    make([]object.Object, 0, len(b.Objects)),
		index:      make(map[string]struct{}, len(b.Objects)),
		colors:     NewColorGenerator(),
		maxObjects: deps.maxObjects,
		store:      deps.store,
		persist:    deps.persist,
		logger:     deps.logger.With("board_id", b.ID),
		metrics:    deps.metrics,
	}
	for _, obj := range b.Objects {
		s.objects = append(s.objects, obj)
		s.index[obj.ID] = struct{}{}
		if obj.Version > s.version {
			s.version = obj.Version
		}
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Attach runs fn with the current snapshot while holding the session lock.
// A subscriber registered inside fn sees every delta after that snapshot
// and none before it.
func (s *Session) Attach(fn func(Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.snapshotLocked())
}

// ApplyAdd inserts obj as the board's next version.
//
// A duplicate id is a ConflictError and a full board is a ValidationError;
// neither changes state. On acceptance onCommit runs before the lock is
// released, then the object is written to the store. A store failure does
// not undo the insert; it comes back in AddResult.PersistErr.
func (s *Session) ApplyAdd(ctx context.Context, obj object.Object, onCommit func(Delta)) (AddResult, error) {
	s.mu.Lock()

	if _, exists := s.index[obj.ID]; exists {
		s.mu.Unlock()
		return AddResult{}, apperrors.ConflictError(fmt.Sprintf("object %q already exists", obj.ID)).
			WithContext("board_id", s.id).
			WithContext("object_id", obj.ID)
	}
	if s.maxObjects > 0 && len(s.objects) >= s.maxObjects {
		s.mu.Unlock()
		return AddResult{}, apperrors.ValidationError("board has reached its object limit").
			WithContext("board_id", s.id)
	}

	s.version++
	obj.BoardID = s.id
	obj.Version = s.version
	s.objects = append(s.objects, obj)
	s.index[obj.ID] = struct{}{}

	delta := Delta{BoardID: s.id, Version: s.version, Object: obj}
	if onCommit != nil {
		onCommit(delta)
	}
	s.mu.Unlock()

	s.metrics.ObjectsAdded.Inc()

	result := AddResult{Accepted: true, Version: delta.Version, Delta: delta}
	result.PersistErr = s.save(context.WithoutCancel(ctx), obj)
	return result, nil
}

func (s *Session) save(ctx context.Context, obj object.Object) error {
	start := time.Now()
	err := retry.Do(ctx, s.persist, retry.Transient, func(ctx context.Context) error {
		return s.store.AppendObject(ctx, obj)
	})
	s.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if apperrors.IsConflict(err) {
		// an earlier attempt landed before its reply was lost
		s.logger.Debug("Object already stored", "object_id", obj.ID, "version", obj.Version)
		return nil
	}

	s.metrics.PersistFailures.Inc()
	s.logger.Error("Failed to persist object",
		"object_id", obj.ID,
		"version", obj.Version,
		"error", err,
	)
	return apperrors.UnavailableError("object accepted but not saved", err).
		WithContext("board_id", s.id).
		WithContext("object_id", obj.ID)
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	objects := make([]object.Object, len(s.objects))
	copy(objects, s.objects)
	return Snapshot{BoardID: s.id, Version: s.version, Objects: objects}
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) ObjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// NextColor returns the display color for the board's next viewer.
func (s *Session) NextColor() string {
	return s.colors.NextColor()
}
