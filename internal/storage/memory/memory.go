// Package memory is a process-local board store. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

type record struct {
	version uint64
	objects []object.Object
	ids     map[string]struct{}
}

// Store keeps boards in a map guarded by one RWMutex.
type Store struct {
	mu     sync.RWMutex
	boards map[string]*record
}

var _ board.Store = (*Store)(nil)

func New() *Store {
	return &Store{boards: make(map[string]*record)}
}

func (s *Store) FetchBoard(_ context.Context, boardID string) (*board.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.boards[boardID]
	if !ok {
		return nil, apperrors.NotFoundError(fmt.Sprintf("board %q not found", boardID))
	}

	objects := make([]object.Object, len(r.objects))
	copy(objects, r.objects)
	return &board.Board{ID: boardID, Version: r.version, Objects: objects}, nil
}

func (s *Store) AppendObject(_ context.Context, obj object.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.boards[obj.BoardID]
	if !ok {
		return apperrors.NotFoundError(fmt.Sprintf("board %q not found", obj.BoardID))
	}
	if _, dup := r.ids[obj.ID]; dup {
		return apperrors.ConflictError(fmt.Sprintf("object %q already stored", obj.ID))
	}

	// appends can arrive out of version order; keep objects sorted
	i := len(r.objects)
	for i > 0 && r.objects[i-1].Version > obj.Version {
		i--
	}
	r.objects = append(r.objects, object.Object{})
	copy(r.objects[i+1:], r.objects[i:])
	r.objects[i] = obj

	r.ids[obj.ID] = struct{}{}
	if obj.Version > r.version {
		r.version = obj.Version
	}
	return nil
}

func (s *Store) CreateBoard(_ context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[boardID]; ok {
		return apperrors.ConflictError(fmt.Sprintf("board %q already exists", boardID))
	}
	s.boards[boardID] = &record{ids: make(map[string]struct{})}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
