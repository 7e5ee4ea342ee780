// Package board holds the authoritative in-memory state of each open board
// and serializes every mutation applied to it.
package board

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

// MaxIDLength caps board ids accepted by Create.
const MaxIDLength = 128

// Board is a board as loaded from storage. Objects are in insertion
// (version) order.
type Board struct {
	ID      string
	Version uint64
	Objects []object.Object
}

// Store is the persistent backing for boards.
//
// FetchBoard returns a NotFoundError for unknown ids. AppendObject records
// obj at obj.Version and raises the stored board version to at least that
// value; a duplicate object id is a ConflictError. CreateBoard returns a
// ConflictError if the board already exists. Any other failure is an
// UnavailableError.
type Store interface {
	FetchBoard(ctx context.Context, boardID string) (*Board, error)
	AppendObject(ctx context.Context, obj object.Object) error
	CreateBoard(ctx context.Context, boardID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Snapshot is a consistent copy of a board's state at one version.
type Snapshot struct {
	BoardID string
	Version uint64
	Objects []object.Object
}

// Wire returns the objects as sent to clients.
func (s Snapshot) Wire() []map[string]any {
	out := make([]map[string]any, 0, len(s.Objects))
	for _, obj := range s.Objects {
		out = append(out, obj.Wire())
	}
	return out
}

// Delta is one accepted mutation.
type Delta struct {
	BoardID string
	Version uint64
	Object  object.Object
}

// AddResult describes an accepted ADD_OBJECT. PersistErr is set when the
// object is live in memory but could not be written to storage.
type AddResult struct {
	Accepted   bool
	Version    uint64
	Delta      Delta
	PersistErr error
}

var idValidator = validator.New()

// ValidateID checks that id can name a board and be used in a URL path.
func ValidateID(id string) error {
	if err := idValidator.Var(id, "required,max=128,printascii"); err != nil {
		return apperrors.ValidationErrorf("invalid board id", err)
	}
	if strings.ContainsAny(id, "/?#% ") {
		return apperrors.ValidationError("invalid board id: reserved character")
	}
	return nil
}
