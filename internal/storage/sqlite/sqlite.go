// Package sqlite stores boards in a single SQLite file through the pure Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

type Store struct {
	sql *sql.DB
}

var _ board.Store = (*Store)(nil)

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{sql: conn}, nil
}

func (s *Store) Close() error {
	return s.sql.Close()
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.sql.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS boards (
			id         TEXT PRIMARY KEY,
			version    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create boards: %w", err)
	}

	_, err = s.sql.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS board_objects (
			board_id   TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
			object_id  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (board_id, object_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create board_objects: %w", err)
	}

	if _, err := s.sql.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_board_objects_version ON board_objects(board_id, version)`); err != nil {
		return fmt.Errorf("index board_objects: %w", err)
	}
	return nil
}

func (s *Store) FetchBoard(ctx context.Context, boardID string) (*board.Board, error) {
	b := &board.Board{ID: boardID}

	var version int64
	err := s.sql.QueryRowContext(ctx, `SELECT version FROM boards WHERE id = ?`, boardID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundError(fmt.Sprintf("board %q not found", boardID))
	}
	if err != nil {
		return nil, apperrors.UnavailableError("fetch board", err)
	}
	b.Version = uint64(version)

	rows, err := s.sql.QueryContext(ctx, `
		SELECT object_id, version, payload FROM board_objects
		WHERE board_id = ? ORDER BY version`, boardID)
	if err != nil {
		return nil, apperrors.UnavailableError("fetch board objects", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			ver     int64
			payload []byte
		)
		if err := rows.Scan(&id, &ver, &payload); err != nil {
			return nil, apperrors.UnavailableError("scan board object", err)
		}
		obj := object.Object{ID: id, BoardID: boardID, Version: uint64(ver)}
		if obj.Payload, err = object.DecodePayload(payload); err != nil {
			return nil, apperrors.InternalError(fmt.Sprintf("decode object %q", id), err)
		}
		b.Objects = append(b.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.UnavailableError("read board objects", err)
	}
	return b, nil
}

func (s *Store) AppendObject(ctx context.Context, obj object.Object) error {
	payload, err := json.Marshal(obj.Payload)
	if err != nil {
		return apperrors.ValidationErrorf("encode object payload", err)
	}

	tx, err := s.sql.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.UnavailableError("begin append", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE boards SET version = MAX(version, ?) WHERE id = ?`,
		int64(obj.Version), obj.BoardID)
	if err != nil {
		return apperrors.UnavailableError("bump board version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundError(fmt.Sprintf("board %q not found", obj.BoardID))
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO board_objects (board_id, object_id, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (board_id, object_id) DO NOTHING`,
		obj.BoardID, obj.ID, int64(obj.Version), string(payload), time.Now().Unix())
	if err != nil {
		return apperrors.UnavailableError("insert object", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ConflictError(fmt.Sprintf("object %q already stored", obj.ID))
	}

	if err := tx.Commit(); err != nil {
		return apperrors.UnavailableError("commit append", err)
	}
	return nil
}

func (s *Store) CreateBoard(ctx context.Context, boardID string) error {
	res, err := s.sql.ExecContext(ctx,
		`INSERT INTO boards (id, version, created_at) VALUES (?, 0, ?) ON CONFLICT (id) DO NOTHING`,
		boardID, time.Now().Unix())
	if err != nil {
		return apperrors.UnavailableError("create board", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ConflictError(fmt.Sprintf("board %q already exists", boardID))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.sql.PingContext(ctx); err != nil {
		return apperrors.UnavailableError("ping sqlite", err)
	}
	return nil
}
