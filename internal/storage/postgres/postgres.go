// Package postgres stores boards in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	// advisory lock id: "brelay" in ASCII hex
	migrationLockID             = 0x6272656c6179
	migrationLockReleaseTimeout = 5 * time.Second
)

type Store struct {
	pool *pgxpool.Pool
}

var _ board.Store = (*Store)(nil)

func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	slog.Info("Database SSL mode", "sslmode", sslMode(databaseURL))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected", "min_conns", poolCfg.MinConns, "max_conns", poolCfg.MaxConns)
	return &Store{pool: pool}, nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "unknown"
	}
	if mode := strings.ToLower(u.Query().Get("sslmode")); mode != "" {
		return mode
	}
	return "prefer (default)"
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations. Concurrent replicas serialize on an
// advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), migrationLockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			slog.Error("Failed to release migration lock", "error", err)
		}
	}()

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn.Conn(), "public.boardrelay_schema_version")
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(sub); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if v, err := migrator.GetCurrentVersion(ctx); err == nil {
		slog.Info("Database schema migrated", "version", v)
	}
	return nil
}

func (s *Store) FetchBoard(ctx context.Context, boardID string) (*board.Board, error) {
	b := &board.Board{ID: boardID}

	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM boards WHERE id = $1`, boardID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFoundError(fmt.Sprintf("board %q not found", boardID))
	}
	if err != nil {
		return nil, apperrors.UnavailableError("fetch board", err)
	}
	b.Version = uint64(version)

	rows, err := s.pool.Query(ctx, `
		SELECT object_id, version, payload FROM board_objects
		WHERE board_id = $1 ORDER BY version`, boardID)
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

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE boards SET version = GREATEST(version, $2) WHERE id = $1`,
			obj.BoardID, int64(obj.Version))
		if err != nil {
			return apperrors.UnavailableError("bump board version", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFoundError(fmt.Sprintf("board %q not found", obj.BoardID))
		}

		tag, err = tx.Exec(ctx, `
			INSERT INTO board_objects (board_id, object_id, version, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (board_id, object_id) DO NOTHING`,
			obj.BoardID, obj.ID, int64(obj.Version), string(payload))
		if err != nil {
			return apperrors.UnavailableError("insert object", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.ConflictError(fmt.Sprintf("object %q already stored", obj.ID))
		}
		return nil
	})
	if err != nil && apperrors.TypeOf(err) == apperrors.TypeInternal {
		return apperrors.UnavailableError("append object", err)
	}
	return err
}

func (s *Store) CreateBoard(ctx context.Context, boardID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO boards (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, boardID)
	if err != nil {
		return apperrors.UnavailableError("create board", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ConflictError(fmt.Sprintf("board %q already exists", boardID))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.UnavailableError("ping postgres", err)
	}
	return nil
}
