// Package redis stores boards in Redis. Each board lives under one hash tag
// so its keys share a cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/object"
)

const keyPrefix = "boardrelay"

func boardKey(id string) string   { return fmt.Sprintf("%s:{%s}:board", keyPrefix, id) }
func objectsKey(id string) string { return fmt.Sprintf("%s:{%s}:objects", keyPrefix, id) }
func orderKey(id string) string   { return fmt.Sprintf("%s:{%s}:order", keyPrefix, id) }

// appendScript inserts one object unless the board is missing (-1) or the id
// is taken (0), and raises the board version to at least the object's.
// KEYS: [1]=board [2]=objects [3]=order
// ARGV: [1]=object id [2]=version [3]=payload json
var appendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[3]) == 0 then return 0 end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
local cur = tonumber(redis.call('HGET', KEYS[1], 'version')) or 0
if tonumber(ARGV[2]) > cur then
  redis.call('HSET', KEYS[1], 'version', ARGV[2])
end
return 1
`)

type Store struct {
	rdb     *goredis.Client
	breaker *breakerHook
}

var _ board.Store = (*Store)(nil)

// NewStore connects to redisURL (e.g. "redis://localhost:6379/0"). Every
// command goes through a circuit breaker hook.
func NewStore(ctx context.Context, redisURL string, logger *slog.Logger) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	breaker := newBreakerHook(logger)
	rdb.AddHook(breaker)
	return &Store{rdb: rdb, breaker: breaker}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) FetchBoard(ctx context.Context, boardID string) (*board.Board, error) {
	var (
		versionCmd *goredis.StringCmd
		orderCmd   *goredis.ZSliceCmd
		objectsCmd *goredis.MapStringStringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		versionCmd = pipe.HGet(ctx, boardKey(boardID), "version")
		orderCmd = pipe.ZRangeWithScores(ctx, orderKey(boardID), 0, -1)
		objectsCmd = pipe.HGetAll(ctx, objectsKey(boardID))
		return nil
	})
	if errors.Is(err, goredis.Nil) || errors.Is(versionCmd.Err(), goredis.Nil) {
		return nil, apperrors.NotFoundError(fmt.Sprintf("board %q not found", boardID))
	}
	if err != nil {
		return nil, apperrors.UnavailableError("fetch board", err)
	}

	version, err := strconv.ParseUint(versionCmd.Val(), 10, 64)
	if err != nil {
		return nil, apperrors.InternalError("decode board version", err)
	}
	b := &board.Board{ID: boardID, Version: version}

	payloads := objectsCmd.Val()
	for _, z := range orderCmd.Val() {
		id, _ := z.Member.(string)
		raw, ok := payloads[id]
		if !ok {
			continue
		}
		obj := object.Object{ID: id, BoardID: boardID, Version: uint64(z.Score)}
		if obj.Payload, err = object.DecodePayload([]byte(raw)); err != nil {
			return nil, apperrors.InternalError(fmt.Sprintf("decode object %q", id), err)
		}
		b.Objects = append(b.Objects, obj)
	}
	return b, nil
}

func (s *Store) AppendObject(ctx context.Context, obj object.Object) error {
	payload, err := json.Marshal(obj.Payload)
	if err != nil {
		return apperrors.ValidationErrorf("encode object payload", err)
	}

	res, err := appendScript.Run(ctx, s.rdb,
		[]string{boardKey(obj.BoardID), objectsKey(obj.BoardID), orderKey(obj.BoardID)},
		obj.ID, strconv.FormatUint(obj.Version, 10), string(payload),
	).Int()
	if err != nil {
		return apperrors.UnavailableError("append object", err)
	}

	switch res {
	case -1:
		return apperrors.NotFoundError(fmt.Sprintf("board %q not found", obj.BoardID))
	case 0:
		return apperrors.ConflictError(fmt.Sprintf("object %q already stored", obj.ID))
	default:
		return nil
	}
}

func (s *Store) CreateBoard(ctx context.Context, boardID string) error {
	created, err := s.rdb.HSetNX(ctx, boardKey(boardID), "version", 0).Result()
	if err != nil {
		return apperrors.UnavailableError("create board", err)
	}
	if !created {
		return apperrors.ConflictError(fmt.Sprintf("board %q already exists", boardID))
	}
	if err := s.rdb.HSet(ctx, boardKey(boardID), "created_at", time.Now().Unix()).Err(); err != nil {
		return apperrors.UnavailableError("create board", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.UnavailableError("ping redis", err)
	}
	return nil
}
