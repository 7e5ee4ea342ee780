// Package handlers turns raw client frames into board mutations and fans
// the results back out to the board's viewers.
package handlers

import (
	"context"
	"log/slog"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/hub"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/middleware"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/protocol"
)

// Options are the dispatcher's deployment policies.
type Options struct {
	Limits *middleware.Limits
	// EchoToOriginator sends OBJECT_ADDED back to the connection that
	// added the object, in addition to everyone else.
	EchoToOriginator bool
}

// Dispatcher owns the path from an inbound frame to the board session and
// the registry. It is shared by every connection.
type Dispatcher struct {
	boards    *board.Manager
	registry  *hub.Registry
	validator *object.Validator
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewDispatcher(
	boards *board.Manager,
	registry *hub.Registry,
	validator *object.Validator,
	opts Options,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		boards:    boards,
		registry:  registry,
		validator: validator,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

type viewer struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

type initialData struct {
	BoardID string           `json:"boardId"`
	Version uint64           `json:"version"`
	Objects []map[string]any `json:"objects"`
	Viewer  viewer           `json:"viewer"`
}

// Open binds conn to boardID. The board is loaded if needed, the board's
// current state is queued to conn as INITIAL_DATA and conn is subscribed,
// all in one step relative to the board's mutations. On error nothing is
// subscribed and the caller should report the error and close conn.
func (d *Dispatcher) Open(ctx context.Context, boardID string, conn hub.Conn) (*Connection, error) {
	c := &Connection{
		id:      conn.ID(),
		boardID: boardID,
		conn:    conn,
		d:       d,
		logger:  d.logger.With("board_id", boardID, "subscriber_id", conn.ID()),
	}
	c.state.Store(int32(StateConnecting))

	session, err := d.boards.Acquire(ctx, boardID)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	color := session.NextColor()
	err = session.Attach(func(snap board.Snapshot) error {
		if !d.opts.Limits.CanSubscribe(d.registry.Count(boardID)) {
			return apperrors.ValidationError("board has reached its viewer limit").
				WithContext("board_id", boardID)
		}

		msg, err := protocol.Encode(protocol.KindInitialData, initialData{
			BoardID: boardID,
			Version: snap.Version,
			Objects: snap.Wire(),
			Viewer:  viewer{ID: c.id, Color: color},
		})
		if err != nil {
			return apperrors.InternalError("encode initial data", err)
		}
		if err := conn.Send(msg); err != nil {
			return apperrors.DeliveryError("send initial data", err)
		}

		c.sub = d.registry.Subscribe(boardID, conn)
		return nil
	})
	if err != nil {
		d.boards.Release(session)
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	c.session = session
	c.state.Store(int32(StateConnected))
	c.logger.Info("Viewer joined board", "version", session.Version(), "color", color)
	return c, nil
}

// broadcast runs inside the session's commit hook, so deltas leave in
// version order.
func (d *Dispatcher) broadcast(origin *Connection, delta board.Delta) {
	msg, err := protocol.Encode(protocol.KindObjectAdded, delta.Object.Wire())
	if err != nil {
		d.logger.Error("Failed to encode OBJECT_ADDED",
			"board_id", delta.BoardID,
			"object_id", delta.Object.ID,
			"error", err,
		)
		return
	}

	var exclude hub.Conn = origin.conn
	if d.opts.EchoToOriginator {
		exclude = nil
	}

	report := d.registry.Broadcast(delta.BoardID, msg, exclude)
	d.metrics.Broadcasts.Inc()
	if len(report.Failures) > 0 {
		d.logger.Debug("Broadcast partially delivered",
			"board_id", delta.BoardID,
			"version", delta.Version,
			"delivered", report.Delivered,
			"failed", len(report.Failures),
		)
	}
}

// ErrorFrame renders err as an ERROR message.
func ErrorFrame(err error) []byte {
	e := apperrors.AsStructuredError(err)
	msg, encErr := protocol.EncodeError(string(e.Type), e.ClientMessage())
	if encErr != nil {
		// ErrorData is two strings; this cannot fail
		return []byte(`{"type":"ERROR","data":{"code":"internal","message":"internal server error"}}`)
	}
	return msg
}
