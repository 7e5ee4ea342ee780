package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/hub"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/protocol"
)

// State is a connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one viewer's binding to one board.
type Connection struct {
	id      string
	boardID string
	conn    hub.Conn
	d       *Dispatcher
	logger  *slog.Logger

	state     atomic.Int32
	session   *board.Session
	sub       *hub.Subscription
	closeOnce sync.Once
}

func (c *Connection) ID() string      { return c.id }
func (c *Connection) BoardID() string { return c.boardID }
func (c *Connection) State() State    { return State(c.state.Load()) }

// Handle processes one inbound frame. Problems with the frame are reported
// to this connection as ERROR messages and never close it. The returned
// error is set only when the connection can no longer be written to.
func (c *Connection) Handle(ctx context.Context, raw []byte) error {
	if c.State() != StateConnected {
		return nil
	}

	msg, err := protocol.Parse(raw)
	if err != nil {
		c.d.metrics.MessagesReceived.WithLabelValues("malformed").Inc()
		return c.Reject(apperrors.ValidationErrorf("malformed message", err))
	}

	switch {
	case msg.Kind == protocol.KindUnknown:
		c.d.metrics.MessagesReceived.WithLabelValues("unknown").Inc()
		c.logger.Debug("Ignoring unknown message type", "type", msg.Tag)
		return nil
	case !msg.Kind.Inbound():
		c.d.metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
		c.logger.Debug("Ignoring server-only message type from client", "type", msg.Tag)
		return nil
	}

	c.d.metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
	switch msg.Kind {
	case protocol.KindAddObject:
		return c.handleAddObject(ctx, msg.Data)
	default:
		return nil
	}
}

func (c *Connection) handleAddObject(ctx context.Context, data json.RawMessage) error {
	payload, err := protocol.AddObjectData(data)
	if err != nil {
		return c.Reject(apperrors.ValidationErrorf("invalid ADD_OBJECT", err))
	}
	if err := c.d.opts.Limits.ValidateObjectComplexity(payload); err != nil {
		return c.Reject(apperrors.ValidationErrorf("object rejected", err))
	}
	if _, ok := payload["id"]; !ok {
		// id-less objects get a server-assigned key
		payload["id"] = uuid.NewString()
	}
	clean, err := c.d.validator.ValidateAndSanitize(payload)
	if err != nil {
		return c.Reject(apperrors.ValidationErrorf("object rejected", err))
	}

	obj := object.New(c.boardID, clean)
	res, err := c.session.ApplyAdd(ctx, obj, func(delta board.Delta) {
		c.d.broadcast(c, delta)
	})
	if err != nil {
		return c.Reject(err)
	}

	c.logger.Debug("Object added", "object_id", obj.ID, "version", res.Version)

	if res.PersistErr != nil {
		return c.send(apperrors.AsStructuredError(res.PersistErr))
	}
	return nil
}

// Reject reports err to this connection as an ERROR message.
func (c *Connection) Reject(err error) error {
	e := apperrors.AsStructuredError(err)
	c.d.metrics.MessagesRejected.WithLabelValues(string(e.Type)).Inc()

	if e.Type == apperrors.TypeInternal {
		c.logger.Error("Message handling failed", "error", err)
	} else {
		c.logger.Debug("Message rejected", "code", e.Type, "error", err)
	}
	return c.send(e)
}

func (c *Connection) send(e *apperrors.Error) error {
	if c.State() != StateConnected {
		return nil
	}
	if err := c.d.registry.Send(c.sub, ErrorFrame(e)); err != nil {
		c.logger.Warn("Failed to deliver error to viewer", "error", err)
		return err
	}
	return nil
}

// Close detaches the connection from its board. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.d.registry.Unsubscribe(c.sub)
		c.d.boards.Release(c.session)
		c.logger.Info("Viewer left board")
	})
}
