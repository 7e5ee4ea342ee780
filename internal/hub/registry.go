// Package hub tracks which live connections watch which board and fans
// messages out to them.
package hub

import (
	"log/slog"
	"sync"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/metrics"
)

// Conn is the delivery side of one live connection. Send must not block:
// implementations queue the message and report failure if they cannot.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Subscription binds one connection to one board for its lifetime.
type Subscription struct {
	BoardID string
	Conn    Conn
}

// Report summarizes one broadcast. Failures are DeliveryErrors, one per
// subscriber that could not be reached.
type Report struct {
	Delivered int
	Failures  []error
}

type bucket struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Registry: board id -> subscribers. Each board has its own lock so
// broadcasts on different boards never contend.
type Registry struct {
	mu      sync.RWMutex
	boards  map[string]*bucket
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		boards:  make(map[string]*bucket),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe: adds conn to the board's subscriber set
func (r *Registry) Subscribe(boardID string, conn Conn) *Subscription {
	sub := &Subscription{BoardID: boardID, Conn: conn}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.boards[boardID]
	if !ok {
		b = &bucket{subs: make(map[*Subscription]struct{})}
		r.boards[boardID] = b
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	r.metrics.ActiveConnections.Inc()
	return sub
}

// Unsubscribe: removes the subscription. Safe to call more than once.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.boards[sub.BoardID]
	if !ok {
		return
	}

	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	empty := len(b.subs) == 0
	b.mu.Unlock()

	if empty {
		delete(r.boards, sub.BoardID)
	}
	if present {
		r.metrics.ActiveConnections.Dec()
	}
}

// Broadcast: queues msg for every subscriber of boardID except exclude.
// The board's set is read-locked while queueing, so a subscriber removed
// before or during the call never receives msg. Failed subscribers are
// evicted and closed; the failure never stops delivery to the others.
func (r *Registry) Broadcast(boardID string, msg []byte, exclude Conn) Report {
	var report Report

	r.mu.RLock()
	b, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return report
	}

	var failed []*Subscription
	b.mu.RLock()
	for sub := range b.subs {
		if exclude != nil && sub.Conn == exclude {
			continue
		}
		if err := sub.Conn.Send(msg); err != nil {
			failed = append(failed, sub)
			report.Failures = append(report.Failures,
				apperrors.DeliveryError("send to subscriber failed", err).
					WithContext("board_id", boardID).
					WithContext("subscriber_id", sub.Conn.ID()))
			continue
		}
		report.Delivered++
	}
	b.mu.RUnlock()

	for i, sub := range failed {
		r.logger.Warn("Broadcast delivery failed, dropping subscriber",
			"board_id", boardID,
			"subscriber_id", sub.Conn.ID(),
			"error", report.Failures[i],
		)
		r.metrics.DeliveryFailures.Inc()
		r.Unsubscribe(sub)
		_ = sub.Conn.Close()
	}

	return report
}

// Send: delivers msg to a single subscription, used for replies to the originator
func (r *Registry) Send(sub *Subscription, msg []byte) error {
	if err := sub.Conn.Send(msg); err != nil {
		return apperrors.DeliveryError("send to subscriber failed", err).
			WithContext("board_id", sub.BoardID).
			WithContext("subscriber_id", sub.Conn.ID())
	}
	return nil
}

// Count returns the number of subscribers watching boardID.
func (r *Registry) Count(boardID string) int {
	r.mu.RLock()
	b, ok := r.boards[boardID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Boards returns the ids of boards with at least one subscriber.
func (r *Registry) Boards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.boards))
	for id := range r.boards {
		ids = append(ids, id)
	}
	return ids
}
