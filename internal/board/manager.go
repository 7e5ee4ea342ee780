package board

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/retry"
)

// loadTimeout bounds a shared board load, which outlives the caller that
// started it.
const loadTimeout = 10 * time.Second

// Options tune the sessions a Manager creates.
type Options struct {
	MaxObjects int           // per board, 0 = unlimited
	IdleTTL    time.Duration // how long an unreferenced session stays cached
	Persist    retry.Policy
}

type entry struct {
	session   *Session
	refs      int
	idleSince time.Time
}

// Manager caches one Session per open board.
type Manager struct {
	store   Store
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
	loads    singleflight.Group
}

func NewManager(store Store, opts Options, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*entry),
	}
}

// Acquire returns the session for boardID, loading it from the store on
// first use. Concurrent first loads of one board share a single fetch.
// Every successful Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, boardID string) (*Session, error) {
	if s := m.ref(boardID, nil); s != nil {
		return s, nil
	}

	v, err, _ := m.loads.Do(boardID, func() (any, error) {
		m.mu.Lock()
		e, ok := m.sessions[boardID]
		m.mu.Unlock()
		if ok {
			return e.session, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		b, err := m.store.FetchBoard(loadCtx, boardID)
		if err != nil {
			return nil, classifyLoadError(boardID, err)
		}

		s := newSession(b, sessionDeps{
			store:      m.store,
			maxObjects: m.opts.MaxObjects,
			persist:    m.opts.Persist,
			logger:     m.logger,
			metrics:    m.metrics,
		})

		m.mu.Lock()
		m.sessions[boardID] = &entry{session: s, idleSince: m.clock.Now()}
		m.mu.Unlock()
		m.metrics.ActiveSessions.Inc()

		m.logger.Info("Board session loaded",
			"board_id", boardID,
			"version", s.Version(),
			"objects", s.ObjectCount(),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	return m.ref(boardID, v.(*Session)), nil
}

// ref takes a reference on the cached session. loaded is re-inserted if the
// cache lost it between load and ref.
func (m *Manager) ref(boardID string, loaded *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[boardID]
	if !ok {
		if loaded == nil {
			return nil
		}
		e = &entry{session: loaded}
		m.sessions[boardID] = e
		m.metrics.ActiveSessions.Inc()
	}
	e.refs++
	return e.session
}

func classifyLoadError(boardID string, err error) error {
	switch apperrors.TypeOf(err) {
	case apperrors.TypeNotFound, apperrors.TypeUnavailable:
		return err
	default:
		return apperrors.UnavailableError("failed to load board", err).
			WithContext("board_id", boardID)
	}
}

// Release drops one reference taken by Acquire.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[s.id]
	if !ok || e.session != s || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.idleSince = m.clock.Now()
	}
}

// Create registers a new, empty board with the store.
func (m *Manager) Create(ctx context.Context, boardID string) error {
	if err := ValidateID(boardID); err != nil {
		return err
	}
	if err := m.store.CreateBoard(ctx, boardID); err != nil {
		return err
	}
	m.logger.Info("Board created", "board_id", boardID)
	return nil
}

// Cleanup evicts sessions nobody has referenced for longer than IdleTTL and
// returns how many were evicted.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for id, e := range m.sessions {
		if e.refs > 0 || now.Sub(e.idleSince) <= m.opts.IdleTTL {
			continue
		}
		delete(m.sessions, id)
		evicted++
		m.metrics.ActiveSessions.Dec()
		m.logger.Debug("Board session evicted", "board_id", id)
	}
	return evicted
}

// Run calls Cleanup every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := m.Cleanup(); n > 0 {
				m.logger.Info("Evicted idle board sessions", "count", n)
			}
		}
	}
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Ping checks the store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
