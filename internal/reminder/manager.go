package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/metrics"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/store"
)

// Source streams medication snapshots of a scope
type Source interface {
	Subscribe(ctx context.Context, patientID string) (<-chan []store.Medication, error)
}

// DispatcherFunc returns the dispatcher reminders of scope are scheduled on
type DispatcherFunc func(scope string) notify.Dispatcher

// ManagerOptions configures a Manager. Per-controller settings are copied
// into every controller it opens.
type ManagerOptions struct {
	Source         Source
	Dispatchers    DispatcherFunc
	Bindings       BindingStore
	Location       *time.Location
	CallTimeout    time.Duration
	ResyncInterval time.Duration
	TitleTemplate  string
	BodyTemplate   string
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type session struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one controller per open patient scope
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a manager with no open sessions
func NewManager(opts ManagerOptions, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Bindings == nil {
		opts.Bindings = NewMemoryBindings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Open starts syncing scope's reminders. Opening an open scope returns its
// running controller.
func (m *Manager) Open(ctx context.Context, scope string) (*Controller, error) {
	if scope == "" {
		return nil, apperrors.Wrapf(apperrors.ErrBadRequest, nil, "empty patient scope")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, errors.New("reminder manager is shut down")
	}
	if s, ok := m.sessions[scope]; ok {
		return s.ctrl, nil
	}

	ctrl, err := NewController(ctx, Options{
		Scope:          scope,
		Dispatcher:     m.opts.Dispatchers(scope),
		Bindings:       m.opts.Bindings,
		Location:       m.opts.Location,
		CallTimeout:    m.opts.CallTimeout,
		ResyncInterval: m.opts.ResyncInterval,
		TitleTemplate:  m.opts.TitleTemplate,
		BodyTemplate:   m.opts.BodyTemplate,
		Metrics:        m.opts.Metrics,
		Now:            m.opts.Now,
	}, m.logger)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(m.ctx)
	snapshots, err := m.opts.Source.Subscribe(sessCtx, scope)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &session{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	m.sessions[scope] = s
	m.opts.Metrics.SessionOpened()

	go func() {
		defer close(s.done)
		if err := ctrl.Run(sessCtx, snapshots); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("Reminder session ended", zap.String("patient_id", scope), zap.Error(err))
		}
	}()

	m.logger.Info("Reminder session opened", zap.String("patient_id", scope))
	return ctrl, nil
}

// Controller returns the running controller of scope
func (m *Manager) Controller(scope string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[scope]
	if !ok {
		return nil, false
	}
	return s.ctrl, true
}

// Scopes lists the open scopes
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for scope := range m.sessions {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Close stops syncing scope. Scheduled reminders stay in place.
func (m *Manager) Close(scope string) error {
	m.mu.Lock()
	s, ok := m.sessions[scope]
	if ok {
		delete(m.sessions, scope)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "no reminder session for %s", scope)
	}
	m.stop(scope, s)
	return nil
}

func (m *Manager) stop(scope string, s *session) {
	s.cancel()
	<-s.done
	m.opts.Metrics.SessionClosed()
	m.opts.Metrics.ForgetScope(scope)
	m.logger.Info("Reminder session closed", zap.String("patient_id", scope))
}

// Shutdown closes every session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.cancel()
	m.mu.Unlock()

	for scope, s := range sessions {
		m.stop(scope, s)
	}
}
