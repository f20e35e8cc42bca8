package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medimate/internal/errors"
)

// Reminder is one daily trigger held by a LocalScheduler
type Reminder struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	CreatedAt time.Time `json:"createdAt"`
	Next      time.Time `json:"next,omitempty"`
}

// FireFunc is called when a reminder's trigger time is reached
type FireFunc func(ctx context.Context, r Reminder)

// LocalOptions configures a LocalScheduler
type LocalOptions struct {
	Location *time.Location
	Granted  bool
	Fire     FireFunc
}

type entry struct {
	id       cron.EntryID
	reminder Reminder
}

// LocalScheduler keeps daily triggers in process on a cron scheduler
type LocalScheduler struct {
	cron    *cron.Cron
	loc     *time.Location
	fire    FireFunc
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	granted bool
	running bool
	entries map[string]entry
}

// NewLocalScheduler creates a scheduler. Triggers fire only after Start.
func NewLocalScheduler(opts LocalOptions, logger *zap.Logger) *LocalScheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &LocalScheduler{
		cron:    cron.New(cron.WithLocation(opts.Location)),
		loc:     opts.Location,
		fire:    opts.Fire,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		granted: opts.Granted,
		entries: make(map[string]entry),
	}
}

// Start begins firing triggers
func (s *LocalScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("Reminder scheduler started", zap.String("location", s.loc.String()))
}

// Stop stops firing and waits for running triggers to return
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Reminder scheduler stopped")
}

// SetPermission grants or revokes notification permission
func (s *LocalScheduler) SetPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = granted
}

// RequestPermission reports the current permission
func (s *LocalScheduler) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granted, nil
}

// ScheduleDaily schedules an unscoped trigger
func (s *LocalScheduler) ScheduleDaily(ctx context.Context, title, body string, hour, minute int) (string, error) {
	return s.schedule(ctx, "", title, body, hour, minute)
}

func (s *LocalScheduler) schedule(ctx context.Context, scope, title, body string, hour, minute int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Wrapf(apperrors.ErrScheduleFailed, err, "schedule %q", title)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", apperrors.Wrapf(apperrors.ErrScheduleFailed, nil, "trigger time %02d:%02d out of range", hour, minute)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.granted {
		return "", apperrors.ErrPermissionDenied
	}

	r := Reminder{
		ID:        uuid.NewString(),
		Scope:     scope,
		Title:     title,
		Body:      body,
		Hour:      hour,
		Minute:    minute,
		CreatedAt: time.Now(),
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		s.trigger(r)
	})
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrScheduleFailed, err, "schedule %q", title)
	}
	s.entries[r.ID] = entry{id: id, reminder: r}

	s.logger.Debug("Reminder scheduled",
		zap.String("reminder_id", r.ID),
		zap.String("scope", scope),
		zap.String("title", title),
		zap.Int("hour", hour),
		zap.Int("minute", minute),
	)
	return r.ID, nil
}

func (s *LocalScheduler) trigger(r Reminder) {
	s.logger.Info("Reminder due",
		zap.String("reminder_id", r.ID),
		zap.String("scope", r.Scope),
		zap.String("title", r.Title),
	)
	if s.fire == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Reminder handler panicked",
				zap.String("reminder_id", r.ID),
				zap.Any("panic", rec),
			)
		}
	}()
	s.fire(s.ctx, r)
}

// Cancel removes a trigger
func (s *LocalScheduler) Cancel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrapf(apperrors.ErrCancelFailed, err, "cancel %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	s.cron.Remove(e.id)
	delete(s.entries, id)
	return nil
}

// ScheduledIDs lists every live trigger id
func (s *LocalScheduler) ScheduledIDs(ctx context.Context) ([]string, error) {
	return s.scheduledIDs(ctx, "", false)
}

func (s *LocalScheduler) scheduledIDs(ctx context.Context, scope string, scoped bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if scoped && e.reminder.Scope != scope {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reminders returns the live triggers ordered by time of day, with their
// next fire time when the scheduler is running
func (s *LocalScheduler) Reminders(scope string) []Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Reminder, 0, len(s.entries))
	for _, e := range s.entries {
		if scope != "" && e.reminder.Scope != scope {
			continue
		}
		r := e.reminder
		r.Next = s.cron.Entry(e.id).Next
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Hour*60+a.Minute != b.Hour*60+b.Minute {
			return a.Hour*60+a.Minute < b.Hour*60+b.Minute
		}
		return a.ID < b.ID
	})
	return out
}

// Scope returns a Dispatcher whose triggers are tagged with scope
func (s *LocalScheduler) Scope(scope string) *ScopedScheduler {
	return &ScopedScheduler{parent: s, scope: scope}
}

// ScopedScheduler is a view of a LocalScheduler restricted to one scope
type ScopedScheduler struct {
	parent *LocalScheduler
	scope  string
}

// RequestPermission reports the parent's permission
func (s *ScopedScheduler) RequestPermission(ctx context.Context) (bool, error) {
	return s.parent.RequestPermission(ctx)
}

// ScheduleDaily schedules a trigger tagged with the view's scope
func (s *ScopedScheduler) ScheduleDaily(ctx context.Context, title, body string, hour, minute int) (string, error) {
	return s.parent.schedule(ctx, s.scope, title, body, hour, minute)
}

// Cancel removes a trigger
func (s *ScopedScheduler) Cancel(ctx context.Context, id string) error {
	return s.parent.Cancel(ctx, id)
}

// ScheduledIDs lists the scope's live trigger ids
func (s *ScopedScheduler) ScheduledIDs(ctx context.Context) ([]string, error) {
	return s.parent.scheduledIDs(ctx, s.scope, true)
}
