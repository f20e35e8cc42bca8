// Package reminder keeps the daily reminder triggers of a patient in step
// with the patient's medication list.
package reminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/metrics"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/store"
)

// Defaults for Options
const (
	DefaultCallTimeout   = 10 * time.Second
	DefaultTitleTemplate = "Take your medication: %s"
	DefaultBodyTemplate  = "It's time to take %s"
)

// Options configures a Controller
type Options struct {
	Scope          string
	Dispatcher     notify.Dispatcher
	Bindings       BindingStore
	Location       *time.Location
	CallTimeout    time.Duration
	ResyncInterval time.Duration
	TitleTemplate  string
	BodyTemplate   string
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Result summarizes one reconciliation pass
type Result struct {
	Scheduled        int
	Cancelled        int
	Unchanged        int
	PermissionDenied bool
	Errors           []error
}

// OK reports whether the pass issued every call it needed without error
func (r Result) OK() bool {
	return len(r.Errors) == 0 && !r.PermissionDenied
}

type want struct {
	title string
	body  string
}

// Controller reconciles one patient scope. Passes are serialized; the known
// binding map is only touched while the pass lock is held.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	known   map[Key]Binding
	dirty   bool
	last    []store.Medication
	hasLast bool
}

// NewController loads the scope's persisted bindings. When the dispatcher
// can list its triggers, bindings whose trigger no longer exists are dropped
// so the next pass recreates them.
func NewController(ctx context.Context, opts Options, logger *zap.Logger) (*Controller, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("reminder controller needs a dispatcher")
	}
	if opts.Bindings == nil {
		opts.Bindings = NewMemoryBindings()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.TitleTemplate == "" {
		opts.TitleTemplate = DefaultTitleTemplate
	}
	if opts.BodyTemplate == "" {
		opts.BodyTemplate = DefaultBodyTemplate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("patient_id", opts.Scope))

	known, err := opts.Bindings.Load(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:   opts,
		logger: logger,
		known:  known,
	}
	c.prune(ctx)
	c.opts.Metrics.SetBindings(opts.Scope, len(c.known))
	return c, nil
}

func (c *Controller) prune(ctx context.Context) {
	lister, ok := c.opts.Dispatcher.(notify.Lister)
	if !ok || len(c.known) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	ids, err := lister.ScheduledIDs(callCtx)
	if err != nil {
		c.logger.Warn("Could not list live reminders, keeping persisted bindings", zap.Error(err))
		return
	}

	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	for k, b := range c.known {
		if _, ok := live[b.ScheduleID]; !ok {
			delete(c.known, k)
			c.dirty = true
		}
	}
	if c.dirty {
		c.logger.Info("Dropped bindings without a live reminder", zap.Int("remaining", len(c.known)))
		c.persist(ctx)
	}
}

// Scope returns the patient scope the controller serves
func (c *Controller) Scope() string {
	return c.opts.Scope
}

// Bindings returns a sorted copy of the known bindings
func (c *Controller) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedBindings(c.known)
}

// Reconcile brings the scheduled reminders in line with meds
func (c *Controller) Reconcile(ctx context.Context, meds []store.Medication) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = meds
	c.hasLast = true
	return c.reconcileLocked(ctx, meds)
}

// Resync replays the last snapshot, retrying any call that failed before
func (c *Controller) Resync(ctx context.Context) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasLast {
		return Result{}, false
	}
	return c.reconcileLocked(ctx, c.last), true
}

// Reset cancels every known reminder and reconciles the last snapshot again
func (c *Controller) Reset(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	for _, b := range sortedBindings(c.known) {
		if err := c.cancel(ctx, b); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		delete(c.known, b.Key())
		c.dirty = true
		res.Cancelled++
	}
	c.persist(ctx)
	c.logger.Info("Reminders reset", zap.Int("cancelled", res.Cancelled), zap.Int("failed", len(res.Errors)))

	if !c.hasLast || ctx.Err() != nil {
		c.opts.Metrics.SetBindings(c.opts.Scope, len(c.known))
		return res
	}
	next := c.reconcileLocked(ctx, c.last)
	next.Cancelled += res.Cancelled
	next.Errors = append(res.Errors, next.Errors...)
	return next
}

// Run reconciles each snapshot in arrival order until snapshots closes or
// ctx is done. With a resync interval, the last snapshot is replayed on
// every tick.
func (c *Controller) Run(ctx context.Context, snapshots <-chan []store.Medication) error {
	var tick <-chan time.Time
	if c.opts.ResyncInterval > 0 {
		ticker := time.NewTicker(c.opts.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case meds, ok := <-snapshots:
			if !ok {
				return nil
			}
			c.Reconcile(ctx, meds)
		case <-tick:
			c.Resync(ctx)
		}
	}
}

func (c *Controller) desired(meds []store.Medication) map[Key]want {
	now := c.opts.Now().In(c.opts.Location)
	out := make(map[Key]want)
	for i := range meds {
		med := &meds[i]
		if !med.EnableAlarm || !med.Active(now) {
			continue
		}
		w := want{
			title: fmt.Sprintf(c.opts.TitleTemplate, med.Name),
			body:  fmt.Sprintf(c.opts.BodyTemplate, med.Name),
		}
		for _, t := range med.DoseTimes(c.opts.Location) {
			out[Key{MedicationID: med.ID, Time: t}] = w
		}
	}
	return out
}

func sortedKeys[V any](m map[Key]V) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

func (c *Controller) reconcileLocked(ctx context.Context, meds []store.Medication) Result {
	start := time.Now()
	var res Result

	desired := c.desired(meds)

	// Stale or renamed bindings are cancelled first.
	for _, k := range sortedKeys(c.known) {
		if ctx.Err() != nil {
			break
		}
		b := c.known[k]
		w, ok := desired[k]
		if ok && w.title == b.Title && w.body == b.Body {
			res.Unchanged++
			continue
		}
		if err := c.cancel(ctx, b); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		delete(c.known, k)
		c.dirty = true
		res.Cancelled++
	}

	var toSchedule []Key
	for _, k := range sortedKeys(desired) {
		if _, ok := c.known[k]; !ok {
			toSchedule = append(toSchedule, k)
		}
	}

	if len(toSchedule) > 0 && ctx.Err() == nil {
		if c.permitted(ctx) {
			for _, k := range toSchedule {
				if ctx.Err() != nil {
					break
				}
				b, err := c.schedule(ctx, k, desired[k])
				if err != nil {
					res.Errors = append(res.Errors, err)
					continue
				}
				c.known[k] = b
				c.dirty = true
				res.Scheduled++
			}
		} else {
			res.PermissionDenied = true
		}
	}

	c.persist(ctx)
	c.opts.Metrics.SetBindings(c.opts.Scope, len(c.known))
	c.opts.Metrics.RecordReconcile(time.Since(start), res.OK())

	if res.Scheduled > 0 || res.Cancelled > 0 || !res.OK() {
		c.logger.Info("Reminders reconciled",
			zap.Int("medications", len(meds)),
			zap.Int("scheduled", res.Scheduled),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("unchanged", res.Unchanged),
			zap.Int("failed", len(res.Errors)),
			zap.Bool("permission_denied", res.PermissionDenied),
		)
	}
	return res
}

func (c *Controller) permitted(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	granted, err := c.opts.Dispatcher.RequestPermission(callCtx)
	if err != nil {
		c.logger.Warn("Notification permission check failed", zap.Error(err))
		return false
	}
	if !granted {
		c.logger.Warn("Notification permission denied, reminders not scheduled",
			zap.Error(apperrors.ErrPermissionDenied))
	}
	return granted
}

func (c *Controller) schedule(ctx context.Context, k Key, w want) (Binding, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	id, err := c.opts.Dispatcher.ScheduleDaily(callCtx, w.title, w.body, k.Time.Hour, k.Time.Minute)
	c.opts.Metrics.RecordReminderCall(metrics.OpSchedule, err == nil)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrScheduleFailed) && !apperrors.Is(err, apperrors.ErrPermissionDenied) {
			err = apperrors.Wrapf(apperrors.ErrScheduleFailed, err, "schedule %s", k)
		}
		c.logger.Warn("Failed to schedule reminder",
			zap.String("key", k.String()),
			zap.Error(err),
		)
		return Binding{}, err
	}

	return Binding{
		MedicationID: k.MedicationID,
		Time:         k.Time,
		ScheduleID:   id,
		Title:        w.title,
		Body:         w.body,
		CreatedAt:    c.opts.Now(),
	}, nil
}

func (c *Controller) cancel(ctx context.Context, b Binding) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	err := c.opts.Dispatcher.Cancel(callCtx, b.ScheduleID)
	if err != nil && apperrors.Is(err, apperrors.ErrNotFound) {
		err = nil
	}
	c.opts.Metrics.RecordReminderCall(metrics.OpCancel, err == nil)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrCancelFailed) {
			err = apperrors.Wrapf(apperrors.ErrCancelFailed, err, "cancel %s", b.Key())
		}
		c.logger.Warn("Failed to cancel reminder",
			zap.String("key", b.Key().String()),
			zap.String("schedule_id", b.ScheduleID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (c *Controller) persist(ctx context.Context) {
	if !c.dirty {
		return
	}
	if err := c.opts.Bindings.Save(context.WithoutCancel(ctx), c.opts.Scope, c.known); err != nil {
		c.logger.Warn("Failed to persist reminder bindings", zap.Error(err))
		return
	}
	c.dirty = false
}
