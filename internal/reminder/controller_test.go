package reminder

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/medimate/internal/dose"
	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/store"
)

type scheduleCall struct {
	ID     string
	Title  string
	Body   string
	Hour   int
	Minute int
}

type fakeDispatcher struct {
	mu        sync.Mutex
	seq       int
	denied    bool
	live      map[string]scheduleCall
	schedules []scheduleCall
	cancels   []string

	failSchedule func(hour, minute int) bool
	failCancel   func(id string) bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{live: make(map[string]scheduleCall)}
}

func (f *fakeDispatcher) RequestPermission(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied, nil
}

func (f *fakeDispatcher) ScheduleDaily(ctx context.Context, title, body string, hour, minute int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSchedule != nil && f.failSchedule(hour, minute) {
		return "", fmt.Errorf("platform unavailable")
	}
	f.seq++
	call := scheduleCall{ID: fmt.Sprintf("n%d", f.seq), Title: title, Body: body, Hour: hour, Minute: minute}
	f.live[call.ID] = call
	f.schedules = append(f.schedules, call)
	return call.ID, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel != nil && f.failCancel(id) {
		return fmt.Errorf("platform unavailable")
	}
	delete(f.live, id)
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeDispatcher) ScheduledIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeDispatcher) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = nil
	f.cancels = nil
}

func (f *fakeDispatcher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.schedules), len(f.cancels)
}

func (f *fakeDispatcher) scheduledTimes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.schedules))
	for _, c := range f.schedules {
		out = append(out, fmt.Sprintf("%02d:%02d", c.Hour, c.Minute))
	}
	sort.Strings(out)
	return out
}

var fixedNow = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, d *fakeDispatcher, bindings BindingStore) *Controller {
	t.Helper()
	c, err := NewController(context.Background(), Options{
		Scope:       "patient-1",
		Dispatcher:  d,
		Bindings:    bindings,
		Location:    time.UTC,
		CallTimeout: time.Second,
		Now:         func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)
	return c
}

func med(id, name, at, frequency string, alarm bool) store.Medication {
	return store.Medication{ID: id, PatientID: "patient-1", Name: name, Time: at, Frequency: frequency, EnableAlarm: alarm}
}

func bindingTimes(c *Controller) []string {
	var out []string
	for _, b := range c.Bindings() {
		out = append(out, b.Time.String())
	}
	sort.Strings(out)
	return out
}

func TestReconcile_SchedulesDoseTimes(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)

	res := c.Reconcile(context.Background(), []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)})

	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Scheduled)
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, d.scheduledTimes())
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, bindingTimes(c))
	assert.Equal(t, "Take your medication: Aspirin", d.schedules[0].Title)
	assert.Equal(t, "It's time to take Aspirin", d.schedules[0].Body)
}

func TestReconcile_UnchangedBatchIssuesNoCalls(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	meds := []store.Medication{
		med("m1", "Aspirin", "08:00", "3x a day", true),
		med("m2", "Vitamin D", "09:30", "1x a day", true),
	}

	c.Reconcile(context.Background(), meds)
	d.resetCalls()

	res := c.Reconcile(context.Background(), meds)
	scheduled, cancelled := d.counts()
	assert.Zero(t, scheduled)
	assert.Zero(t, cancelled)
	assert.Equal(t, 4, res.Unchanged)
}

func TestReconcile_AlarmDisabledCancelsAll(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	m := med("m1", "Aspirin", "08:00", "3x a day", true)

	c.Reconcile(context.Background(), []store.Medication{m})
	d.resetCalls()

	m.EnableAlarm = false
	res := c.Reconcile(context.Background(), []store.Medication{m})

	scheduled, cancelled := d.counts()
	assert.Equal(t, 3, cancelled)
	assert.Zero(t, scheduled)
	assert.Equal(t, 3, res.Cancelled)
	assert.Empty(t, c.Bindings())
}

func TestReconcile_StartTimeChangeMovesReminders(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	m := med("m1", "Aspirin", "08:00", "3x a day", true)

	c.Reconcile(context.Background(), []store.Medication{m})
	d.resetCalls()

	m.Time = "09:00"
	c.Reconcile(context.Background(), []store.Medication{m})

	scheduled, cancelled := d.counts()
	assert.Equal(t, 3, cancelled)
	assert.Equal(t, 3, scheduled)
	assert.Equal(t, []string{"09:00", "15:00", "21:00"}, d.scheduledTimes())
	assert.Equal(t, []string{"09:00", "15:00", "21:00"}, bindingTimes(c))
}

func TestReconcile_DeletedMedicationCancelled(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)

	c.Reconcile(context.Background(), []store.Medication{
		med("m1", "Aspirin", "08:00", "2x a day", true),
		med("m2", "Vitamin D", "09:00", "1x a day", true),
	})
	d.resetCalls()

	c.Reconcile(context.Background(), []store.Medication{med("m2", "Vitamin D", "09:00", "1x a day", true)})
	scheduled, cancelled := d.counts()
	assert.Equal(t, 2, cancelled)
	assert.Zero(t, scheduled)
	assert.Equal(t, []string{"09:00"}, bindingTimes(c))
}

func TestReconcile_RenameReschedules(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	m := med("m1", "Aspirin", "08:00", "1x a day", true)

	c.Reconcile(context.Background(), []store.Medication{m})
	d.resetCalls()

	m.Name = "Aspirin 100mg"
	c.Reconcile(context.Background(), []store.Medication{m})

	scheduled, cancelled := d.counts()
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, scheduled)
	assert.Equal(t, "Take your medication: Aspirin 100mg", c.Bindings()[0].Title)
}

func TestReconcile_FailedScheduleIsRetried(t *testing.T) {
	d := newFakeDispatcher()
	d.failSchedule = func(hour, minute int) bool { return hour == 14 }
	c := newTestController(t, d, nil)
	meds := []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)}

	res := c.Reconcile(context.Background(), meds)
	require.Len(t, res.Errors, 1)
	assert.True(t, apperrors.Is(res.Errors[0], apperrors.ErrScheduleFailed))
	assert.Equal(t, []string{"08:00", "20:00"}, bindingTimes(c))

	d.mu.Lock()
	d.failSchedule = nil
	d.mu.Unlock()
	d.resetCalls()

	res = c.Reconcile(context.Background(), meds)
	assert.True(t, res.OK())
	assert.Equal(t, []string{"14:00"}, d.scheduledTimes())
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, bindingTimes(c))
}

func TestReconcile_FailedCancelIsRetried(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	m := med("m1", "Aspirin", "08:00", "1x a day", true)
	c.Reconcile(context.Background(), []store.Medication{m})

	d.mu.Lock()
	d.failCancel = func(string) bool { return true }
	d.mu.Unlock()

	res := c.Reconcile(context.Background(), nil)
	require.Len(t, res.Errors, 1)
	assert.True(t, apperrors.Is(res.Errors[0], apperrors.ErrCancelFailed))
	assert.Len(t, c.Bindings(), 1, "binding stays until its cancel succeeds")

	d.mu.Lock()
	d.failCancel = nil
	d.mu.Unlock()

	res = c.Reconcile(context.Background(), nil)
	assert.True(t, res.OK())
	assert.Empty(t, c.Bindings())
	d.mu.Lock()
	assert.Empty(t, d.live)
	d.mu.Unlock()
}

func TestReconcile_PermissionDenied(t *testing.T) {
	d := newFakeDispatcher()
	d.denied = true
	c := newTestController(t, d, nil)
	meds := []store.Medication{med("m1", "Aspirin", "08:00", "2x a day", true)}

	res := c.Reconcile(context.Background(), meds)
	assert.True(t, res.PermissionDenied)
	assert.Empty(t, c.Bindings())

	d.mu.Lock()
	d.denied = false
	d.mu.Unlock()

	res = c.Reconcile(context.Background(), meds)
	assert.True(t, res.OK())
	assert.Equal(t, 2, res.Scheduled)
}

func TestReconcile_SkipsInactiveAndUnparseable(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)

	ended := med("m1", "Antibiotic", "08:00", "1x a day", true)
	end := fixedNow.AddDate(0, 0, -1)
	ended.EndDate = &end
	broken := med("m2", "Mystery", "soon", "1x a day", true)
	active := med("m3", "Vitamin D", "21:00", "4x a day", true)

	c.Reconcile(context.Background(), []store.Medication{ended, broken, active})
	assert.Equal(t, []string{"21:00"}, bindingTimes(c))
}

func TestReconcile_IntervalHoursWinsOverLabel(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	m := med("m1", "Aspirin", "06:00", "1x a day", true)
	m.IntervalHours = 12

	c.Reconcile(context.Background(), []store.Medication{m})
	assert.Equal(t, []string{"06:00", "18:00"}, bindingTimes(c))
}

func TestReset_CancelsAndReschedules(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)
	c.Reconcile(context.Background(), []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)})
	before := c.Bindings()
	d.resetCalls()

	res := c.Reset(context.Background())
	assert.Equal(t, 3, res.Cancelled)
	assert.Equal(t, 3, res.Scheduled)

	after := c.Bindings()
	require.Len(t, after, 3)
	for i := range after {
		assert.Equal(t, before[i].Key(), after[i].Key())
		assert.NotEqual(t, before[i].ScheduleID, after[i].ScheduleID)
	}
	d.mu.Lock()
	assert.Len(t, d.live, 3)
	d.mu.Unlock()
}

func desiredTimes(meds []store.Medication) map[Key]struct{} {
	out := make(map[Key]struct{})
	for _, m := range meds {
		if !m.EnableAlarm {
			continue
		}
		t0, err := dose.ParseTimeOfDay(m.Time, time.UTC)
		if err != nil {
			continue
		}
		for _, t := range dose.DoseTimes(t0, dose.EffectiveInterval(m.Frequency, m.IntervalHours)) {
			out[Key{MedicationID: m.ID, Time: t}] = struct{}{}
		}
	}
	return out
}

func randomMeds(r *rand.Rand) []store.Medication {
	n := r.Intn(6)
	meds := make([]store.Medication, 0, n)
	freqs := append(dose.Frequencies(), "weekly")
	for i := 0; i < n; i++ {
		meds = append(meds, med(
			fmt.Sprintf("m%d", r.Intn(8)),
			fmt.Sprintf("Med %d", r.Intn(3)),
			fmt.Sprintf("%02d:%02d", r.Intn(24), r.Intn(4)*15),
			freqs[r.Intn(len(freqs))],
			r.Intn(4) > 0,
		))
	}
	// Document ids are unique within a snapshot.
	seen := make(map[string]bool)
	out := meds[:0]
	for _, m := range meds {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

func TestReconcile_ConvergesOnRandomBatches(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	d := newFakeDispatcher()
	d.failSchedule = func(hour, minute int) bool { return r.Intn(5) == 0 }
	c := newTestController(t, d, nil)

	for batch := 0; batch < 200; batch++ {
		meds := randomMeds(r)

		res := c.Reconcile(context.Background(), meds)
		for !res.OK() {
			res = c.Reconcile(context.Background(), meds)
		}

		want := desiredTimes(meds)
		got := make(map[Key]struct{})
		liveIDs := make(map[string]struct{})
		for _, b := range c.Bindings() {
			got[b.Key()] = struct{}{}
			liveIDs[b.ScheduleID] = struct{}{}
		}
		require.Equal(t, want, got, "batch %d", batch)

		d.mu.Lock()
		require.Len(t, d.live, len(want), "batch %d: one live trigger per key", batch)
		for id := range d.live {
			_, ok := liveIDs[id]
			require.True(t, ok, "batch %d: orphaned trigger %s", batch, id)
		}
		d.mu.Unlock()
	}
}

func newMemoryBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRestart_PersistedBindingsAvoidDuplicates(t *testing.T) {
	d := newFakeDispatcher()
	bindings := NewBadgerBindings(newMemoryBadger(t))
	meds := []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)}

	first := newTestController(t, d, bindings)
	first.Reconcile(context.Background(), meds)
	d.resetCalls()

	second := newTestController(t, d, bindings)
	assert.Len(t, second.Bindings(), 3)
	second.Reconcile(context.Background(), meds)

	scheduled, cancelled := d.counts()
	assert.Zero(t, scheduled)
	assert.Zero(t, cancelled)
}

func TestRestart_LostTriggersAreRecreated(t *testing.T) {
	d := newFakeDispatcher()
	bindings := NewMemoryBindings()
	meds := []store.Medication{med("m1", "Aspirin", "08:00", "2x a day", true)}

	first := newTestController(t, d, bindings)
	first.Reconcile(context.Background(), meds)

	fresh := newFakeDispatcher()
	second := newTestController(t, fresh, bindings)
	assert.Empty(t, second.Bindings())

	second.Reconcile(context.Background(), meds)
	assert.Equal(t, []string{"08:00", "20:00"}, fresh.scheduledTimes())
}

func TestBadgerBindings_LoadSave(t *testing.T) {
	s := NewBadgerBindings(newMemoryBadger(t))
	ctx := context.Background()

	empty, err := s.Load(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, empty)

	b := Binding{MedicationID: "m1", Time: dose.TimeOfDay{Hour: 8}, ScheduleID: "n1", Title: "t", Body: "b", CreatedAt: fixedNow}
	require.NoError(t, s.Save(ctx, "p", map[Key]Binding{b.Key(): b}))

	loaded, err := s.Load(ctx, "p")
	require.NoError(t, err)
	require.Contains(t, loaded, b.Key())
	assert.Equal(t, "n1", loaded[b.Key()].ScheduleID)

	other, err := s.Load(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.Save(ctx, "p", map[Key]Binding{}))
	loaded, err = s.Load(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRun_ProcessesSnapshotsInOrder(t *testing.T) {
	d := newFakeDispatcher()
	c := newTestController(t, d, nil)

	snapshots := make(chan []store.Medication)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), snapshots) }()

	m := med("m1", "Aspirin", "08:00", "3x a day", true)
	snapshots <- []store.Medication{m}
	m.Time = "09:00"
	snapshots <- []store.Medication{m}
	close(snapshots)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"09:00", "15:00", "21:00"}, bindingTimes(c))
}

func TestRun_ResyncRetriesFailures(t *testing.T) {
	d := newFakeDispatcher()
	failing := true
	d.failSchedule = func(hour, minute int) bool { return failing }

	c, err := NewController(context.Background(), Options{
		Scope:          "patient-1",
		Dispatcher:     d,
		Location:       time.UTC,
		ResyncInterval: 10 * time.Millisecond,
		Now:            func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := make(chan []store.Medication, 1)
	snapshots <- []store.Medication{med("m1", "Aspirin", "08:00", "1x a day", true)}
	go func() { _ = c.Run(ctx, snapshots) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.Bindings())

	d.mu.Lock()
	failing = false
	d.mu.Unlock()

	require.Eventually(t, func() bool { return len(c.Bindings()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

// slowDispatcher hangs schedule calls until their context ends while hang is
// set, and records how many calls overlap.
type slowDispatcher struct {
	*fakeDispatcher
	hang     atomic.Bool
	delay    time.Duration
	inflight atomic.Int32
	overlap  atomic.Int32
}

func (s *slowDispatcher) enter() func() {
	if n := s.inflight.Add(1); n > 1 {
		s.overlap.Add(1)
	}
	return func() { s.inflight.Add(-1) }
}

func (s *slowDispatcher) ScheduleDaily(ctx context.Context, title, body string, hour, minute int) (string, error) {
	defer s.enter()()
	if s.hang.Load() {
		<-ctx.Done()
		return "", ctx.Err()
	}
	time.Sleep(s.delay)
	return s.fakeDispatcher.ScheduleDaily(ctx, title, body, hour, minute)
}

func (s *slowDispatcher) Cancel(ctx context.Context, id string) error {
	defer s.enter()()
	time.Sleep(s.delay)
	return s.fakeDispatcher.Cancel(ctx, id)
}

func TestReconcile_TimedOutCallIsRetried(t *testing.T) {
	d := &slowDispatcher{fakeDispatcher: newFakeDispatcher()}
	d.hang.Store(true)

	c, err := NewController(context.Background(), Options{
		Scope:       "patient-1",
		Dispatcher:  d,
		Location:    time.UTC,
		CallTimeout: 20 * time.Millisecond,
		Now:         func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)

	meds := []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)}

	start := time.Now()
	res := c.Reconcile(context.Background(), meds)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, res.Scheduled)
	require.Len(t, res.Errors, 3)
	for _, err := range res.Errors {
		assert.True(t, apperrors.Is(err, apperrors.ErrScheduleFailed))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Empty(t, c.Bindings())

	d.hang.Store(false)
	res = c.Reconcile(context.Background(), meds)
	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Scheduled)
	assert.Equal(t, []string{"08:00", "14:00", "20:00"}, bindingTimes(c))
}

func TestPasses_AreSerialized(t *testing.T) {
	d := &slowDispatcher{fakeDispatcher: newFakeDispatcher(), delay: 200 * time.Microsecond}
	c, err := NewController(context.Background(), Options{
		Scope:       "patient-1",
		Dispatcher:  d,
		Location:    time.UTC,
		CallTimeout: time.Second,
		Now:         func() time.Time { return fixedNow },
	}, nil)
	require.NoError(t, err)

	batches := [][]store.Medication{
		{med("m1", "Aspirin", "08:00", "3x a day", true)},
		{med("m1", "Aspirin", "09:00", "4x a day", true), med("m2", "Iron", "07:00", "2x a day", true)},
		{med("m2", "Iron", "07:00", "2x a day", false)},
		{med("m1", "Aspirin Forte", "09:00", "1x a day", true)},
	}

	snapshots := make(chan []store.Medication)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), snapshots) }()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			snapshots <- batches[i%len(batches)]
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			c.Reconcile(context.Background(), batches[(i+1)%len(batches)])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			c.Reset(context.Background())
		}
	}()
	wg.Wait()
	close(snapshots)
	require.NoError(t, <-done)

	assert.Zero(t, d.overlap.Load(), "dispatcher calls of one scope must never overlap")

	// Every live trigger is tracked by exactly one binding.
	d.mu.Lock()
	live := make([]string, 0, len(d.live))
	for id := range d.live {
		live = append(live, id)
	}
	d.mu.Unlock()
	var bound []string
	for _, b := range c.Bindings() {
		bound = append(bound, b.ScheduleID)
	}
	assert.ElementsMatch(t, live, bound)

	final := batches[3]
	c.Reconcile(context.Background(), final)
	assert.Equal(t, []string{"09:00"}, bindingTimes(c))
	d.mu.Lock()
	assert.Len(t, d.live, 1)
	d.mu.Unlock()
}
