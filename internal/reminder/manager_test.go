package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/store"
)

type fakeSource struct {
	mu    sync.Mutex
	feeds map[string]chan []store.Medication
}

func newFakeSource() *fakeSource {
	return &fakeSource{feeds: make(map[string]chan []store.Medication)}
}

func (s *fakeSource) Subscribe(ctx context.Context, patientID string) (<-chan []store.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []store.Medication, 4)
	s.feeds[patientID] = ch
	return ch, nil
}

func (s *fakeSource) push(scope string, meds []store.Medication) {
	s.mu.Lock()
	ch := s.feeds[scope]
	s.mu.Unlock()
	ch <- meds
}

func newTestManager(src *fakeSource, dispatchers map[string]*fakeDispatcher) *Manager {
	return NewManager(ManagerOptions{
		Source: src,
		Dispatchers: func(scope string) notify.Dispatcher {
			return dispatchers[scope]
		},
		Location:    time.UTC,
		CallTimeout: time.Second,
		Now:         func() time.Time { return fixedNow },
	}, nil)
}

func TestManager_OpenRunsControllerPerScope(t *testing.T) {
	src := newFakeSource()
	da, db := newFakeDispatcher(), newFakeDispatcher()
	m := newTestManager(src, map[string]*fakeDispatcher{"a": da, "b": db})
	defer m.Shutdown()

	ca, err := m.Open(context.Background(), "a")
	require.NoError(t, err)
	again, err := m.Open(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, ca, again)

	cb, err := m.Open(context.Background(), "b")
	require.NoError(t, err)
	assert.NotSame(t, ca, cb)
	assert.Equal(t, []string{"a", "b"}, m.Scopes())

	src.push("a", []store.Medication{med("m1", "Aspirin", "08:00", "3x a day", true)})
	src.push("b", []store.Medication{med("m2", "Vitamin D", "09:00", "1x a day", true)})

	require.Eventually(t, func() bool { return len(ca.Bindings()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(cb.Bindings()) == 1 }, time.Second, 5*time.Millisecond)

	scheduledA, _ := da.counts()
	scheduledB, _ := db.counts()
	assert.Equal(t, 3, scheduledA)
	assert.Equal(t, 1, scheduledB)
}

func TestManager_Close(t *testing.T) {
	src := newFakeSource()
	m := newTestManager(src, map[string]*fakeDispatcher{"a": newFakeDispatcher()})
	defer m.Shutdown()

	_, err := m.Open(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, m.Close("a"))
	_, ok := m.Controller("a")
	assert.False(t, ok)

	err = m.Close("a")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestManager_ReopenKeepsBindings(t *testing.T) {
	src := newFakeSource()
	d := newFakeDispatcher()
	m := newTestManager(src, map[string]*fakeDispatcher{"a": d})
	defer m.Shutdown()

	c, err := m.Open(context.Background(), "a")
	require.NoError(t, err)
	meds := []store.Medication{med("m1", "Aspirin", "08:00", "2x a day", true)}
	src.push("a", meds)
	require.Eventually(t, func() bool { return len(c.Bindings()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close("a"))
	d.resetCalls()

	c, err = m.Open(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, c.Bindings(), 2)

	c.Reconcile(context.Background(), meds)
	scheduled, cancelled := d.counts()
	assert.Zero(t, scheduled)
	assert.Zero(t, cancelled)
}

func TestManager_ShutdownRejectsOpen(t *testing.T) {
	m := newTestManager(newFakeSource(), map[string]*fakeDispatcher{"a": newFakeDispatcher()})
	_, err := m.Open(context.Background(), "a")
	require.NoError(t, err)

	m.Shutdown()
	assert.Empty(t, m.Scopes())

	_, err = m.Open(context.Background(), "a")
	assert.Error(t, err)

	_, err = m.Open(context.Background(), "")
	assert.Error(t, err)
}
