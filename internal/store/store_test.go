package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/gmsas95/medimate/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	kv, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)

	s, err := Open(db, kv, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func nextSnapshot(t *testing.T, ch <-chan []Medication) []Medication {
	t.Helper()
	select {
	case meds, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return meds
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func TestMedicationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	med := &Medication{PatientID: "p1", Name: "Aspirin", Time: "08:00", Frequency: "3x a day", EnableAlarm: true}
	require.NoError(t, s.CreateMedication(ctx, med))
	assert.NotEmpty(t, med.ID)
	assert.Equal(t, 6, med.IntervalHours)

	got, err := s.GetMedication(ctx, "p1", med.ID)
	require.NoError(t, err)
	assert.Equal(t, "Aspirin", got.Name)

	_, err = s.GetMedication(ctx, "p2", med.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	got.Time = "09:00"
	got.EnableAlarm = false
	require.NoError(t, s.UpdateMedication(ctx, got))

	got, err = s.GetMedication(ctx, "p1", med.ID)
	require.NoError(t, err)
	assert.Equal(t, "09:00", got.Time)
	assert.False(t, got.EnableAlarm, "zero values must be written")

	require.NoError(t, s.DeleteMedication(ctx, "p1", med.ID))
	err = s.DeleteMedication(ctx, "p1", med.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = s.UpdateMedication(ctx, got)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCreateMedicationNeedsPatient(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateMedication(context.Background(), &Medication{Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}

func TestDeleteMedicationsByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tm := range []string{"08:00", "14:00", "20:00"} {
		require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "p1", Name: "Ibuprofen", Time: tm}))
	}
	require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "p1", Name: "Vitamin D", Time: "09:00"}))
	require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "p2", Name: "Ibuprofen", Time: "09:00"}))

	n, err := s.DeleteMedicationsByName(ctx, "p1", "Ibuprofen")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	meds, err := s.ListMedications(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Vitamin D", meds[0].Name)

	meds, err = s.ListMedications(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, meds, 1)
}

func TestSubscribe_SnapshotPerChange(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "p1", Name: "A", Time: "08:00"}))

	ch, err := s.Subscribe(ctx, "p1")
	require.NoError(t, err)

	initial := nextSnapshot(t, ch)
	require.Len(t, initial, 1)

	require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "p1", Name: "B", Time: "07:00"}))
	snap := nextSnapshot(t, ch)
	require.Len(t, snap, 2)
	assert.Equal(t, "B", snap[0].Name, "ordered by start time")

	require.NoError(t, s.CreateMedication(ctx, &Medication{PatientID: "other", Name: "C", Time: "07:00"}))
	require.NoError(t, s.DeleteMedication(ctx, "p1", snap[0].ID))
	snap = nextSnapshot(t, ch)
	require.Len(t, snap, 1)
	assert.Equal(t, "A", snap[0].Name)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMedicationDerivedFields(t *testing.T) {
	med := Medication{Time: "08:00", Frequency: "3x a day"}
	times := med.DoseTimes(time.UTC)
	require.Len(t, times, 3)
	assert.Equal(t, "20:00", times[2].String())

	med.IntervalHours = 12
	assert.Equal(t, 12, med.Interval())

	med.Time = "garbage"
	assert.Empty(t, med.DoseTimes(time.UTC))

	now := time.Date(2024, 5, 10, 22, 0, 0, 0, time.UTC)
	assert.True(t, med.Active(now))
	end := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	med.EndDate = &end
	assert.True(t, med.Active(now), "end date is inclusive")
	assert.False(t, med.Active(now.Add(3*time.Hour)))

	assert.False(t, med.NeedsRefill())
	med.OnHandAmount = intPtr(3)
	med.RefillThreshold = intPtr(5)
	assert.True(t, med.NeedsRefill())
	med.OnHandAmount = intPtr(6)
	assert.False(t, med.NeedsRefill())
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	patient := &User{ID: "pat", FirstName: "Ana", FullName: "Ana Cruz", Role: RolePatient}
	caregiver := &User{ID: "cg", FirstName: "Ben", FullName: "Ben Cruz", Role: RoleCaregiver}
	require.NoError(t, s.SaveUser(ctx, patient))
	require.NoError(t, s.SaveUser(ctx, caregiver))

	err := s.SaveUser(ctx, &User{ID: "x", Role: "doctor"})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

	require.NoError(t, s.SetPushToken(ctx, "pat", "ExponentPushToken[abc]"))
	got, err := s.GetUser(ctx, "pat")
	require.NoError(t, err)
	assert.Equal(t, "ExponentPushToken[abc]", got.PushToken)

	err = s.SetPushToken(ctx, "missing", "t")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	linked, err := s.LinkCaregiver(ctx, "cg", "pat")
	require.NoError(t, err)
	assert.Equal(t, "pat", linked.TrackedPatientID)
	assert.Equal(t, "Ana Cruz", linked.TrackedPatientFullName)

	_, err = s.LinkCaregiver(ctx, "cg", "nobody")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = s.LinkCaregiver(ctx, "pat", "cg")
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}
