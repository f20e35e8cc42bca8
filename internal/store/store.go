package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gmsas95/medimate/internal/changefeed"
	"github.com/gmsas95/medimate/internal/config"
	apperrors "github.com/gmsas95/medimate/internal/errors"
)

// Store provides medication and user documents on SQLite, a BadgerDB
// key-value area for reminder state, and change notifications per patient.
type Store struct {
	db     *gorm.DB
	badger *badger.DB
	feed   changefeed.Feed
	logger *zap.Logger
}

// New opens the SQLite and BadgerDB databases named in cfg
func New(cfg *config.Config, feed changefeed.Feed, log *zap.Logger) (*Store, error) {
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "medimate.db")
	}

	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.Storage.DataDir, "badger")
	}

	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s, err := Open(db, badgerDB, feed, log)
	if err != nil {
		_ = badgerDB.Close()
		return nil, err
	}
	return s, nil
}

// Open wraps already opened databases and migrates the schema
func Open(db *gorm.DB, kv *badger.DB, feed changefeed.Feed, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Medication{}, &User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if feed == nil {
		feed = changefeed.NewHub()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, badger: kv, feed: feed, logger: log}, nil
}

// Close closes the key-value database and the SQLite pool
func (s *Store) Close() error {
	var errs []error
	if s.badger != nil {
		errs = append(errs, s.badger.Close())
	}
	if sqlDB, err := s.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Badger returns the BadgerDB instance
func (s *Store) Badger() *badger.DB {
	return s.badger
}

// Feed returns the change feed the store publishes to
func (s *Store) Feed() changefeed.Feed {
	return s.feed
}

// ==================== Medication Methods ====================

// ListMedications returns a patient's medications ordered by start time
func (s *Store) ListMedications(ctx context.Context, patientID string) ([]Medication, error) {
	var meds []Medication
	err := s.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("time ASC, created_at ASC").
		Find(&meds).Error
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrRemoteRead, err, "list medications of %s", patientID)
	}
	return meds, nil
}

// GetMedication retrieves one medication of a patient
func (s *Store) GetMedication(ctx context.Context, patientID, id string) (*Medication, error) {
	var med Medication
	err := s.db.WithContext(ctx).First(&med, "patient_id = ? AND id = ?", patientID, id).Error
	if err != nil {
		return nil, readError(err, "medication %s", id)
	}
	return &med, nil
}

// CreateMedication inserts med and notifies the patient's subscribers
func (s *Store) CreateMedication(ctx context.Context, med *Medication) error {
	if med.PatientID == "" {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "medication needs a patient")
	}
	if err := s.db.WithContext(ctx).Create(med).Error; err != nil {
		return apperrors.Wrapf(apperrors.ErrRemoteWrite, err, "create medication %q", med.Name)
	}
	s.publish(ctx, med.PatientID, med.ID, changefeed.OpCreate)
	return nil
}

// UpdateMedication saves every field of an existing medication
func (s *Store) UpdateMedication(ctx context.Context, med *Medication) error {
	res := s.db.WithContext(ctx).
		Model(&Medication{}).
		Where("patient_id = ? AND id = ?", med.PatientID, med.ID).
		Select("*").
		Omit("id", "patient_id", "created_at").
		Updates(med)
	if res.Error != nil {
		return apperrors.Wrapf(apperrors.ErrRemoteWrite, res.Error, "update medication %s", med.ID)
	}
	if res.RowsAffected == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "medication %s", med.ID)
	}
	s.publish(ctx, med.PatientID, med.ID, changefeed.OpUpdate)
	return nil
}

// DeleteMedication removes one medication
func (s *Store) DeleteMedication(ctx context.Context, patientID, id string) error {
	res := s.db.WithContext(ctx).Delete(&Medication{}, "patient_id = ? AND id = ?", patientID, id)
	if res.Error != nil {
		return apperrors.Wrapf(apperrors.ErrRemoteWrite, res.Error, "delete medication %s", id)
	}
	if res.RowsAffected == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "medication %s", id)
	}
	s.publish(ctx, patientID, id, changefeed.OpDelete)
	return nil
}

// DeleteMedicationsByName removes every medication of the patient with the
// given name and returns how many were removed
func (s *Store) DeleteMedicationsByName(ctx context.Context, patientID, name string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&Medication{}, "patient_id = ? AND name = ?", patientID, name)
	if res.Error != nil {
		return 0, apperrors.Wrapf(apperrors.ErrRemoteWrite, res.Error, "delete medications named %q", name)
	}
	if res.RowsAffected > 0 {
		s.publish(ctx, patientID, "", changefeed.OpDelete)
	}
	return res.RowsAffected, nil
}

// Subscribe emits the patient's full medication list once immediately and
// again after every committed change, in order. The channel closes when ctx
// is done.
func (s *Store) Subscribe(ctx context.Context, patientID string) (<-chan []Medication, error) {
	events, err := s.feed.Subscribe(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", patientID, err)
	}

	out := make(chan []Medication)
	go func() {
		defer close(out)

		emit := func() bool {
			meds, err := s.ListMedications(ctx, patientID)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				s.logger.Warn("Failed to load medication snapshot",
					zap.String("patient_id", patientID),
					zap.Error(err),
				)
				return true
			}
			select {
			case out <- meds:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) publish(ctx context.Context, patientID, medID, op string) {
	err := s.feed.Publish(ctx, changefeed.Event{
		Scope:        patientID,
		MedicationID: medID,
		Op:           op,
		At:           time.Now(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish medication change",
			zap.String("patient_id", patientID),
			zap.String("medication_id", medID),
			zap.Error(err),
		)
	}
}

// ==================== User Methods ====================

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, readError(err, "user %s", id)
	}
	return &user, nil
}

// SaveUser creates or replaces a user profile
func (s *Store) SaveUser(ctx context.Context, user *User) error {
	if user.Role != "" && user.Role != RolePatient && user.Role != RoleCaregiver {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "unknown role %q", user.Role)
	}
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return apperrors.Wrapf(apperrors.ErrRemoteWrite, err, "save user %s", user.ID)
	}
	return nil
}

// SetPushToken records the device token pushes for the user go to
func (s *Store) SetPushToken(ctx context.Context, userID, token string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("push_token", token)
	if res.Error != nil {
		return apperrors.Wrapf(apperrors.ErrRemoteWrite, res.Error, "set push token of %s", userID)
	}
	if res.RowsAffected == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, "user %s", userID)
	}
	return nil
}

// LinkCaregiver makes caregiverID track patientID
func (s *Store) LinkCaregiver(ctx context.Context, caregiverID, patientID string) (*User, error) {
	var caregiver *User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var patient User
		if err := tx.First(&patient, "id = ?", patientID).Error; err != nil {
			return readError(err, "patient %s", patientID)
		}
		if patient.Role != RolePatient {
			return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "user %s is not a patient", patientID)
		}

		var cg User
		if err := tx.First(&cg, "id = ?", caregiverID).Error; err != nil {
			return readError(err, "caregiver %s", caregiverID)
		}
		if cg.Role != RoleCaregiver {
			return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "user %s is not a caregiver", caregiverID)
		}

		cg.TrackedPatientID = patient.ID
		cg.TrackedPatientFullName = patient.FullName
		if err := tx.Save(&cg).Error; err != nil {
			return apperrors.Wrapf(apperrors.ErrRemoteWrite, err, "link caregiver %s", caregiverID)
		}
		caregiver = &cg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return caregiver, nil
}

func readError(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Wrapf(apperrors.ErrNotFound, nil, format, args...)
	}
	return apperrors.Wrapf(apperrors.ErrRemoteRead, err, format, args...)
}
