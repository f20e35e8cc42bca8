// Package medication implements the patient and caregiver medication
// operations on top of the document store.
package medication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medimate/internal/dose"
	apperrors "github.com/gmsas95/medimate/internal/errors"
	"github.com/gmsas95/medimate/internal/metrics"
	"github.com/gmsas95/medimate/internal/notify"
	"github.com/gmsas95/medimate/internal/security"
	"github.com/gmsas95/medimate/internal/store"
)

// Caregiver alert wording
const (
	AlertTitle        = "Caregiver Alert"
	alertBodyTemplate = "Please take your medication: %s at %s"
)

// Pusher delivers a notification to a device token
type Pusher interface {
	SendPush(ctx context.Context, token, title, body string) (*notify.PushResult, error)
}

// Input is the editable part of a medication
type Input struct {
	Name            string `json:"name" yaml:"name"`
	Description     string `json:"description" yaml:"description"`
	StartDate       string `json:"startDate" yaml:"startDate"`
	EndDate         string `json:"endDate" yaml:"endDate"`
	Time            string `json:"time" yaml:"time"`
	Frequency       string `json:"frequency" yaml:"frequency"`
	IntervalHours   int    `json:"intervalHours" yaml:"intervalHours"`
	PrescribedAmt   string `json:"prescribedAmt" yaml:"prescribedAmt"`
	OnHandAmount    *int   `json:"onHandAmount" yaml:"onHandAmount"`
	RefillThreshold *int   `json:"refillThreshold" yaml:"refillThreshold"`
	EnableAlarm     bool   `json:"enableAlarm" yaml:"enableAlarm"`
	TakenDose       string `json:"takenDose" yaml:"takenDose"`
}

// View is a medication with its derived fields
type View struct {
	store.Medication
	DoseTimes    []string `json:"doseTimes"`
	DoseTimes12h []string `json:"doseTimes12h"`
	Active       bool     `json:"active"`
	NeedsRefill  bool     `json:"needsRefill"`
}

// Service implements medication operations
type Service struct {
	store   *store.Store
	push    Pusher
	loc     *time.Location
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a medication service. Dose times are interpreted in loc.
func NewService(st *store.Store, push Pusher, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		push:    push,
		loc:     loc,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Location returns the location dose times are interpreted in
func (s *Service) Location() *time.Location {
	return s.loc
}

func (s *Service) view(m store.Medication) View {
	times := m.DoseTimes(s.loc)
	v := View{
		Medication:   m,
		DoseTimes:    dose.Strings(times),
		DoseTimes12h: make([]string, len(times)),
		Active:       m.Active(s.now().In(s.loc)),
		NeedsRefill:  m.NeedsRefill(),
	}
	for i, t := range times {
		v.DoseTimes12h[i] = t.Format12Hour()
	}
	return v
}

func (s *Service) views(meds []store.Medication) []View {
	out := make([]View, len(meds))
	for i, m := range meds {
		out[i] = s.view(m)
	}
	return out
}

// List returns a patient's medications
func (s *Service) List(ctx context.Context, patientID string) ([]View, error) {
	meds, err := s.store.ListMedications(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.views(meds), nil
}

// Get returns one medication
func (s *Service) Get(ctx context.Context, patientID, id string) (*View, error) {
	m, err := s.store.GetMedication(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	v := s.view(*m)
	return &v, nil
}

// Create validates in and stores it as a new medication
func (s *Service) Create(ctx context.Context, patientID string, in Input) (*View, error) {
	m := &store.Medication{PatientID: patientID}
	if err := s.apply(m, in); err != nil {
		return nil, err
	}
	if err := s.store.CreateMedication(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("Medication created",
		zap.String("patient_id", patientID),
		zap.String("medication_id", m.ID),
		zap.String("name", m.Name),
	)
	v := s.view(*m)
	return &v, nil
}

// Update replaces the editable fields of a medication. Taken and skipped
// state is kept.
func (s *Service) Update(ctx context.Context, patientID, id string, in Input) (*View, error) {
	m, err := s.store.GetMedication(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(m, in); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMedication(ctx, m); err != nil {
		return nil, err
	}
	v := s.view(*m)
	return &v, nil
}

// Delete removes one medication
func (s *Service) Delete(ctx context.Context, patientID, id string) error {
	return s.store.DeleteMedication(ctx, patientID, id)
}

// DeleteByName removes every medication of the patient with the given name
func (s *Service) DeleteByName(ctx context.Context, patientID, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, apperrors.Wrapf(apperrors.ErrBadRequest, nil, "name is required")
	}
	return s.store.DeleteMedicationsByName(ctx, patientID, name)
}

// ToggleTaken flips the taken flag. Marking as taken records at, or the
// current time when at is nil, and clears skipped.
func (s *Service) ToggleTaken(ctx context.Context, patientID, id string, at *time.Time) (*View, error) {
	m, err := s.store.GetMedication(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	m.Taken = !m.Taken
	if m.Taken {
		when := s.now()
		if at != nil {
			when = *at
		}
		m.TakenAt = &when
		m.Skipped = false
	} else {
		m.TakenAt = nil
	}
	if err := s.store.UpdateMedication(ctx, m); err != nil {
		return nil, err
	}
	v := s.view(*m)
	return &v, nil
}

// ToggleSkipped flips the skipped flag; a skipped dose is never taken
func (s *Service) ToggleSkipped(ctx context.Context, patientID, id string) (*View, error) {
	m, err := s.store.GetMedication(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	m.Skipped = !m.Skipped
	m.Taken = false
	m.TakenAt = nil
	if err := s.store.UpdateMedication(ctx, m); err != nil {
		return nil, err
	}
	v := s.view(*m)
	return &v, nil
}

// Refills lists the medications whose stock reached the refill threshold
func (s *Service) Refills(ctx context.Context, patientID string) ([]View, error) {
	meds, err := s.store.ListMedications(ctx, patientID)
	if err != nil {
		return nil, err
	}
	var out []View
	for _, m := range meds {
		if m.NeedsRefill() {
			out = append(out, s.view(m))
		}
	}
	return out, nil
}

// SendAlert pushes a caregiver reminder for a medication to the patient's device
func (s *Service) SendAlert(ctx context.Context, patientID, id string) (*notify.PushResult, error) {
	m, err := s.store.GetMedication(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	at, err := m.StartTime(s.loc)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBadRequest, err, "medication %s has no valid time", id)
	}

	body := fmt.Sprintf(alertBodyTemplate, m.Name, at.Format12Hour())
	res, err := s.sendToPatient(ctx, patientID, AlertTitle, body)
	s.metrics.RecordPush("alert", err == nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Caregiver alert sent",
		zap.String("patient_id", patientID),
		zap.String("medication_id", id),
	)
	return res, nil
}

// DeliverReminder pushes a fired daily reminder to the patient of its scope
func (s *Service) DeliverReminder(ctx context.Context, r notify.Reminder) {
	s.metrics.RecordReminderFired()
	if r.Scope == "" {
		return
	}
	_, err := s.sendToPatient(ctx, r.Scope, r.Title, r.Body)
	s.metrics.RecordPush("reminder", err == nil)
	if err != nil {
		s.logger.Warn("Failed to deliver reminder",
			zap.String("patient_id", r.Scope),
			zap.String("reminder_id", r.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) sendToPatient(ctx context.Context, patientID, title, body string) (*notify.PushResult, error) {
	if s.push == nil {
		return nil, apperrors.Wrapf(apperrors.ErrPushFailed, nil, "push delivery is not configured")
	}
	patient, err := s.store.GetUser(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient.PushToken == "" {
		return nil, apperrors.Wrapf(apperrors.ErrNoPushToken, nil, "patient %s has no push token", patientID)
	}
	return s.push.SendPush(ctx, patient.PushToken, title, body)
}

func (s *Service) apply(m *store.Medication, in Input) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "name is required")
	}
	if err := validateText(name, in); err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "invalid medication text")
	}
	t0, err := dose.ParseTimeOfDay(in.Time, s.loc)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "invalid time %q", in.Time)
	}
	if in.IntervalHours != 0 && !dose.ValidInterval(in.IntervalHours) {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "intervalHours must be one of 4, 6, 12, 24")
	}
	start, err := parseDate(in.StartDate, s.loc)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "invalid startDate")
	}
	end, err := parseDate(in.EndDate, s.loc)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBadRequest, err, "invalid endDate")
	}
	if start != nil && end != nil && end.Before(*start) {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "endDate is before startDate")
	}
	if (in.OnHandAmount == nil) != (in.RefillThreshold == nil) {
		return apperrors.Wrapf(apperrors.ErrBadRequest, nil, "onHandAmount and refillThreshold go together")
	}

	frequency := strings.TrimSpace(in.Frequency)
	if frequency == "" {
		frequency = dose.FrequencyFor(in.IntervalHours)
	}
	if frequency == "" {
		frequency = dose.OnceDaily
	}
	// A recognized label decides the interval; intervalHours counts only
	// for custom labels.
	interval := dose.IntervalHours(frequency)
	if !dose.KnownFrequency(frequency) && in.IntervalHours != 0 {
		interval = in.IntervalHours
	}

	m.Name = name
	m.Description = in.Description
	m.StartDate = start
	m.EndDate = end
	m.Time = t0.String()
	m.Frequency = frequency
	m.IntervalHours = interval
	m.PrescribedAmt = in.PrescribedAmt
	m.OnHandAmount = in.OnHandAmount
	m.RefillThreshold = in.RefillThreshold
	m.EnableAlarm = in.EnableAlarm
	m.TakenDose = in.TakenDose
	return nil
}

func validateText(name string, in Input) error {
	single := security.NameValidator()
	if err := single.ValidateField("name", name); err != nil {
		return err
	}
	if err := single.ValidateField("prescribedAmt", in.PrescribedAmt); err != nil {
		return err
	}
	if err := single.ValidateField("takenDose", in.TakenDose); err != nil {
		return err
	}
	return security.TextValidator().ValidateField("description", in.Description)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"Mon Jan 02 2006",
}

func parseDate(s string, loc *time.Location) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}
