package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gmsas95/medimate/internal/dose"
)

// User roles
const (
	RolePatient   = "patient"
	RoleCaregiver = "caregiver"
)

// User is a patient or a caregiver profile
type User struct {
	ID                     string    `gorm:"primaryKey" json:"id"`
	FirstName              string    `json:"firstName"`
	FullName               string    `json:"fullName"`
	Role                   string    `gorm:"index" json:"role"`
	TrackedPatientID       string    `gorm:"index" json:"trackedPatientId,omitempty"`
	TrackedPatientFullName string    `json:"trackedPatientFullName,omitempty"`
	PushToken              string    `json:"expoPushToken,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Medication is one medication document of a patient. Time holds the
// normalized HH:MM start time; dose times are derived on read.
type Medication struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	PatientID       string     `gorm:"index:idx_patient_name" json:"patientId"`
	Name            string     `gorm:"index:idx_patient_name" json:"name"`
	Description     string     `json:"description"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	Time            string     `json:"time"`
	Frequency       string     `json:"frequency"`
	IntervalHours   int        `json:"intervalHours"`
	PrescribedAmt   string     `json:"prescribedAmt"`
	OnHandAmount    *int       `json:"onHandAmount"`
	RefillThreshold *int       `json:"refillThreshold"`
	EnableAlarm     bool       `json:"enableAlarm"`
	TakenDose       string     `json:"takenDose"`
	Taken           bool       `json:"taken"`
	TakenAt         *time.Time `json:"takenAt,omitempty"`
	Skipped         bool       `json:"skipped"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// BeforeCreate hook for User
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = generateID("user")
	}
	if u.Role == "" {
		u.Role = RolePatient
	}
	return nil
}

// BeforeCreate hook for Medication
func (m *Medication) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = generateID("med")
	}
	if m.IntervalHours == 0 {
		m.IntervalHours = dose.IntervalHours(m.Frequency)
	}
	return nil
}

// StartTime parses the stored start time
func (m *Medication) StartTime(loc *time.Location) (dose.TimeOfDay, error) {
	return dose.ParseTimeOfDay(m.Time, loc)
}

// Interval returns the effective dosing interval in hours
func (m *Medication) Interval() int {
	return dose.EffectiveInterval(m.Frequency, m.IntervalHours)
}

// DoseTimes derives the day's dose times. A medication without a parseable
// start time has none.
func (m *Medication) DoseTimes(loc *time.Location) []dose.TimeOfDay {
	t0, err := m.StartTime(loc)
	if err != nil {
		return nil
	}
	return dose.DoseTimes(t0, m.Interval())
}

// Active reports whether the medication is still within its date range at now.
// The end date is inclusive.
func (m *Medication) Active(now time.Time) bool {
	if m.EndDate == nil {
		return true
	}
	end := m.EndDate.In(now.Location())
	lastDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return now.Before(lastDay)
}

// NeedsRefill reports whether the on-hand stock fell to the refill threshold.
// Medications without refill tracking never need one.
func (m *Medication) NeedsRefill() bool {
	if m.OnHandAmount == nil || m.RefillThreshold == nil {
		return false
	}
	return *m.OnHandAmount <= *m.RefillThreshold
}

func generateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
