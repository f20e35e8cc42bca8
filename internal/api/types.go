package api

import (
	"time"

	"github.com/gmsas95/medimate/internal/reminder"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DosePreview lists the dose times of a start time and frequency
type DosePreview struct {
	Time          string   `json:"time"`
	Frequency     string   `json:"frequency"`
	IntervalHours int      `json:"intervalHours"`
	DoseTimes     []string `json:"doseTimes"`
	DoseTimes12h  []string `json:"doseTimes12h"`
}

// TakenRequest optionally sets when a dose was taken
type TakenRequest struct {
	TakenAt *time.Time `json:"takenAt"`
}

// UserRequest is the editable part of a user profile
type UserRequest struct {
	FirstName string `json:"firstName"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
}

// PushTokenRequest registers a device token
type PushTokenRequest struct {
	Token string `json:"token"`
}

// LinkRequest is the payload scanned from a patient's QR code
type LinkRequest struct {
	PatientID string `json:"patientId"`
}

// SessionResponse describes an open reminder session
type SessionResponse struct {
	PatientID string             `json:"patientId"`
	Open      bool               `json:"open"`
	Bindings  []reminder.Binding `json:"bindings"`
}

// ResetResponse reports a reminder reset
type ResetResponse struct {
	Scheduled        int      `json:"scheduled"`
	Cancelled        int      `json:"cancelled"`
	Unchanged        int      `json:"unchanged"`
	PermissionDenied bool     `json:"permissionDenied"`
	Errors           []string `json:"errors,omitempty"`
}

func resetResponse(res reminder.Result) ResetResponse {
	out := ResetResponse{
		Scheduled:        res.Scheduled,
		Cancelled:        res.Cancelled,
		Unchanged:        res.Unchanged,
		PermissionDenied: res.PermissionDenied,
	}
	for _, err := range res.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}
