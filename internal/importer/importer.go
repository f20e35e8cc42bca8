// Package importer bulk-loads medications from YAML files
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/medimate/internal/medication"
)

// File is the YAML document layout
type File struct {
	Patient     string             `yaml:"patient"`
	Medications []medication.Input `yaml:"medications"`
}

// Creator stores one medication
type Creator interface {
	Create(ctx context.Context, patientID string, in medication.Input) (*medication.View, error)
}

// Failure is one entry that could not be imported
type Failure struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Report summarizes an import
type Report struct {
	Patient  string    `json:"patient"`
	Imported int       `json:"imported"`
	Failed   []Failure `json:"failed,omitempty"`
}

// Parse decodes a medication file, rejecting unknown fields
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("medication file is empty")
		}
		return nil, fmt.Errorf("failed to parse medication file: %w", err)
	}
	if len(f.Medications) == 0 {
		return nil, fmt.Errorf("medication file lists no medications")
	}
	return &f, nil
}

// ParseFile reads and decodes path
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Importer writes parsed files through a Creator
type Importer struct {
	creator Creator
	logger  *zap.Logger
}

// New creates an importer
func New(creator Creator, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{creator: creator, logger: logger}
}

// Import creates every medication of f for patientID, or for f.Patient when
// patientID is empty. Invalid entries are reported and skipped.
func (im *Importer) Import(ctx context.Context, patientID string, f *File) (*Report, error) {
	if patientID == "" {
		patientID = f.Patient
	}
	if patientID == "" {
		return nil, fmt.Errorf("no patient given for import")
	}

	report := &Report{Patient: patientID}
	for i, in := range f.Medications {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := im.creator.Create(ctx, patientID, in); err != nil {
			im.logger.Warn("Skipping medication",
				zap.Int("index", i),
				zap.String("name", in.Name),
				zap.Error(err),
			)
			report.Failed = append(report.Failed, Failure{Index: i, Name: in.Name, Error: err.Error()})
			continue
		}
		report.Imported++
	}

	im.logger.Info("Medications imported",
		zap.String("patient_id", patientID),
		zap.Int("imported", report.Imported),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}
