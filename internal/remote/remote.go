// Package remote defines the rows the device pushes to the backend.
package remote

import (
	"time"

	"github.com/vbonduro/siteassess/internal/domain"
)

// AssessmentRow is keyed by the device's local id. The backend assigns its
// own id on first insert and returns it on every upsert.
type AssessmentRow struct {
	LocalID     string
	UserID      string
	Status      domain.Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt time.Time
}

// SectionRow carries one section's steps for the assessment with the given
// backend id.
type SectionRow struct {
	AssessmentID string
	Section      domain.SectionID
	Steps        map[string]domain.StepData
	UpdatedAt    time.Time
}

// PhotoRow is keyed by the photo's own id.
type PhotoRow struct {
	ID           string
	AssessmentID string
	StoragePath  string
	FormType     domain.SectionID
	FormStep     string
	FieldName    string
	Filename     string
	MimeType     string
	FileSize     int64
	Width        int
	Height       int
	CapturedAt   time.Time
	Notes        string
	UploadedAt   time.Time
}
