package domain

import "time"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusSynced     Status = "synced"
)

type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadCompleted UploadStatus = "completed"
)

type Condition string

const (
	ConditionGood Condition = "good"
	ConditionFair Condition = "fair"
	ConditionPoor Condition = "poor"
)

// RepairStatus codes as printed on the paper forms: immediate repair, short
// term, replacement reserve, routine maintenance, investigate, not applicable.
type RepairStatus string

const (
	RepairImmediate   RepairStatus = "IR"
	RepairShortTerm   RepairStatus = "ST"
	RepairReserve     RepairStatus = "RR"
	RepairMaintenance RepairStatus = "RM"
	RepairInvestigate RepairStatus = "INV"
	RepairNA          RepairStatus = "NA"
)

// StepData holds one step's field values keyed by field name.
type StepData map[string]any

type Photo struct {
	ID           string
	LocalURI     string
	FormType     SectionID
	FormStep     string
	FieldName    string
	Filename     string
	MimeType     string
	FileSize     int64
	Width        int
	Height       int
	CapturedAt   time.Time
	Notes        string
	UploadStatus UploadStatus
}

// PhotoMeta is the capture-time description handed to the photo store. ID
// and LocalURI are filled by the import flow once the file copy succeeded.
type PhotoMeta struct {
	ID         string
	LocalURI   string
	FormType   SectionID
	FormStep   string
	FieldName  string
	Filename   string
	MimeType   string
	FileSize   int64
	Width      int
	Height     int
	CapturedAt time.Time
	Notes      string
}

type SectionSnapshot struct {
	ID            SectionID
	Steps         map[string]StepData
	LastModified  time.Time
	SyncedThrough time.Time
}

// Snapshot is a deep, point-in-time copy of an assessment aggregate.
type Snapshot struct {
	ID        string
	Status    Status
	RemoteID  string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   uint64
	Sections  []SectionSnapshot
	Photos    []Photo
}

func (s Snapshot) Section(id SectionID) (SectionSnapshot, bool) {
	for _, sec := range s.Sections {
		if sec.ID == id {
			return sec, true
		}
	}
	return SectionSnapshot{}, false
}

func (s Snapshot) PendingPhotos() []Photo {
	var out []Photo
	for _, p := range s.Photos {
		if p.UploadStatus != UploadCompleted {
			out = append(out, p)
		}
	}
	return out
}
