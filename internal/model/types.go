package model

import (
	"strings"
	"time"
)

// Classic event-type codes reported by the Windows event log.
const (
	EventTypeError        uint16 = 0x0001
	EventTypeWarning      uint16 = 0x0002
	EventTypeInformation  uint16 = 0x0004
	EventTypeAuditSuccess uint16 = 0x0008
	EventTypeAuditFailure uint16 = 0x0010
)

// Severity is the normalized type of a log record.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityError
	SeverityWarning
	SeverityAuditSuccess
	SeverityAuditFailure
)

// SeverityFromType maps a raw event-type code to a Severity. Unknown codes are Info.
func SeverityFromType(code uint16) Severity {
	switch code {
	case EventTypeError:
		return SeverityError
	case EventTypeWarning:
		return SeverityWarning
	case EventTypeInformation:
		return SeverityInfo
	case EventTypeAuditSuccess:
		return SeverityAuditSuccess
	case EventTypeAuditFailure:
		return SeverityAuditFailure
	default:
		return SeverityInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityAuditSuccess:
		return "Audit Success"
	case SeverityAuditFailure:
		return "Audit Failure"
	default:
		return "Info"
	}
}

// MarshalText encodes the severity as its label.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the labels produced by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Error":
		*s = SeverityError
	case "Warning":
		*s = SeverityWarning
	case "Audit Success":
		*s = SeverityAuditSuccess
	case "Audit Failure":
		*s = SeverityAuditFailure
	default:
		*s = SeverityInfo
	}
	return nil
}

// LogRecord is one event log entry after normalization.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	EventID   uint16    `json:"event_id"`
	Severity  Severity  `json:"type"`
	Category  int       `json:"category"`
	Message   string    `json:"message"`
}

// ReportRef points at the report written for a job.
type ReportRef struct {
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`
}

// Job is one extraction-and-analysis request. It is not modified after BuildJob.
type Job struct {
	ID              string
	Title           string
	CategoryLabel   string
	CategoryChannel string
	Description     string
	CreatedAt       time.Time
	Records         []LogRecord
	RequestedCount  int
	CallbackURL     string
	Report          ReportRef
}

// Category pairs the label shown to users with the event log channel it reads.
type Category struct {
	Label   string `json:"label"`
	Channel string `json:"channel"`
}

var categories = [...]Category{
	{Label: "Applicazione", Channel: "Application"},
	{Label: "Sicurezza", Channel: "Security"},
	{Label: "Installazione", Channel: "Setup"},
	{Label: "Sistema", Channel: "System"},
	{Label: "Eventi Inoltrati", Channel: "ForwardedEvents"},
}

// Categories returns the known categories in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories[:])
	return out
}

// LookupCategory resolves a label or channel name, case-insensitively.
func LookupCategory(name string) (Category, error) {
	key := strings.TrimSpace(name)
	for _, c := range categories {
		if strings.EqualFold(c.Label, key) || strings.EqualFold(c.Channel, key) {
			return c, nil
		}
	}
	return Category{}, &UnknownCategoryError{Name: name}
}

// TopEventID is an event id and how often it occurs in a record set.
type TopEventID struct {
	ID    uint16 `json:"id"`
	Count int    `json:"count"`
}

// Summary aggregates a record set for the report header.
type Summary struct {
	Total          int              `json:"total"`
	SeverityCounts map[Severity]int `json:"severity_counts"`
	TopEventIDs    []TopEventID     `json:"top_event_ids"`
}
