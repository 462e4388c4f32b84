package audit

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a request id
	ErrNotFound = errors.New("audit record not found")
	// ErrExists is returned by Create when the request id is already recorded
	ErrExists = errors.New("audit record already exists")
	// ErrConflict is returned by Save when the stored version has moved on
	ErrConflict = errors.New("audit record version conflict")
	// ErrTerminal is returned when updating a record that already finished
	ErrTerminal = errors.New("audit record is terminal")
)

// Param is one request parameter. Secret values are stored as fingerprints.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Transition is one step of an attempt
type Transition struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Record is the audit document for one authentication attempt
type Record struct {
	RequestID   string       `json:"request_id"`
	Method      string       `json:"method"`
	Params      []Param      `json:"params,omitempty"`
	Transitions []Transition `json:"transitions"`

	State      string `json:"state"`
	Terminal   bool   `json:"terminal"`
	StatusCode int    `json:"status_code,omitempty"`

	Action           string `json:"action,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	TokenFingerprint string `json:"token_fingerprint,omitempty"`
	RedirectURI      string `json:"redirect_uri,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is incremented by every successful save
	Version int64 `json:"version"`
}

// Message returns the most recent transition message
func (r *Record) Message() string {
	if len(r.Transitions) == 0 {
		return ""
	}
	return r.Transitions[len(r.Transitions)-1].Message
}

// Messages returns every transition message in order
func (r *Record) Messages() []string {
	out := make([]string, len(r.Transitions))
	for i, t := range r.Transitions {
		out[i] = t.Message
	}
	return out
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	c := *r
	c.Params = append([]Param(nil), r.Params...)
	c.Transitions = append([]Transition(nil), r.Transitions...)
	return &c
}

// ToJSON converts the record to JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON parses a record from JSON
func FromJSON(data []byte) (*Record, error) {
	var rec Record
	err := json.Unmarshal(data, &rec)
	return &rec, err
}

// Filter selects records for Search and Export
type Filter struct {
	// Time range on CreatedAt, both bounds inclusive
	StartTime *time.Time
	EndTime   *time.Time

	Method string
	States []string

	Limit  int
	Offset int
}

// matches reports whether rec passes every set criterion
func (f Filter) matches(rec *Record) bool {
	if f.StartTime != nil && rec.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && rec.CreatedAt.After(*f.EndTime) {
		return false
	}
	if f.Method != "" && rec.Method != f.Method {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// page applies Limit and Offset to records already in result order
func (f Filter) page(records []*Record) []*Record {
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []*Record{}
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// RetentionPolicy defines how long audit records are kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep audit records
	RetentionDays int

	// ArchivePrefix is prepended to archive object keys
	ArchivePrefix string
}

// DefaultRetentionPolicy returns a default retention policy (90 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays: 90,
		ArchivePrefix: "audit/",
	}
}
