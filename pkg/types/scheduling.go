package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultServiceDurationMinutes is the slot length assumed when neither an
// estimate nor the service duration is known.
const DefaultServiceDurationMinutes = 30

// AppointmentRecord is the canonical appointment held by the live store
type AppointmentRecord struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`

	CustomerID       *int64  `json:"customerId,omitempty"`
	CustomerName     *string `json:"customerName,omitempty"`
	CustomerEmail    *string `json:"customerEmail,omitempty"`
	CustomerUsername *string `json:"customerUsername,omitempty"`

	ServiceID              *int64  `json:"serviceId,omitempty"`
	ServiceName            *string `json:"serviceName,omitempty"`
	ServiceDurationMinutes *int    `json:"serviceDurationMinutes,omitempty"`

	DentistID     *int64  `json:"dentistId,omitempty"`
	DentistName   *string `json:"dentistName,omitempty"`
	AssistantID   *int64  `json:"assistantId,omitempty"`
	AssistantName *string `json:"assistantName,omitempty"`

	BranchID   *int64  `json:"branchId,omitempty"`
	BranchName *string `json:"branchName,omitempty"`

	ScheduledTime    string  `json:"scheduledTime,omitempty"`
	EstimatedMinutes *int    `json:"estimatedMinutes"`
	Notes            *string `json:"notes,omitempty"`
	Status           string  `json:"status,omitempty"`
	ReceptionistID   *int64  `json:"receptionistId,omitempty"`

	CreatedAt *string `json:"createdAt,omitempty"`
	UpdatedAt *string `json:"updatedAt,omitempty"`

	// explicitLabel is the last label a producer sent; Label falls back to
	// a derived title while it is empty.
	explicitLabel string
}

// NormalizedEvent is a partial appointment produced by the normalizer.
// Nil fields were absent from the raw event and keep their prior value on merge.
type NormalizedEvent struct {
	ID    int64
	Label *string

	CustomerID       *int64
	CustomerName     *string
	CustomerEmail    *string
	CustomerUsername *string

	ServiceID              *int64
	ServiceName            *string
	ServiceDurationMinutes *int

	DentistID     *int64
	DentistName   *string
	AssistantID   *int64
	AssistantName *string

	BranchID   *int64
	BranchName *string

	ScheduledTime    *string
	EstimatedMinutes *int
	Notes            *string
	Status           *string
	ReceptionistID   *int64

	CreatedAt *string
	UpdatedAt *string
}

// AppointmentStatus values commonly emitted by the clinic backend. The store
// does not restrict status to this set.
type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusCheckedIn  AppointmentStatus = "checked_in"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// Apply merges e onto r field by field. Fields nil in e are left untouched.
func (r *AppointmentRecord) Apply(e *NormalizedEvent) {
	r.ID = e.ID
	if e.Label != nil {
		r.explicitLabel = *e.Label
	}

	merge(&r.CustomerID, e.CustomerID)
	merge(&r.CustomerName, e.CustomerName)
	merge(&r.CustomerEmail, e.CustomerEmail)
	merge(&r.CustomerUsername, e.CustomerUsername)

	merge(&r.ServiceID, e.ServiceID)
	merge(&r.ServiceName, e.ServiceName)
	merge(&r.ServiceDurationMinutes, e.ServiceDurationMinutes)

	merge(&r.DentistID, e.DentistID)
	merge(&r.DentistName, e.DentistName)
	merge(&r.AssistantID, e.AssistantID)
	merge(&r.AssistantName, e.AssistantName)

	merge(&r.BranchID, e.BranchID)
	merge(&r.BranchName, e.BranchName)

	if e.ScheduledTime != nil {
		r.ScheduledTime = *e.ScheduledTime
	}
	merge(&r.EstimatedMinutes, e.EstimatedMinutes)
	merge(&r.Notes, e.Notes)
	if e.Status != nil {
		r.Status = *e.Status
	}
	merge(&r.ReceptionistID, e.ReceptionistID)

	merge(&r.CreatedAt, e.CreatedAt)
	merge(&r.UpdatedAt, e.UpdatedAt)

	r.Label = r.deriveLabel()
}

// NewRecord builds a record from a single event
func NewRecord(e *NormalizedEvent) AppointmentRecord {
	var r AppointmentRecord
	r.Apply(e)
	return r
}

// Clone returns a copy that shares no pointers with r
func (r AppointmentRecord) Clone() AppointmentRecord {
	c := r
	c.CustomerID = clonePtr(r.CustomerID)
	c.CustomerName = clonePtr(r.CustomerName)
	c.CustomerEmail = clonePtr(r.CustomerEmail)
	c.CustomerUsername = clonePtr(r.CustomerUsername)
	c.ServiceID = clonePtr(r.ServiceID)
	c.ServiceName = clonePtr(r.ServiceName)
	c.ServiceDurationMinutes = clonePtr(r.ServiceDurationMinutes)
	c.DentistID = clonePtr(r.DentistID)
	c.DentistName = clonePtr(r.DentistName)
	c.AssistantID = clonePtr(r.AssistantID)
	c.AssistantName = clonePtr(r.AssistantName)
	c.BranchID = clonePtr(r.BranchID)
	c.BranchName = clonePtr(r.BranchName)
	c.EstimatedMinutes = clonePtr(r.EstimatedMinutes)
	c.Notes = clonePtr(r.Notes)
	c.ReceptionistID = clonePtr(r.ReceptionistID)
	c.CreatedAt = clonePtr(r.CreatedAt)
	c.UpdatedAt = clonePtr(r.UpdatedAt)
	return c
}

// DurationMinutes returns the estimate, else the service duration, else the default.
func (r AppointmentRecord) DurationMinutes() int {
	if r.EstimatedMinutes != nil && *r.EstimatedMinutes > 0 {
		return *r.EstimatedMinutes
	}
	if r.ServiceDurationMinutes != nil && *r.ServiceDurationMinutes > 0 {
		return *r.ServiceDurationMinutes
	}
	return DefaultServiceDurationMinutes
}

// ScheduledAt parses ScheduledTime. Zone-less timestamps are read as UTC.
func (r AppointmentRecord) ScheduledAt() (time.Time, bool) {
	return ParseTimestamp(r.ScheduledTime)
}

// CompareSchedule orders a before b by scheduled time. Records without a
// parseable time come first; ties are broken by id.
func CompareSchedule(a, b AppointmentRecord) int {
	ta, okA := a.ScheduledAt()
	tb, okB := b.ScheduledAt()
	switch {
	case okA && !okB:
		return 1
	case !okA && okB:
		return -1
	case okA && okB:
		if c := ta.Compare(tb); c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts the ISO-8601 shapes clinic publishers emit
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r *AppointmentRecord) deriveLabel() string {
	if r.explicitLabel != "" {
		return r.explicitLabel
	}
	service := deref(r.ServiceName)
	customer := deref(r.CustomerName)
	switch {
	case service != "" && customer != "":
		return service + " - " + customer
	case service != "":
		return service
	case customer != "":
		return customer
	}
	return fmt.Sprintf("Appointment #%d", r.ID)
}

func merge[T any](dst **T, src *T) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
