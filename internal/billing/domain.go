package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campusledger/campusledger/internal/shared"
)

// Status enumerates billing lifecycle states.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaid     Status = "paid"
	StatusArchived Status = "archived"
	// StatusRemoved is the terminal pseudo-state of a deleted draft. It is
	// never persisted.
	StatusRemoved Status = "removed"
)

// Valid reports whether s is a persisted status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaid, StatusArchived:
		return true
	}
	return false
}

// Action is a billing lifecycle event.
type Action string

const (
	ActionPublish Action = "publish"
	ActionSettle  Action = "settle"
	ActionReopen  Action = "reopen"
	ActionArchive Action = "archive"
	ActionDelete  Action = "delete"
)

var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionPublish: StatusActive,
		ActionDelete:  StatusRemoved,
	},
	StatusActive: {
		ActionSettle:  StatusPaid,
		ActionArchive: StatusArchived,
	},
	StatusPaid: {
		ActionReopen:  StatusActive,
		ActionArchive: StatusArchived,
	},
	StatusArchived: {},
}

// Next resolves the status reached from current by action.
func Next(current Status, action Action) (Status, error) {
	next, ok := transitions[current][action]
	if !ok {
		return current, fmt.Errorf("billing: cannot %s a %s billing: %w", action, current, shared.ErrInvalidStateTransition)
	}
	return next, nil
}

// WarningNoBatches flags a billing created from an empty batch selection.
const WarningNoBatches = "no_batches_found"

// Batch is the live pricing record of a contract batch. It belongs to the
// contract management side and may change after billing.
type Batch struct {
	ID                       int64
	UniversityID             int64
	Name                     string
	CostPerStudent           decimal.Decimal
	CostPerStudentOverride   *decimal.Decimal
	NumberOfStudents         int
	NumberOfStudentsOverride *int
	// TaxRate is a percentage, 18 meaning 18%.
	TaxRate   decimal.Decimal
	StartDate time.Time
	EndDate   time.Time
}

// BatchSnapshot is the frozen copy of a batch's pricing on a billing.
type BatchSnapshot struct {
	BatchID          int64           `json:"batch_id"`
	BatchName        string          `json:"batch_name"`
	CostPerStudent   decimal.Decimal `json:"cost_per_student"`
	NumberOfStudents int             `json:"number_of_students"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	CostOverride     bool            `json:"cost_override"`
	StudentOverride  bool            `json:"student_override"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	Amount           decimal.Decimal `json:"amount"`
}

var hundred = decimal.NewFromInt(100)

// Snapshot copies the batch's effective pricing into a new value. Overrides
// win over the contract defaults and are flagged on the snapshot.
func Snapshot(b Batch) BatchSnapshot {
	snap := BatchSnapshot{
		BatchID:          b.ID,
		BatchName:        b.Name,
		CostPerStudent:   b.CostPerStudent,
		NumberOfStudents: b.NumberOfStudents,
		TaxRate:          b.TaxRate,
	}
	if b.CostPerStudentOverride != nil {
		snap.CostPerStudent = *b.CostPerStudentOverride
		snap.CostOverride = true
	}
	if b.NumberOfStudentsOverride != nil {
		snap.NumberOfStudents = *b.NumberOfStudentsOverride
		snap.StudentOverride = true
	}
	snap.Subtotal = shared.RoundMoney(snap.CostPerStudent.Mul(decimal.NewFromInt(int64(snap.NumberOfStudents))))
	snap.Tax = shared.RoundMoney(snap.Subtotal.Mul(snap.TaxRate).Div(hundred))
	snap.Amount = snap.Subtotal.Add(snap.Tax)
	return snap
}

// Billing is a frozen statement of amounts a university owes for a year.
type Billing struct {
	ID           uuid.UUID       `json:"id"`
	UniversityID int64           `json:"university"`
	Year         int             `json:"year"`
	Name         string          `json:"name"`
	Notes        string          `json:"notes"`
	Status       Status          `json:"status"`
	Snapshots    []BatchSnapshot `json:"batch_snapshots"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	// BalanceDue is derived from the invoices on every read.
	BalanceDue  decimal.Decimal `json:"balance_due"`
	Version     int64           `json:"version"`
	PublishedAt *time.Time      `json:"published_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateInput selects the batches for a university year billing.
type CreateInput struct {
	UniversityID int64
	Year         int
	Name         string
	Notes        string
	// AllowEmpty accepts a selection without batches; the billing is then
	// created with a warning.
	AllowEmpty bool
}

// Validate checks the input shape.
func (in CreateInput) Validate() error {
	verr := &shared.ValidationError{}
	if in.UniversityID <= 0 {
		verr.Add("university", "required")
	}
	if in.Year < 2000 || in.Year > 2100 {
		verr.Add("year", "must be between 2000 and 2100")
	}
	if len(in.Name) > 200 {
		verr.Add("name", "at most 200 characters")
	}
	return verr.OrNil()
}

// DefaultName names a billing when the caller does not.
func DefaultName(universityID int64, year int) string {
	return fmt.Sprintf("University %d billing %d", universityID, year)
}

// CreateResult carries the draft billing and non-fatal warnings.
type CreateResult struct {
	Billing  Billing
	Warnings []string
}

// ListFilter narrows billing listings.
type ListFilter struct {
	Status       Status
	UniversityID *int64
	Search       string
	Page         shared.PageRequest
}

// Validate checks filter coherence.
func (f ListFilter) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return shared.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	return nil
}

func normaliseName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func yearBounds(year int) (time.Time, time.Time) {
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
}
