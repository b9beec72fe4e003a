package lab

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/internal/catalog"
)

// OrderStatus is the lifecycle state of a lab order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in-progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

// CanTransition reports whether the order may move from s to target.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
	for _, t := range orderTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// TestSubStatus tracks a single test within an order.
type TestSubStatus string

const (
	TestSubStatusOrdered    TestSubStatus = "ordered"
	TestSubStatusInProgress TestSubStatus = "in-progress"
	TestSubStatusCompleted  TestSubStatus = "completed"
	TestSubStatusCancelled  TestSubStatus = "cancelled"
)

func (s TestSubStatus) IsValid() bool {
	switch s {
	case TestSubStatusOrdered, TestSubStatusInProgress, TestSubStatusCompleted, TestSubStatusCancelled:
		return true
	}
	return false
}

func (s TestSubStatus) IsTerminal() bool {
	return s == TestSubStatusCompleted || s == TestSubStatusCancelled
}

// ReportStatus is the lifecycle state of a lab report.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusVerified  ReportStatus = "verified"
)

func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportStatusPending, ReportStatusCompleted, ReportStatusVerified:
		return true
	}
	return false
}

var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusPending:   {ReportStatusCompleted},
	ReportStatusCompleted: {ReportStatusVerified},
	ReportStatusVerified:  {},
}

func (s ReportStatus) CanTransition(target ReportStatus) bool {
	for _, t := range reportTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// AbnormalFlag classifies a result relative to its reference range.
type AbnormalFlag string

const (
	FlagNormal   AbnormalFlag = "normal"
	FlagLow      AbnormalFlag = "low"
	FlagHigh     AbnormalFlag = "high"
	FlagCritical AbnormalFlag = "critical"
)

func (f AbnormalFlag) IsValid() bool {
	switch f {
	case FlagNormal, FlagLow, FlagHigh, FlagCritical:
		return true
	}
	return false
}

func (f AbnormalFlag) IsAbnormal() bool {
	return f == FlagLow || f == FlagHigh || f == FlagCritical
}

// Role is a workflow actor role.
type Role string

const (
	RoleClinician Role = "clinician"
	RoleLabStaff  Role = "lab-staff"
	RoleVerifier  Role = "verifier"
	RoleAdmin     Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleClinician, RoleLabStaff, RoleVerifier, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who is performing a workflow operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// ResolveRole maps a set of role strings to the single most privileged
// workflow role. Admin wins, then verifier, lab-staff, clinician.
func ResolveRole(roles []string) Role {
	ranked := []Role{RoleAdmin, RoleVerifier, RoleLabStaff, RoleClinician}
	for _, want := range ranked {
		for _, r := range roles {
			if Role(r) == want {
				return want
			}
		}
	}
	return ""
}

// OrderedTest is a single test requested on an order. Name is snapshotted
// from the catalog at order time.
type OrderedTest struct {
	Code      string        `db:"test_code" json:"code"`
	Name      string        `db:"test_name" json:"name"`
	SubStatus TestSubStatus `db:"sub_status" json:"sub_status"`
}

// TestRequest is the intake shape for a test on a new order.
type TestRequest struct {
	Code string `json:"code"`
}

// LabOrder is the order aggregate.
type LabOrder struct {
	ID                     uuid.UUID     `db:"id" json:"id"`
	PatientRef             uuid.UUID     `db:"patient_ref" json:"patient_ref"`
	RequestingClinicianRef uuid.UUID     `db:"requesting_clinician_ref" json:"requesting_clinician_ref"`
	Tests                  []OrderedTest `json:"tests"`
	Notes                  *string       `db:"notes" json:"notes,omitempty"`
	Status                 OrderStatus   `db:"status" json:"status"`
	VersionID              int           `db:"version_id" json:"version_id"`
	CreatedAt              time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at" json:"updated_at"`
}

func (o *LabOrder) GetVersionID() int  { return o.VersionID }
func (o *LabOrder) SetVersionID(v int) { o.VersionID = v }

// Test returns the ordered test with the given code, or nil.
func (o *LabOrder) Test(code string) *OrderedTest {
	for i := range o.Tests {
		if o.Tests[i].Code == code {
			return &o.Tests[i]
		}
	}
	return nil
}

// DeriveStatus computes the order status implied by its test sub-statuses.
// All tests terminal with at least one completed means completed; all
// cancelled means cancelled; any activity means in-progress.
func (o *LabOrder) DeriveStatus() OrderStatus {
	allTerminal := true
	anyCompleted := false
	anyActive := false
	for _, t := range o.Tests {
		if !t.SubStatus.IsTerminal() {
			allTerminal = false
		}
		switch t.SubStatus {
		case TestSubStatusCompleted:
			anyCompleted = true
		case TestSubStatusInProgress:
			anyActive = true
		}
	}
	if allTerminal {
		if anyCompleted {
			return OrderStatusCompleted
		}
		return OrderStatusCancelled
	}
	if anyActive || anyCompleted {
		return OrderStatusInProgress
	}
	return OrderStatusPending
}

// ResultEntry is one result on a report. ReferenceRange is frozen at entry
// time so later catalog edits never rewrite history. AbnormalFlag is always
// classifier output; FlagOverride is a layered annotation, never a
// substitute.
type ResultEntry struct {
	TestCode       string                 `db:"test_code" json:"test_code"`
	Result         string                 `db:"result" json:"result"`
	Numeric        *float64               `db:"numeric_value" json:"numeric,omitempty"`
	Unit           *string                `db:"unit" json:"unit,omitempty"`
	ReferenceRange catalog.ReferenceRange `db:"reference_range" json:"reference_range"`
	AbnormalFlag   AbnormalFlag           `db:"abnormal_flag" json:"abnormal_flag"`
	Unclassified   bool                   `db:"unclassified" json:"unclassified"`
	FlagOverride   *AbnormalFlag          `db:"flag_override" json:"flag_override,omitempty"`
	OverrideReason *string                `db:"override_reason" json:"override_reason,omitempty"`
}

// LabReport is the report aggregate. OrderRef is nil for externally
// performed results.
type LabReport struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	OrderRef          *uuid.UUID    `db:"order_ref" json:"order_ref,omitempty"`
	PatientRef        uuid.UUID     `db:"patient_ref" json:"patient_ref"`
	Results           []ResultEntry `json:"results"`
	Findings          *string       `db:"findings" json:"findings,omitempty"`
	Notes             *string       `db:"notes" json:"notes,omitempty"`
	PerformedByRef    uuid.UUID     `db:"performed_by_ref" json:"performed_by_ref"`
	Status            ReportStatus  `db:"status" json:"status"`
	VerifiedByRef     *uuid.UUID    `db:"verified_by_ref" json:"verified_by_ref,omitempty"`
	VerificationNotes *string       `db:"verification_notes" json:"verification_notes,omitempty"`
	VersionID         int           `db:"version_id" json:"version_id"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	VerifiedAt        *time.Time    `db:"verified_at" json:"verified_at,omitempty"`
}

func (r *LabReport) GetVersionID() int  { return r.VersionID }
func (r *LabReport) SetVersionID(v int) { r.VersionID = v }

// Result returns the entry for the given test code, or nil.
func (r *LabReport) Result(code string) *ResultEntry {
	for i := range r.Results {
		if r.Results[i].TestCode == code {
			return &r.Results[i]
		}
	}
	return nil
}

// StatusHistory records a single order or report transition.
type StatusHistory struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   uuid.UUID `db:"resource_id" json:"resource_id"`
	FromStatus   string    `db:"from_status" json:"from_status"`
	ToStatus     string    `db:"to_status" json:"to_status"`
	ChangedBy    uuid.UUID `db:"changed_by" json:"changed_by"`
	Reason       *string   `db:"reason" json:"reason,omitempty"`
	ChangedAt    time.Time `db:"changed_at" json:"changed_at"`
}

const (
	ResourceOrder  = "lab_order"
	ResourceReport = "lab_report"
)
