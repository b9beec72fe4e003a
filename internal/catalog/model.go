// Package catalog holds the clinic's test catalog: the definitions of
// orderable lab tests together with their reference ranges. The lab workflow
// reads the catalog when orders are placed and snapshots ranges into results;
// it never writes here.
package catalog

import (
	"time"
)

// ReferenceRange describes how a test result is judged. Numeric results are
// compared against Low/High with optional critical bands; qualitative results
// are looked up in the Qualitative map (result value -> flag name). Text
// carries a human-readable rendering for display.
type ReferenceRange struct {
	Low          *float64          `json:"low,omitempty"`
	High         *float64          `json:"high,omitempty"`
	Text         *string           `json:"text,omitempty"`
	CriticalLow  *float64          `json:"critical_low,omitempty"`
	CriticalHigh *float64          `json:"critical_high,omitempty"`
	Qualitative  map[string]string `json:"qualitative,omitempty"`
}

// IsNumeric reports whether the range carries numeric bounds.
func (r ReferenceRange) IsNumeric() bool {
	return r.Low != nil || r.High != nil
}

// IsQualitative reports whether the range carries a qualitative lookup.
func (r ReferenceRange) IsQualitative() bool {
	return len(r.Qualitative) > 0
}

// TestDefinition maps to the test_definition table.
type TestDefinition struct {
	Code           string         `db:"code" json:"code"`
	Name           string         `db:"name" json:"name"`
	Category       *string        `db:"category" json:"category,omitempty"`
	Unit           *string        `db:"unit" json:"unit,omitempty"`
	ReferenceRange ReferenceRange `db:"reference_range" json:"reference_range"`
	Active         bool           `db:"active" json:"active"`
	VersionID      int            `db:"version_id" json:"version_id"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (t *TestDefinition) GetVersionID() int { return t.VersionID }

// SetVersionID sets the current version.
func (t *TestDefinition) SetVersionID(v int) { t.VersionID = v }
