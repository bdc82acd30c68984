package model

import "time"

// Vehicle is the normalized item behind one or more lots, keyed by the
// normalized VIN. Upserts are last-write-wins by SourceRevisionAt and never
// regress to an older revision.
type Vehicle struct {
	VIN string `json:"vin"`

	// VINRaw is the source identifier the VIN was normalized from. Stored so
	// a later snapshot carrying a different raw id for the same normalized
	// VIN surfaces as a collision instead of silently overwriting.
	VINRaw string `json:"vin_raw,omitempty"`
	Year             *int              `json:"year,omitempty"`
	Make             string            `json:"make,omitempty"`
	Model            string            `json:"model,omitempty"`
	Trim             string            `json:"trim,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	SourceRevisionAt time.Time         `json:"source_revision_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
