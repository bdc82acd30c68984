package model

import "time"

// ConflictKind identifies which rule or constraint a conflict row violated.
type ConflictKind string

const (
	// ConflictVINInvalid records a vehicle identifier that failed
	// normalization; the lot was stored without a vehicle linkage.
	ConflictVINInvalid ConflictKind = "vin_invalid"

	// ConflictVINCollision records two distinct raw identifiers normalizing
	// to the same VIN. Arbitration is manual; no winner is picked silently.
	ConflictVINCollision ConflictKind = "vin_collision"

	// ConflictFieldRejected records an out-of-domain field value that was
	// nulled during coercion (the row itself still upserted).
	ConflictFieldRejected ConflictKind = "field_rejected"

	// ConflictConstraint records a storage-layer constraint violation that
	// discarded a single row inside its rollback boundary.
	ConflictConstraint ConflictKind = "constraint"
)

// Conflict is an audit entry for a normalization or constraint conflict.
// Conflicts never block ingestion; they queue for manual review.
type Conflict struct {
	ID            string       `json:"id"`
	Kind          ConflictKind `json:"kind"`
	ExternalLotID string       `json:"external_lot_id,omitempty"`
	VINRaw        string       `json:"vin_raw,omitempty"`
	VIN           string       `json:"vin,omitempty"`
	Detail        string       `json:"detail"`
	SnapshotID    string       `json:"snapshot_id,omitempty"`
	Resolved      bool         `json:"resolved"`
	CreatedAt     time.Time    `json:"created_at"`
}
