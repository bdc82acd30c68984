// Package model defines the domain types shared across the ingestion,
// reconciliation, diff, and outcome stages.
package model

import "time"

// Snapshot is one admitted source file, immutable once recorded.
// ContentHash is the SHA-256 of the raw bytes and is globally unique;
// re-submitting identical content is a no-op.
type Snapshot struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"content_hash"`
	Origin       string    `json:"origin"`
	DeclaredRows int       `json:"declared_rows"`
	AdmittedRows int       `json:"admitted_rows"`
	Columns      []string  `json:"columns"`
	CapturedAt   time.Time `json:"captured_at"`
}

// RawRow is the lossless capture of a single snapshot row. The payload keeps
// every column as-is so rows can be reprocessed after parsing rules change.
type RawRow struct {
	SnapshotID string            `json:"snapshot_id"`
	RowIndex   int               `json:"row_index"`
	Payload    map[string]string `json:"payload"`
}

// StagingRecord carries the extracted identifying keys for one raw row.
// VehicleIDRaw may be empty; that is tolerated and tracked, not an error.
type StagingRecord struct {
	ID            int64             `json:"id"`
	SnapshotID    string            `json:"snapshot_id"`
	RowIndex      int               `json:"row_index"`
	ExternalLotID string            `json:"external_lot_id"`
	VehicleIDRaw  string            `json:"vehicle_id_raw,omitempty"`
	Payload       map[string]string `json:"payload"`
	UpsertedAt    *time.Time        `json:"upserted_at,omitempty"`
}
