package model

import "time"

// AuctionEvent is one entry in the append-only diff ledger. Events are never
// updated or deleted; they are the sole evidentiary record the outcome
// resolver reads.
type AuctionEvent struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	ExternalLotID  string            `json:"external_lot_id"`
	VIN            *string           `json:"vin,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	SnapshotID     string            `json:"snapshot_id"`
	PrevSnapshotID string            `json:"prev_snapshot_id,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`

	// RelatedLotID is set on relisted events only: the external lot id of the
	// newer listing for the same vehicle. ExternalLotID names the prior one.
	RelatedLotID *string `json:"related_lot_id,omitempty"`
}
