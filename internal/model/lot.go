package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is one auction listing instance, keyed by the source-scoped external
// lot id. VIN is nil when the vehicle identifier was missing or failed
// normalization; a lot without a vehicle is a valid, tracked state.
type Lot struct {
	ExternalLotID string     `json:"external_lot_id"`
	VIN           *string    `json:"vin,omitempty"`
	Site          string     `json:"site,omitempty"`
	City          string     `json:"city,omitempty"`
	State         string     `json:"state,omitempty"`
	AuctionAt     *time.Time `json:"auction_at,omitempty"`

	CurrentBid *decimal.Decimal `json:"current_bid,omitempty"`
	Status     string           `json:"status,omitempty"`
	OnApproval bool             `json:"on_approval"`

	Outcome             Outcome    `json:"outcome"`
	OutcomeConfidence   float64    `json:"outcome_confidence"`
	OutcomeDeterminedAt *time.Time `json:"outcome_determined_at,omitempty"`
	OutcomeMethod       string     `json:"outcome_method,omitempty"`

	RelistCount   int     `json:"relist_count"`
	PreviousLotID *string `json:"previous_lot_id,omitempty"`

	SourceRevisionAt time.Time `json:"source_revision_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
