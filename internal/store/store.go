// Package store persists the five logical stores of the engine: the snapshot
// registry, raw row documents, staging records, normalized vehicles/lots, and
// the append-only auction event ledger, plus the conflict log and run ledgers.
// Two backends implement Store: PostgreSQL for production, SQLite for local
// runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gavelworks/lotsync/internal/model"
)

// ErrLockHeld is returned when a stage lock is already held by another run.
// Overlapping runs are rejected, not queued.
var ErrLockHeld = eris.New("store: stage lock already held")

// RunStats summarizes a completed stage run for the run ledger.
type RunStats struct {
	Rows        int64          `json:"rows"`
	ParseErrors int64          `json:"parse_errors"`
	MissingKey  int64          `json:"missing_key"`
	MissingVIN  int64          `json:"missing_vin"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Summary is a point-in-time view of the persisted state, the acceptance
// gate for every run.
type Summary struct {
	Snapshots       int64      `json:"snapshots"`
	LastCapturedAt  *time.Time `json:"last_captured_at,omitempty"`
	RawRows         int64      `json:"raw_rows"`
	StagingRows     int64      `json:"staging_rows"`
	StagingPending  int64      `json:"staging_pending"`
	StagingNoVIN    int64      `json:"staging_no_vin"`
	Vehicles        int64      `json:"vehicles"`
	Lots            int64      `json:"lots"`
	ParseErrors     int64      `json:"parse_errors"`
	MissingKeyDrops int64      `json:"missing_key_drops"`

	EventCounts   map[model.EventType]int64 `json:"event_counts"`
	OutcomeCounts map[model.Outcome]int64   `json:"outcome_counts"`
	MeanConfidence map[model.Outcome]float64 `json:"mean_confidence"`

	UnresolvedConflicts int64 `json:"unresolved_conflicts"`
}

// MissingVINRate returns the fraction of staging rows without a vehicle id.
func (s *Summary) MissingVINRate() float64 {
	if s.StagingRows == 0 {
		return 0
	}
	return float64(s.StagingNoVIN) / float64(s.StagingRows)
}

// Store defines the persistence interface for the ingestion engine.
type Store interface {
	// Snapshot registry
	FindSnapshotByHash(ctx context.Context, hash string) (*model.Snapshot, error)
	InsertSnapshot(ctx context.Context, snap *model.Snapshot) error
	SetSnapshotAdmitted(ctx context.Context, snapshotID string, admitted int) error
	GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error)
	LatestSnapshots(ctx context.Context, n int) ([]model.Snapshot, error)

	// Raw capture and staging
	InsertRawRows(ctx context.Context, rows []model.RawRow) (int64, error)
	InsertStagingRecords(ctx context.Context, recs []model.StagingRecord) (int64, error)
	StagingBySnapshot(ctx context.Context, snapshotID string) ([]model.StagingRecord, error)
	PendingStaging(ctx context.Context, limit int) ([]model.StagingRecord, error)
	MarkStagingUpserted(ctx context.Context, ids []int64, at time.Time) error

	// Normalized entities
	GetVehicle(ctx context.Context, vin string) (*model.Vehicle, error)
	UpsertVehicle(ctx context.Context, v *model.Vehicle) (bool, error)
	GetLot(ctx context.Context, externalLotID string) (*model.Lot, error)
	UpsertLot(ctx context.Context, lot *model.Lot) (bool, error)
	// UpsertVehicleLot writes one staging row's vehicle (optional, may be
	// nil) and lot atomically; neither half persists without the other.
	UpsertVehicleLot(ctx context.Context, v *model.Vehicle, lot *model.Lot) (vehicleWritten, lotWritten bool, err error)
	// LotsByVIN returns every lot linked to the normalized VIN.
	LotsByVIN(ctx context.Context, vin string) ([]model.Lot, error)
	LinkRelist(ctx context.Context, prevLotID, newLotID string, at time.Time) error
	LotsForOutcome(ctx context.Context, asOf time.Time) ([]model.Lot, error)
	UpdateLotOutcome(ctx context.Context, externalLotID string, outcome model.Outcome, confidence float64, determinedAt time.Time, method string) error

	// Event ledger (append-only; InsertEvents commits all events or none)
	InsertEvents(ctx context.Context, events []model.AuctionEvent) error
	EventsForLot(ctx context.Context, externalLotID string) ([]model.AuctionEvent, error)
	// UnsettledRelists returns relisted events whose newer lot is not yet
	// linked back to the prior listing.
	UnsettledRelists(ctx context.Context) ([]model.AuctionEvent, error)
	DiffRunExists(ctx context.Context, prevSnapshotID, currSnapshotID string) (bool, error)
	RecordDiffRun(ctx context.Context, prevSnapshotID, currSnapshotID string, counts map[model.EventType]int) error

	// Run ledger
	StartRun(ctx context.Context, stage, ref string) (string, error)
	CompleteRun(ctx context.Context, runID string, stats *RunStats) error
	FailRun(ctx context.Context, runID string, errMsg string) error

	// Conflict / audit log
	InsertConflict(ctx context.Context, c *model.Conflict) error
	ListConflicts(ctx context.Context, onlyUnresolved bool, limit int) ([]model.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID string) error

	// Mutual exclusion per stage; release must be called on all exit paths.
	AcquireStageLock(ctx context.Context, stage string) (release func(), err error)

	// Monitoring
	Summary(ctx context.Context) (*Summary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
