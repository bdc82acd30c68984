// Package reconcile turns staging records into normalized Vehicle and Lot
// rows. Each staging row is processed in isolation: a bad row logs a conflict
// and the batch continues.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/store"
	"github.com/gavelworks/lotsync/internal/vin"
)

// Options configures one reconciliation run.
type Options struct {
	// Limit bounds how many pending staging rows are processed. Zero means all.
	Limit int
}

// Report summarizes one reconciliation run.
type Report struct {
	RowsProcessed   int64 `json:"rows_processed"`
	VehiclesWritten int64 `json:"vehicles_written"`
	LotsWritten     int64 `json:"lots_written"`
	Skipped         int64 `json:"skipped"`
	Conflicts       int64 `json:"conflicts"`
	MissingVIN      int64 `json:"missing_vin"`
}

// UpsertBatch reconciles pending staging records into vehicles and lots.
// The upsert stage lock is held for the run; revision timestamps keep the
// operation idempotent and safe to re-run.
func UpsertBatch(ctx context.Context, st store.Store, opts Options) (*Report, error) {
	log := zap.L().With(zap.String("component", "reconcile"))

	release, err := st.AcquireStageLock(ctx, "upsert")
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: acquire stage lock")
	}
	defer release()

	runID, err := st.StartRun(ctx, "upsert", "")
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: start run")
	}

	report, err := run(ctx, st, opts, log)
	if err != nil {
		if failErr := st.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Error("failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}

	stats := &store.RunStats{
		Rows:       report.RowsProcessed,
		MissingVIN: report.MissingVIN,
		Metadata: map[string]any{
			"vehicles_written": report.VehiclesWritten,
			"lots_written":     report.LotsWritten,
			"conflicts":        report.Conflicts,
		},
	}
	if err := st.CompleteRun(ctx, runID, stats); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	log.Info("reconciliation complete",
		zap.Int64("rows", report.RowsProcessed),
		zap.Int64("vehicles_written", report.VehiclesWritten),
		zap.Int64("lots_written", report.LotsWritten),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("conflicts", report.Conflicts),
	)

	return report, nil
}

func run(ctx context.Context, st store.Store, opts Options, log *zap.Logger) (*Report, error) {
	pending, err := st.PendingStaging(ctx, opts.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: load pending staging")
	}

	report := &Report{}
	if len(pending) == 0 {
		return report, nil
	}

	// Snapshot capture times back the revision fallback for rows without a
	// source revision column.
	capturedAt := make(map[string]time.Time)

	done := make([]int64, 0, len(pending))
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if _, ok := capturedAt[rec.SnapshotID]; !ok {
			snap, err := st.GetSnapshot(ctx, rec.SnapshotID)
			if err != nil {
				return nil, eris.Wrapf(err, "reconcile: snapshot for staging row %d", rec.ID)
			}
			capturedAt[rec.SnapshotID] = snap.CapturedAt
		}

		res := upsertRow(ctx, st, &rec, capturedAt[rec.SnapshotID], log)
		report.RowsProcessed++
		report.VehiclesWritten += res.vehiclesWritten
		report.LotsWritten += res.lotsWritten
		report.Conflicts += res.conflicts
		if res.missingVIN {
			report.MissingVIN++
		}
		if res.skipped {
			report.Skipped++
		}

		// Failed rows are marked too: the conflict is on record and
		// retrying the same payload cannot succeed.
		done = append(done, rec.ID)

		if len(done) >= 1000 {
			if err := st.MarkStagingUpserted(ctx, done, time.Now().UTC()); err != nil {
				return nil, eris.Wrap(err, "reconcile: mark staging upserted")
			}
			done = done[:0]
		}
	}

	if err := st.MarkStagingUpserted(ctx, done, time.Now().UTC()); err != nil {
		return nil, eris.Wrap(err, "reconcile: mark staging upserted")
	}

	return report, nil
}

type rowResult struct {
	vehiclesWritten int64
	lotsWritten     int64
	conflicts       int64
	skipped         bool
	missingVIN      bool
}

// upsertRow reconciles one staging record. Errors never propagate: they are
// logged to the conflict ledger and the row's effect is discarded.
func upsertRow(ctx context.Context, st store.Store, rec *model.StagingRecord, capturedAt time.Time, log *zap.Logger) rowResult {
	var res rowResult
	view := newPayloadView(rec.Payload)
	now := time.Now().UTC()

	revisionAt := capturedAt
	if t, ok := parseTime(view.first(revisionColumns)); ok {
		revisionAt = t
	}

	// Vehicle linkage: normalization failure keeps the lot, drops the link.
	var normalizedVIN *string
	if rec.VehicleIDRaw == "" {
		res.missingVIN = true
	} else {
		canonical, err := vin.Normalize(rec.VehicleIDRaw)
		if err != nil {
			res.conflicts++
			logConflict(ctx, st, &model.Conflict{
				Kind:          model.ConflictVINInvalid,
				ExternalLotID: rec.ExternalLotID,
				VINRaw:        rec.VehicleIDRaw,
				Detail:        err.Error(),
				SnapshotID:    rec.SnapshotID,
			}, log)
		} else {
			existing, err := st.GetVehicle(ctx, canonical)
			switch {
			case err != nil:
				res.conflicts++
				res.skipped = true
				logConflict(ctx, st, &model.Conflict{
					Kind:          model.ConflictConstraint,
					ExternalLotID: rec.ExternalLotID,
					VIN:           canonical,
					Detail:        err.Error(),
					SnapshotID:    rec.SnapshotID,
				}, log)
				return res
			case existing != nil && existing.VINRaw != "" && existing.VINRaw != rec.VehicleIDRaw:
				// A different raw identifier already produced this VIN,
				// whether earlier in this run or in a past one. No silent
				// winner: the later lot stays unlinked pending review.
				res.conflicts++
				logConflict(ctx, st, &model.Conflict{
					Kind:          model.ConflictVINCollision,
					ExternalLotID: rec.ExternalLotID,
					VINRaw:        rec.VehicleIDRaw,
					VIN:           canonical,
					Detail:        fmt.Sprintf("raw ids %q and %q normalize to the same vin", existing.VINRaw, rec.VehicleIDRaw),
					SnapshotID:    rec.SnapshotID,
				}, log)
			default:
				normalizedVIN = &canonical
			}
		}
	}

	var vehicle *model.Vehicle
	if normalizedVIN != nil {
		year, ok := parseYear(view.first(yearColumns), now)
		if !ok {
			res.conflicts++
			logConflict(ctx, st, &model.Conflict{
				Kind:          model.ConflictFieldRejected,
				ExternalLotID: rec.ExternalLotID,
				VIN:           *normalizedVIN,
				Detail:        fmt.Sprintf("year %q out of domain, stored as null", view.first(yearColumns)),
				SnapshotID:    rec.SnapshotID,
			}, log)
		}

		vehicle = &model.Vehicle{
			VIN:              *normalizedVIN,
			VINRaw:           rec.VehicleIDRaw,
			Year:             year,
			Make:             view.first(makeColumns),
			Model:            view.first(modelColumns),
			Trim:             view.first(trimColumns),
			Attributes:       collectAttributes(view),
			SourceRevisionAt: revisionAt,
			UpdatedAt:        now,
		}
	}

	bid, ok := parseBid(view.first(bidColumns))
	if !ok {
		res.conflicts++
		logConflict(ctx, st, &model.Conflict{
			Kind:          model.ConflictFieldRejected,
			ExternalLotID: rec.ExternalLotID,
			Detail:        fmt.Sprintf("bid %q unparseable, stored as null", view.first(bidColumns)),
			SnapshotID:    rec.SnapshotID,
		}, log)
	}

	var auctionAt *time.Time
	if t, ok := parseTime(view.first(auctionColumns)); ok {
		auctionAt = &t
	}

	lot := &model.Lot{
		ExternalLotID:    rec.ExternalLotID,
		VIN:              normalizedVIN,
		Site:             view.first(siteColumns),
		City:             view.first(cityColumns),
		State:            view.first(stateColumns),
		AuctionAt:        auctionAt,
		CurrentBid:       bid,
		Status:           view.first(statusColumns),
		OnApproval:       parseBoolYN(view.first(approvalColumns)),
		SourceRevisionAt: revisionAt,
		UpdatedAt:        now,
	}
	// One transaction per row: a rejected lot must not leave the row's
	// vehicle behind.
	vehicleWritten, lotWritten, err := st.UpsertVehicleLot(ctx, vehicle, lot)
	if err != nil {
		res.conflicts++
		res.skipped = true
		logConflict(ctx, st, &model.Conflict{
			Kind:          model.ConflictConstraint,
			ExternalLotID: rec.ExternalLotID,
			Detail:        err.Error(),
			SnapshotID:    rec.SnapshotID,
		}, log)
		return res
	}
	if vehicleWritten {
		res.vehiclesWritten++
	}
	if lotWritten {
		res.lotsWritten++
	} else {
		res.skipped = true
	}

	return res
}

func logConflict(ctx context.Context, st store.Store, c *model.Conflict, log *zap.Logger) {
	if err := st.InsertConflict(ctx, c); err != nil {
		log.Error("failed to record conflict",
			zap.String("kind", string(c.Kind)),
			zap.String("external_lot_id", c.ExternalLotID),
			zap.Error(err),
		)
		return
	}
	log.Warn("conflict recorded",
		zap.String("kind", string(c.Kind)),
		zap.String("external_lot_id", c.ExternalLotID),
		zap.String("detail", c.Detail),
	)
}
