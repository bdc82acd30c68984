// Package snapdiff compares the staging contents of two consecutive
// snapshots and appends typed auction events: appeared, disappeared,
// updated, and relisted.
package snapdiff

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/monitoring"
	"github.com/gavelworks/lotsync/internal/store"
	"github.com/gavelworks/lotsync/internal/vin"
)

// Options configures one diff run.
type Options struct {
	// DryRun computes the event set without writing anything.
	DryRun bool

	// Force re-runs a pair already recorded in the diff ledger. Intended
	// for recovery after manual event cleanup.
	Force bool
}

// Report summarizes one diff run.
type Report struct {
	PrevSnapshotID string `json:"prev_snapshot_id"`
	CurrSnapshotID string `json:"curr_snapshot_id"`
	Appeared       int    `json:"appeared"`
	Disappeared    int    `json:"disappeared"`
	Updated        int    `json:"updated"`
	Relisted       int    `json:"relisted"`
	Skipped        bool   `json:"skipped"`
	DryRun         bool   `json:"dry_run"`
}

func (r *Report) total() int {
	return r.Appeared + r.Disappeared + r.Updated + r.Relisted
}

// DiffAuto diffs the two most recent snapshots.
func DiffAuto(ctx context.Context, st store.Store, opts Options) (*Report, error) {
	latest, err := st.LatestSnapshots(ctx, 2)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: load latest snapshots")
	}
	if len(latest) < 2 {
		return nil, eris.Errorf("snapdiff: need two snapshots, have %d", len(latest))
	}
	return Diff(ctx, st, latest[1].ID, latest[0].ID, opts)
}

// Diff computes the event set between two snapshots and appends it in a
// single batch. Re-diffing a recorded pair is a no-op unless forced.
func Diff(ctx context.Context, st store.Store, prevID, currID string, opts Options) (*Report, error) {
	log := zap.L().With(
		zap.String("component", "snapdiff"),
		zap.String("prev", prevID),
		zap.String("curr", currID),
	)

	if prevID == currID {
		return nil, eris.New("snapdiff: prev and curr are the same snapshot")
	}

	prev, err := st.GetSnapshot(ctx, prevID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: load prev snapshot")
	}
	curr, err := st.GetSnapshot(ctx, currID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: load curr snapshot")
	}
	if !prev.CapturedAt.Before(curr.CapturedAt) {
		return nil, eris.Errorf("snapdiff: prev snapshot %s is not older than curr %s", prevID, currID)
	}

	report := &Report{PrevSnapshotID: prevID, CurrSnapshotID: currID, DryRun: opts.DryRun}

	done, err := st.DiffRunExists(ctx, prevID, currID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: check diff ledger")
	}
	if done && !opts.Force {
		log.Info("snapshot pair already diffed, skipping")
		report.Skipped = true
		return report, nil
	}

	if opts.DryRun {
		events, err := computeEvents(ctx, st, prev, curr)
		if err != nil {
			return nil, err
		}
		countEvents(report, events)
		log.Info("dry run", zap.Int("events", report.total()))
		return report, nil
	}

	release, err := st.AcquireStageLock(ctx, "diff")
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: acquire stage lock")
	}
	defer release()

	runID, err := st.StartRun(ctx, "diff", prevID+".."+currID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: start run")
	}

	events, err := computeEvents(ctx, st, prev, curr)
	if err == nil {
		// The whole batch commits or none of it does; a partial event set
		// would corrupt relist detection.
		if insErr := st.InsertEvents(ctx, events); insErr != nil {
			err = eris.Wrap(insErr, "snapdiff: append events")
		}
	}
	if err != nil {
		if failErr := st.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Error("failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}

	countEvents(report, events)
	counts := map[model.EventType]int{
		model.EventAppeared:    report.Appeared,
		model.EventDisappeared: report.Disappeared,
		model.EventUpdated:     report.Updated,
		model.EventRelisted:    report.Relisted,
	}
	if err := st.RecordDiffRun(ctx, prevID, currID, counts); err != nil {
		return nil, eris.Wrap(err, "snapdiff: record diff run")
	}

	stats := &store.RunStats{
		Rows: int64(report.total()),
		Metadata: map[string]any{
			"appeared":    report.Appeared,
			"disappeared": report.Disappeared,
			"updated":     report.Updated,
			"relisted":    report.Relisted,
		},
	}
	if err := st.CompleteRun(ctx, runID, stats); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	metrics := monitoring.Engine()
	for eventType, n := range counts {
		metrics.AddEventsEmitted(string(eventType), n)
	}

	log.Info("diff complete",
		zap.Int("appeared", report.Appeared),
		zap.Int("disappeared", report.Disappeared),
		zap.Int("updated", report.Updated),
		zap.Int("relisted", report.Relisted),
	)

	return report, nil
}

// computeEvents builds the deterministic event set for a snapshot pair:
// appeared, then updated, then disappeared, then relisted, each ordered by
// external lot id.
func computeEvents(ctx context.Context, st store.Store, prev, curr *model.Snapshot) ([]model.AuctionEvent, error) {
	prevRecs, err := st.StagingBySnapshot(ctx, prev.ID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: load prev staging")
	}
	currRecs, err := st.StagingBySnapshot(ctx, curr.ID)
	if err != nil {
		return nil, eris.Wrap(err, "snapdiff: load curr staging")
	}

	prevByLot := recordsByLot(prevRecs)
	currByLot := recordsByLot(currRecs)

	var appeared, disappeared, updated []model.AuctionEvent
	occurredAt := curr.CapturedAt

	newEvent := func(t model.EventType, rec *model.StagingRecord) model.AuctionEvent {
		ev := model.AuctionEvent{
			ID:             uuid.New().String(),
			Type:           t,
			ExternalLotID:  rec.ExternalLotID,
			OccurredAt:     occurredAt,
			SnapshotID:     curr.ID,
			PrevSnapshotID: prev.ID,
		}
		if canonical, ok := normalVIN(rec); ok {
			ev.VIN = &canonical
		}
		return ev
	}

	for lotID, rec := range currByLot {
		prevRec, existed := prevByLot[lotID]
		if !existed {
			appeared = append(appeared, newEvent(model.EventAppeared, rec))
			continue
		}
		if changed := diffPayload(prevRec.Payload, rec.Payload); len(changed) > 0 {
			ev := newEvent(model.EventUpdated, rec)
			ev.Payload = changed
			updated = append(updated, ev)
		}
	}

	for lotID, rec := range prevByLot {
		if _, stillThere := currByLot[lotID]; !stillThere {
			disappeared = append(disappeared, newEvent(model.EventDisappeared, rec))
		}
	}

	sortEvents(appeared)
	sortEvents(updated)
	sortEvents(disappeared)

	relisted := detectRelists(disappeared, appeared, prevByLot, currByLot, occurredAt, curr.ID, prev.ID)
	ledger, err := detectLedgerRelists(ctx, st, appeared, relisted, prevByLot, currByLot, occurredAt, curr.ID, prev.ID)
	if err != nil {
		return nil, err
	}
	relisted = append(relisted, ledger...)
	sortEvents(relisted)

	events := make([]model.AuctionEvent, 0, len(appeared)+len(updated)+len(disappeared)+len(relisted))
	events = append(events, appeared...)
	events = append(events, updated...)
	events = append(events, disappeared...)
	events = append(events, relisted...)
	return events, nil
}

// detectRelists pairs disappeared and appeared lots by normalized VIN. A
// relist requires the new lot's auction time to be strictly later.
func detectRelists(disappeared, appeared []model.AuctionEvent, prevByLot, currByLot map[string]*model.StagingRecord, occurredAt time.Time, currID, prevID string) []model.AuctionEvent {
	appearedByVIN := make(map[string][]*model.StagingRecord)
	for _, ev := range appeared {
		if ev.VIN == nil {
			continue
		}
		rec := currByLot[ev.ExternalLotID]
		appearedByVIN[*ev.VIN] = append(appearedByVIN[*ev.VIN], rec)
	}

	var relisted []model.AuctionEvent
	for _, ev := range disappeared {
		if ev.VIN == nil {
			continue
		}
		candidates := appearedByVIN[*ev.VIN]
		if len(candidates) == 0 {
			continue
		}

		prevRec := prevByLot[ev.ExternalLotID]
		prevAuction, ok := auctionTime(prevRec)
		if !ok {
			continue
		}

		for _, cand := range candidates {
			candAuction, ok := auctionTime(cand)
			if !ok || !candAuction.After(prevAuction) {
				continue
			}
			newer := cand.ExternalLotID
			canonical := *ev.VIN
			relisted = append(relisted, model.AuctionEvent{
				ID:             uuid.New().String(),
				Type:           model.EventRelisted,
				ExternalLotID:  ev.ExternalLotID,
				VIN:            &canonical,
				OccurredAt:     occurredAt,
				SnapshotID:     currID,
				PrevSnapshotID: prevID,
				RelatedLotID:   &newer,
			})
			break
		}
	}

	sortEvents(relisted)
	return relisted
}

// detectLedgerRelists finds reappearances that skipped a snapshot: the prior
// listing dropped out in an earlier pair, so the in-pair matching above never
// sees it. The lots table carries the VIN linkage that finds it again.
func detectLedgerRelists(ctx context.Context, st store.Store, appeared, inPair []model.AuctionEvent, prevByLot, currByLot map[string]*model.StagingRecord, occurredAt time.Time, currID, prevID string) ([]model.AuctionEvent, error) {
	paired := make(map[string]bool)
	for _, ev := range inPair {
		if ev.RelatedLotID != nil {
			paired[*ev.RelatedLotID] = true
		}
	}

	var relisted []model.AuctionEvent
	for _, ev := range appeared {
		if ev.VIN == nil || paired[ev.ExternalLotID] {
			continue
		}
		candAuction, ok := auctionTime(currByLot[ev.ExternalLotID])
		if !ok {
			continue
		}

		lots, err := st.LotsByVIN(ctx, *ev.VIN)
		if err != nil {
			return nil, eris.Wrap(err, "snapdiff: lots by vin")
		}

		// Lots in either side of this pair belong to the in-pair matching;
		// only a lot already gone before prev qualifies here.
		var prior *model.Lot
		for i := range lots {
			l := &lots[i]
			if l.ExternalLotID == ev.ExternalLotID {
				continue
			}
			if _, inPrev := prevByLot[l.ExternalLotID]; inPrev {
				continue
			}
			if _, inCurr := currByLot[l.ExternalLotID]; inCurr {
				continue
			}
			if l.AuctionAt == nil || !candAuction.After(*l.AuctionAt) {
				continue
			}
			gone, err := lastSeenGone(ctx, st, l.ExternalLotID)
			if err != nil {
				return nil, err
			}
			if !gone {
				continue
			}
			if prior == nil || l.AuctionAt.After(*prior.AuctionAt) {
				prior = l
			}
		}
		if prior == nil {
			continue
		}

		newer := ev.ExternalLotID
		canonical := *ev.VIN
		relisted = append(relisted, model.AuctionEvent{
			ID:             uuid.New().String(),
			Type:           model.EventRelisted,
			ExternalLotID:  prior.ExternalLotID,
			VIN:            &canonical,
			OccurredAt:     occurredAt,
			SnapshotID:     currID,
			PrevSnapshotID: prevID,
			RelatedLotID:   &newer,
		})
	}
	return relisted, nil
}

// lastSeenGone reports whether the lot's ledger ends in a disappearance with
// no relist recorded from it yet.
func lastSeenGone(ctx context.Context, st store.Store, externalLotID string) (bool, error) {
	events, err := st.EventsForLot(ctx, externalLotID)
	if err != nil {
		return false, eris.Wrapf(err, "snapdiff: events for lot %s", externalLotID)
	}
	gone := false
	for _, ev := range events {
		if ev.ExternalLotID != externalLotID {
			continue
		}
		switch ev.Type {
		case model.EventDisappeared:
			gone = true
		case model.EventAppeared:
			gone = false
		case model.EventRelisted:
			return false, nil
		}
	}
	return gone, nil
}

func recordsByLot(recs []model.StagingRecord) map[string]*model.StagingRecord {
	m := make(map[string]*model.StagingRecord, len(recs))
	for i := range recs {
		m[recs[i].ExternalLotID] = &recs[i]
	}
	return m
}

// diffPayload returns the changed fields with their current values. Keys
// present only in prev are reported with an empty value.
func diffPayload(prev, curr map[string]string) map[string]string {
	var changed map[string]string
	set := func(k, v string) {
		if changed == nil {
			changed = make(map[string]string)
		}
		changed[k] = v
	}
	for k, v := range curr {
		if pv, ok := prev[k]; !ok || pv != v {
			set(k, v)
		}
	}
	for k := range prev {
		if _, ok := curr[k]; !ok {
			set(k, "")
		}
	}
	return changed
}

func normalVIN(rec *model.StagingRecord) (string, bool) {
	if rec == nil || rec.VehicleIDRaw == "" {
		return "", false
	}
	canonical, err := vin.Normalize(rec.VehicleIDRaw)
	if err != nil {
		return "", false
	}
	return canonical, true
}

var auctionTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

var auctionTimeColumns = []string{"auction_date", "auction_datetime", "sale_date"}

// auctionTime reads the lot's scheduled auction time from the staging payload.
func auctionTime(rec *model.StagingRecord) (time.Time, bool) {
	if rec == nil {
		return time.Time{}, false
	}
	for key, val := range rec.Payload {
		norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		for _, want := range auctionTimeColumns {
			if norm != want {
				continue
			}
			for _, layout := range auctionTimeLayouts {
				if t, err := time.ParseInLocation(layout, strings.TrimSpace(val), time.UTC); err == nil {
					return t.UTC(), true
				}
			}
		}
	}
	return time.Time{}, false
}

func sortEvents(events []model.AuctionEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].ExternalLotID < events[j].ExternalLotID
	})
}

func countEvents(report *Report, events []model.AuctionEvent) {
	for _, ev := range events {
		switch ev.Type {
		case model.EventAppeared:
			report.Appeared++
		case model.EventDisappeared:
			report.Disappeared++
		case model.EventUpdated:
			report.Updated++
		case model.EventRelisted:
			report.Relisted++
		}
	}
}
