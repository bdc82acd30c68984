package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSnapshot(t *testing.T, st store.Store, capturedAt time.Time) string {
	t.Helper()
	snap := &model.Snapshot{
		ID:          uuid.New().String(),
		ContentHash: uuid.New().String(),
		Origin:      "test.csv",
		CapturedAt:  capturedAt,
	}
	require.NoError(t, st.InsertSnapshot(context.Background(), snap))
	return snap.ID
}

func seedStaging(t *testing.T, st store.Store, snapID string, recs []model.StagingRecord) {
	t.Helper()
	for i := range recs {
		recs[i].SnapshotID = snapID
		recs[i].RowIndex = i
	}
	_, err := st.InsertStagingRecords(context.Background(), recs)
	require.NoError(t, err)
}

func TestUpsertBatch_FullRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	captured := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	snapID := seedSnapshot(t, st, captured)
	seedStaging(t, st, snapID, []model.StagingRecord{{
		ExternalLotID: "L1",
		VehicleIDRaw:  "1m8gdm9axkp042788",
		Payload: map[string]string{
			"YEAR":         "1989",
			"MAKE":         "Mack",
			"MODEL":        "CH600",
			"COLOR":        "White",
			"SITE":         "Dallas",
			"CITY":         "Hutchins",
			"STATE":        "TX",
			"AUCTION_DATE": "2026-03-10 15:00",
			"CURRENT_BID":  "$1,250.50",
			"STATUS":       "scheduled",
			"RESERVE":      "Y",
		},
	}})

	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.RowsProcessed)
	assert.Equal(t, int64(1), rep.VehiclesWritten)
	assert.Equal(t, int64(1), rep.LotsWritten)
	assert.Zero(t, rep.Conflicts)

	v, err := st.GetVehicle(ctx, "1M8GDM9AXKP042788")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.NotNil(t, v.Year)
	assert.Equal(t, 1989, *v.Year)
	assert.Equal(t, "Mack", v.Make)
	assert.Equal(t, "White", v.Attributes["color"])
	assert.True(t, v.SourceRevisionAt.Equal(captured))

	lot, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, lot)
	require.NotNil(t, lot.VIN)
	assert.Equal(t, "1M8GDM9AXKP042788", *lot.VIN)
	assert.Equal(t, "Dallas", lot.Site)
	assert.True(t, lot.OnApproval)
	require.NotNil(t, lot.AuctionAt)
	assert.True(t, lot.AuctionAt.Equal(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)))
	require.NotNil(t, lot.CurrentBid)
	assert.Equal(t, "1250.5", lot.CurrentBid.String())
	assert.Equal(t, model.OutcomeUnknown, lot.Outcome)

	// Everything marked; re-run is a no-op.
	rep, err = UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Zero(t, rep.RowsProcessed)
}

func TestUpsertBatch_MissingAndInvalidVIN(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snapID := seedSnapshot(t, st, time.Now().UTC())
	seedStaging(t, st, snapID, []model.StagingRecord{
		{ExternalLotID: "L1", Payload: map[string]string{"MAKE": "Ford"}},
		{ExternalLotID: "L2", VehicleIDRaw: "1M8GDM9AXKP04278I", Payload: map[string]string{"MAKE": "Mack"}},
	})

	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.RowsProcessed)
	assert.Equal(t, int64(2), rep.LotsWritten)
	assert.Zero(t, rep.VehiclesWritten)
	assert.Equal(t, int64(1), rep.MissingVIN)
	assert.Equal(t, int64(1), rep.Conflicts)

	// Both lots persist without a vehicle linkage.
	for _, id := range []string{"L1", "L2"} {
		lot, err := st.GetLot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, lot, id)
		assert.Nil(t, lot.VIN, id)
	}

	conflicts, err := st.ListConflicts(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictVINInvalid, conflicts[0].Kind)
	assert.Equal(t, "L2", conflicts[0].ExternalLotID)
}

func TestUpsertBatch_YearOutOfDomain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snapID := seedSnapshot(t, st, time.Now().UTC())
	seedStaging(t, st, snapID, []model.StagingRecord{{
		ExternalLotID: "L1",
		VehicleIDRaw:  "1M8GDM9AXKP042788",
		Payload:       map[string]string{"YEAR": "1776", "MAKE": "Mack"},
	}})

	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.VehiclesWritten)
	assert.Equal(t, int64(1), rep.Conflicts)

	// Field-level rejection: year null, row still written.
	v, err := st.GetVehicle(ctx, "1M8GDM9AXKP042788")
	require.NoError(t, err)
	assert.Nil(t, v.Year)
	assert.Equal(t, "Mack", v.Make)

	conflicts, err := st.ListConflicts(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictFieldRejected, conflicts[0].Kind)
}

func TestUpsertBatch_VINCollision(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snapID := seedSnapshot(t, st, time.Now().UTC())
	seedStaging(t, st, snapID, []model.StagingRecord{
		{ExternalLotID: "L1", VehicleIDRaw: "1M8GDM9AXKP042788", Payload: map[string]string{}},
		{ExternalLotID: "L2", VehicleIDRaw: "1M8-GDM9A XKP-042788", Payload: map[string]string{}},
	})

	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Conflicts)

	// No silent winner: the colliding lot stays unlinked.
	lot1, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, lot1.VIN)
	lot2, err := st.GetLot(ctx, "L2")
	require.NoError(t, err)
	assert.Nil(t, lot2.VIN)

	conflicts, err := st.ListConflicts(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictVINCollision, conflicts[0].Kind)
	assert.Equal(t, "1M8GDM9AXKP042788", conflicts[0].VIN)
}

func TestUpsertBatch_VINCollisionAcrossRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := seedSnapshot(t, st, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	seedStaging(t, st, first, []model.StagingRecord{
		{ExternalLotID: "L1", VehicleIDRaw: "1M8GDM9AXKP042788", Payload: map[string]string{"MAKE": "Mack"}},
	})
	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	require.Zero(t, rep.Conflicts)

	// A later snapshot carries a different raw id folding to the same VIN.
	// The stored raw id catches it even though the first run is long done.
	second := seedSnapshot(t, st, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	seedStaging(t, st, second, []model.StagingRecord{
		{ExternalLotID: "L2", VehicleIDRaw: "1M8-GDM9A XKP-042788", Payload: map[string]string{"MAKE": "Peterbilt"}},
	})
	rep, err = UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Conflicts)
	assert.Zero(t, rep.VehiclesWritten)

	// The stored vehicle is untouched and the new lot stays unlinked.
	v, err := st.GetVehicle(ctx, "1M8GDM9AXKP042788")
	require.NoError(t, err)
	assert.Equal(t, "Mack", v.Make)
	assert.Equal(t, "1M8GDM9AXKP042788", v.VINRaw)

	lot, err := st.GetLot(ctx, "L2")
	require.NoError(t, err)
	assert.Nil(t, lot.VIN)

	conflicts, err := st.ListConflicts(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictVINCollision, conflicts[0].Kind)
	assert.Equal(t, "L2", conflicts[0].ExternalLotID)
}

func TestUpsertBatch_MonotonicRevision(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	newer := seedSnapshot(t, st, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	seedStaging(t, st, newer, []model.StagingRecord{
		{ExternalLotID: "L1", Payload: map[string]string{"STATUS": "live"}},
	})
	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), rep.LotsWritten)

	// A snapshot captured earlier arrives late; its rows must not regress.
	older := seedSnapshot(t, st, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	seedStaging(t, st, older, []model.StagingRecord{
		{ExternalLotID: "L1", Payload: map[string]string{"STATUS": "scheduled"}},
	})
	rep, err = UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Zero(t, rep.LotsWritten)
	assert.Equal(t, int64(1), rep.Skipped)

	lot, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "live", lot.Status)
}

func TestUpsertBatch_Limit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snapID := seedSnapshot(t, st, time.Now().UTC())
	recs := make([]model.StagingRecord, 5)
	for i := range recs {
		recs[i] = model.StagingRecord{ExternalLotID: fmt.Sprintf("L%d", i), Payload: map[string]string{}}
	}
	seedStaging(t, st, snapID, recs)

	rep, err := UpsertBatch(ctx, st, Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.RowsProcessed)

	rep, err = UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.RowsProcessed)
}

func TestUpsertBatch_MalformedRowResilience(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	snapID := seedSnapshot(t, st, time.Now().UTC())
	recs := make([]model.StagingRecord, 1000)
	for i := range recs {
		payload := map[string]string{"YEAR": "2015", "MAKE": "Mack"}
		if i == 500 {
			payload["YEAR"] = "99999"
		}
		recs[i] = model.StagingRecord{
			ExternalLotID: fmt.Sprintf("L%04d", i),
			VehicleIDRaw:  fmt.Sprintf("VINBATCH%08d", i),
			Payload:       payload,
		}
	}
	seedStaging(t, st, snapID, recs)

	rep, err := UpsertBatch(ctx, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rep.RowsProcessed)
	assert.Equal(t, int64(1000), rep.LotsWritten)
	assert.Equal(t, int64(1), rep.Conflicts)

	conflicts, err := st.ListConflicts(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "L0500", conflicts[0].ExternalLotID)
}

func TestParseYear(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		want   *int
		wantOK bool
	}{
		{"", nil, true},
		{"2015", intPtr(2015), true},
		{"1900", intPtr(1900), true},
		{"2028", intPtr(2028), true},
		{"1899", nil, false},
		{"2029", nil, false},
		{"banana", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseYear(tt.in, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBid(t *testing.T) {
	d, ok := parseBid("$12,500.00")
	require.True(t, ok)
	require.NotNil(t, d)
	assert.Equal(t, "12500", d.String())

	d, ok = parseBid("")
	assert.True(t, ok)
	assert.Nil(t, d)

	_, ok = parseBid("N/A")
	assert.False(t, ok)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-10", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"2026-03-10 15:04", time.Date(2026, 3, 10, 15, 4, 0, 0, time.UTC)},
		{"03/10/2026", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"2026-03-10T15:04:05Z", time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := parseTime(tt.in)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := parseTime("not a date")
	assert.False(t, ok)
	_, ok = parseTime("")
	assert.False(t, ok)
}

func intPtr(v int) *int { return &v }
