package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/store"
)

func TestCollectorPublishesGauges(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	snap := &model.Snapshot{
		ID:          uuid.New().String(),
		ContentHash: uuid.New().String(),
		Origin:      "test.csv",
		CapturedAt:  time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.InsertSnapshot(ctx, snap))
	_, err = s.InsertStagingRecords(ctx, []model.StagingRecord{
		{SnapshotID: snap.ID, RowIndex: 0, ExternalLotID: "L1", VehicleIDRaw: "1M8GDM9AXKP042788", Payload: map[string]string{"VIN": "1M8GDM9AXKP042788"}},
		{SnapshotID: snap.ID, RowIndex: 1, ExternalLotID: "L2", Payload: map[string]string{}},
	})
	require.NoError(t, err)
	require.NoError(t, s.InsertConflict(ctx, &model.Conflict{
		ID:     uuid.New().String(),
		Kind:   model.ConflictVINInvalid,
		Detail: "check digit mismatch",
	}))

	sum, err := NewCollector(s).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.StagingPending)
	assert.Equal(t, int64(1), sum.UnresolvedConflicts)

	m := Engine()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stagingBacklog))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.missingVINRate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflictBacklog))
}
