package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/lotsync/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgresFindSnapshotByHash_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM lot_data\.snapshots WHERE content_hash`).
		WithArgs("deadbeef").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.FindSnapshotByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindSnapshotByHash_Found(t *testing.T) {
	s, mock := newMockStore(t)

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM lot_data\.snapshots WHERE content_hash`).
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "content_hash", "origin", "declared_rows", "admitted_rows", "columns", "captured_at"}).
			AddRow("snap-1", "abc123", "file:test.csv", 10, 9, []byte(`["LOT_ID","VIN"]`), captured))

	snap, err := s.FindSnapshotByHash(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "snap-1", snap.ID)
	assert.Equal(t, []string{"LOT_ID", "VIN"}, snap.Columns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertLot_StaleRevisionNoop(t *testing.T) {
	s, mock := newMockStore(t)

	rev := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO lot_data\.lots`).
		WithArgs("L100", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, "unknown", rev, rev).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	written, err := s.UpsertLot(context.Background(), &model.Lot{
		ExternalLotID: "L100", Status: "stale",
		SourceRevisionAt: rev, UpdatedAt: rev,
	})
	require.NoError(t, err)
	assert.False(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertVehicleLot_RollbackOnLotFailure(t *testing.T) {
	s, mock := newMockStore(t)

	rev := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lot_data\.vehicles`).
		WithArgs("1M8GDM9AXKP042788", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), rev, rev).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO lot_data\.lots`).
		WithArgs("L100", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, "unknown", rev, rev).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	vin := "1M8GDM9AXKP042788"
	_, _, err := s.UpsertVehicleLot(context.Background(),
		&model.Vehicle{VIN: vin, VINRaw: vin, SourceRevisionAt: rev, UpdatedAt: rev},
		&model.Lot{ExternalLotID: "L100", VIN: &vin, SourceRevisionAt: rev, UpdatedAt: rev})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkStagingUpserted(t *testing.T) {
	s, mock := newMockStore(t)

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE lot_data\.staging_records SET upserted_at`).
		WithArgs(at, []int64{1, 2, 3}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	err := s.MarkStagingUpserted(context.Background(), []int64{1, 2, 3}, at)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireStageLock_Held(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM lot_data\.stage_locks WHERE stage = \$1 AND acquired_at`).
		WithArgs("ingest", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO lot_data\.stage_locks`).
		WithArgs("ingest").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.AcquireStageLock(context.Background(), "ingest")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireStageLock_Acquired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM lot_data\.stage_locks WHERE stage = \$1 AND acquired_at`).
		WithArgs("diff", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO lot_data\.stage_locks`).
		WithArgs("diff").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM lot_data\.stage_locks WHERE stage = \$1`).
		WithArgs("diff").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	release, err := s.AcquireStageLock(context.Background(), "diff")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertEvents_RollbackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	occurred := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO lot_data\.auction_events`).
		WithArgs("ev-1", "appeared", "L1", pgxmock.AnyArg(), occurred, "snap-2",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO lot_data\.auction_events`).
		WithArgs("ev-2", "appeared", "L2", pgxmock.AnyArg(), occurred, "snap-2",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.InsertEvents(context.Background(), []model.AuctionEvent{
		{ID: "ev-1", Type: model.EventAppeared, ExternalLotID: "L1", OccurredAt: occurred, SnapshotID: "snap-2"},
		{ID: "ev-2", Type: model.EventAppeared, ExternalLotID: "L2", OccurredAt: occurred, SnapshotID: "snap-2"},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateLotOutcome(t *testing.T) {
	s, mock := newMockStore(t)

	determined := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE lot_data\.lots SET outcome`).
		WithArgs("sold", 0.85, determined, "grace_elapsed", "L100").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateLotOutcome(context.Background(), "L100", model.OutcomeSold, 0.85, determined, "grace_elapsed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
