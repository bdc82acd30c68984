package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/lotsync/internal/db"
	"github.com/gavelworks/lotsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies pending SQL migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- snapshot registry ---

const pgSnapshotSelect = `SELECT id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at FROM lot_data.snapshots`

func (s *PostgresStore) FindSnapshotByHash(ctx context.Context, hash string) (*model.Snapshot, error) {
	snap, err := s.scanOneSnapshot(s.pool.QueryRow(ctx, pgSnapshotSelect+` WHERE content_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find snapshot by hash")
	}
	return snap, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	cols, err := json.Marshal(snap.Columns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot columns")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lot_data.snapshots (id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.ContentHash, snap.Origin, snap.DeclaredRows, snap.AdmittedRows, cols, snap.CapturedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "postgres: insert snapshot")
	}
	return nil
}

func (s *PostgresStore) SetSnapshotAdmitted(ctx context.Context, snapshotID string, admitted int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE lot_data.snapshots SET admitted_rows = $1 WHERE id = $2`, admitted, snapshotID)
	if err != nil {
		return eris.Wrap(err, "postgres: set snapshot admitted")
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	snap, err := s.scanOneSnapshot(s.pool.QueryRow(ctx, pgSnapshotSelect+` WHERE id = $1`, snapshotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: snapshot %s not found", snapshotID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshot")
	}
	return snap, nil
}

func (s *PostgresStore) LatestSnapshots(ctx context.Context, n int) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, pgSnapshotSelect+` ORDER BY captured_at DESC, id DESC LIMIT $1`, n)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest snapshots")
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := s.scanOneSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) scanOneSnapshot(r pgx.Row) (*model.Snapshot, error) {
	var snap model.Snapshot
	var cols []byte
	if err := r.Scan(&snap.ID, &snap.ContentHash, &snap.Origin, &snap.DeclaredRows, &snap.AdmittedRows, &cols, &snap.CapturedAt); err != nil {
		return nil, err
	}
	if len(cols) > 0 {
		_ = json.Unmarshal(cols, &snap.Columns)
	}
	return &snap, nil
}

// --- raw capture and staging ---

func (s *PostgresStore) InsertRawRows(ctx context.Context, rowsIn []model.RawRow) (int64, error) {
	if len(rowsIn) == 0 {
		return 0, nil
	}
	copyRows := make([][]any, 0, len(rowsIn))
	for _, rr := range rowsIn {
		payload, err := json.Marshal(rr.Payload)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal raw payload")
		}
		copyRows = append(copyRows, []any{rr.SnapshotID, rr.RowIndex, payload})
	}
	n, err := db.CopyFromSchema(ctx, s.pool, "lot_data", "raw_rows",
		[]string{"snapshot_id", "row_index", "payload"}, copyRows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert raw rows")
	}
	return n, nil
}

func (s *PostgresStore) InsertStagingRecords(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	copyRows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal staging payload")
		}
		var vinRaw *string
		if rec.VehicleIDRaw != "" {
			v := rec.VehicleIDRaw
			vinRaw = &v
		}
		copyRows = append(copyRows, []any{rec.SnapshotID, rec.RowIndex, rec.ExternalLotID, vinRaw, payload})
	}
	n, err := db.CopyFromSchema(ctx, s.pool, "lot_data", "staging_records",
		[]string{"snapshot_id", "row_index", "external_lot_id", "vehicle_id_raw", "payload"}, copyRows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert staging records")
	}
	return n, nil
}

const pgStagingSelect = `SELECT id, snapshot_id, row_index, external_lot_id, vehicle_id_raw, payload, upserted_at FROM lot_data.staging_records`

func (s *PostgresStore) StagingBySnapshot(ctx context.Context, snapshotID string) ([]model.StagingRecord, error) {
	rows, err := s.pool.Query(ctx, pgStagingSelect+` WHERE snapshot_id = $1 ORDER BY row_index`, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: staging by snapshot")
	}
	defer rows.Close()
	return collectPgStaging(rows)
}

func (s *PostgresStore) PendingStaging(ctx context.Context, limit int) ([]model.StagingRecord, error) {
	q := pgStagingSelect + ` WHERE upserted_at IS NULL ORDER BY id`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending staging")
	}
	defer rows.Close()
	return collectPgStaging(rows)
}

func collectPgStaging(rows pgx.Rows) ([]model.StagingRecord, error) {
	var recs []model.StagingRecord
	for rows.Next() {
		var rec model.StagingRecord
		var vinRaw *string
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.SnapshotID, &rec.RowIndex, &rec.ExternalLotID, &vinRaw, &payload, &rec.UpsertedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staging record")
		}
		if vinRaw != nil {
			rec.VehicleIDRaw = *vinRaw
		}
		_ = json.Unmarshal(payload, &rec.Payload)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) MarkStagingUpserted(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE lot_data.staging_records SET upserted_at = $1 WHERE id = ANY($2)`, at.UTC(), ids)
	if err != nil {
		return eris.Wrap(err, "postgres: mark staging upserted")
	}
	return nil
}

// --- vehicles / lots ---

func (s *PostgresStore) GetVehicle(ctx context.Context, vin string) (*model.Vehicle, error) {
	var v model.Vehicle
	var year *int
	var mk, md, tr *string
	var attrs []byte
	var revAt *time.Time
	var raw *string
	err := s.pool.QueryRow(ctx,
		`SELECT vin, vin_raw, year, make, model, trim_level, attributes, source_revision_at, updated_at
		 FROM lot_data.vehicles WHERE vin = $1`, vin).
		Scan(&v.VIN, &raw, &year, &mk, &md, &tr, &attrs, &revAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get vehicle")
	}
	v.Year = year
	if raw != nil {
		v.VINRaw = *raw
	}
	if mk != nil {
		v.Make = *mk
	}
	if md != nil {
		v.Model = *md
	}
	if tr != nil {
		v.Trim = *tr
	}
	if len(attrs) > 0 {
		_ = json.Unmarshal(attrs, &v.Attributes)
	}
	if revAt != nil {
		v.SourceRevisionAt = *revAt
	}
	return &v, nil
}

func (s *PostgresStore) UpsertVehicle(ctx context.Context, v *model.Vehicle) (bool, error) {
	return pgUpsertVehicle(ctx, s.pool, v)
}

// pgExecer is satisfied by db.Pool and pgx.Tx, so the upsert statements can
// run standalone or inside a row transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgUpsertVehicle(ctx context.Context, ex pgExecer, v *model.Vehicle) (bool, error) {
	var attrs []byte
	if len(v.Attributes) > 0 {
		var err error
		attrs, err = json.Marshal(v.Attributes)
		if err != nil {
			return false, eris.Wrap(err, "postgres: marshal vehicle attributes")
		}
	}
	tag, err := ex.Exec(ctx, `
		INSERT INTO lot_data.vehicles (vin, vin_raw, year, make, model, trim_level, attributes, source_revision_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vin) DO UPDATE SET
			vin_raw = EXCLUDED.vin_raw,
			year = EXCLUDED.year,
			make = EXCLUDED.make,
			model = EXCLUDED.model,
			trim_level = EXCLUDED.trim_level,
			attributes = EXCLUDED.attributes,
			source_revision_at = EXCLUDED.source_revision_at,
			updated_at = EXCLUDED.updated_at
		WHERE lot_data.vehicles.source_revision_at IS NULL
		   OR EXCLUDED.source_revision_at > lot_data.vehicles.source_revision_at`,
		v.VIN, emptyToNil(v.VINRaw), v.Year, emptyToNil(v.Make), emptyToNil(v.Model), emptyToNil(v.Trim), attrs,
		v.SourceRevisionAt.UTC(), v.UpdatedAt.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert vehicle %s", v.VIN)
	}
	return tag.RowsAffected() > 0, nil
}

const pgLotSelect = `SELECT external_lot_id, vin, site, city, state, auction_at, current_bid::text, status,
	on_approval, outcome, outcome_confidence, outcome_determined_at, outcome_method,
	relist_count, previous_lot_id, source_revision_at, updated_at FROM lot_data.lots`

func (s *PostgresStore) GetLot(ctx context.Context, externalLotID string) (*model.Lot, error) {
	lot, err := scanPgLot(s.pool.QueryRow(ctx, pgLotSelect+` WHERE external_lot_id = $1`, externalLotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get lot")
	}
	return lot, nil
}

func scanPgLot(r pgx.Row) (*model.Lot, error) {
	var lot model.Lot
	var site, city, state, bid, status, method *string
	var revAt *time.Time
	err := r.Scan(&lot.ExternalLotID, &lot.VIN, &site, &city, &state, &lot.AuctionAt, &bid, &status,
		&lot.OnApproval, &lot.Outcome, &lot.OutcomeConfidence, &lot.OutcomeDeterminedAt, &method,
		&lot.RelistCount, &lot.PreviousLotID, &revAt, &lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if site != nil {
		lot.Site = *site
	}
	if city != nil {
		lot.City = *city
	}
	if state != nil {
		lot.State = *state
	}
	if bid != nil {
		if d, err := decimal.NewFromString(*bid); err == nil {
			lot.CurrentBid = &d
		}
	}
	if status != nil {
		lot.Status = *status
	}
	if method != nil {
		lot.OutcomeMethod = *method
	}
	if revAt != nil {
		lot.SourceRevisionAt = *revAt
	}
	return &lot, nil
}

func (s *PostgresStore) UpsertLot(ctx context.Context, lot *model.Lot) (bool, error) {
	return pgUpsertLot(ctx, s.pool, lot)
}

// UpsertVehicleLot writes a staging row's vehicle and lot in one transaction,
// so a failed lot write never strands the vehicle half of the row. A nil
// vehicle upserts the lot alone.
func (s *PostgresStore) UpsertVehicleLot(ctx context.Context, v *model.Vehicle, lot *model.Lot) (bool, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, false, eris.Wrap(err, "postgres: begin row upsert")
	}
	defer tx.Rollback(ctx)

	var vehicleWritten bool
	if v != nil {
		vehicleWritten, err = pgUpsertVehicle(ctx, tx, v)
		if err != nil {
			return false, false, err
		}
	}
	lotWritten, err := pgUpsertLot(ctx, tx, lot)
	if err != nil {
		return false, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, false, eris.Wrap(err, "postgres: commit row upsert")
	}
	return vehicleWritten, lotWritten, nil
}

func pgUpsertLot(ctx context.Context, ex pgExecer, lot *model.Lot) (bool, error) {
	var bid *string
	if lot.CurrentBid != nil {
		b := lot.CurrentBid.String()
		bid = &b
	}
	var auctionAt *time.Time
	if lot.AuctionAt != nil {
		t := lot.AuctionAt.UTC()
		auctionAt = &t
	}
	outcome := lot.Outcome
	if outcome == "" {
		outcome = model.OutcomeUnknown
	}
	// Source-owned columns only; outcome fields belong to the resolver and
	// relist fields to LinkRelist. A NULL incoming vin never unlinks.
	tag, err := ex.Exec(ctx, `
		INSERT INTO lot_data.lots (external_lot_id, vin, site, city, state, auction_at, current_bid, status,
			on_approval, outcome, source_revision_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
		ON CONFLICT (external_lot_id) DO UPDATE SET
			vin = COALESCE(EXCLUDED.vin, lot_data.lots.vin),
			site = EXCLUDED.site,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			auction_at = EXCLUDED.auction_at,
			current_bid = EXCLUDED.current_bid,
			status = EXCLUDED.status,
			on_approval = EXCLUDED.on_approval,
			source_revision_at = EXCLUDED.source_revision_at,
			updated_at = EXCLUDED.updated_at
		WHERE lot_data.lots.source_revision_at IS NULL
		   OR EXCLUDED.source_revision_at > lot_data.lots.source_revision_at`,
		lot.ExternalLotID, lot.VIN, emptyToNil(lot.Site), emptyToNil(lot.City), emptyToNil(lot.State),
		auctionAt, bid, emptyToNil(lot.Status), lot.OnApproval, string(outcome),
		lot.SourceRevisionAt.UTC(), lot.UpdatedAt.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert lot %s", lot.ExternalLotID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) LinkRelist(ctx context.Context, prevLotID, newLotID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lot_data.lots SET previous_lot_id = $1, relist_count = relist_count + 1, updated_at = $2
		WHERE external_lot_id = $3 AND (previous_lot_id IS NULL OR previous_lot_id <> $1)`,
		prevLotID, at.UTC(), newLotID)
	if err != nil {
		return eris.Wrapf(err, "postgres: link relist %s -> %s", prevLotID, newLotID)
	}
	return nil
}

func (s *PostgresStore) LotsByVIN(ctx context.Context, vin string) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx, pgLotSelect+` WHERE vin = $1 ORDER BY external_lot_id`, vin)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lots by vin")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanPgLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lot")
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) LotsForOutcome(ctx context.Context, asOf time.Time) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx, pgLotSelect+`
		WHERE outcome IN ('unknown', 'on_approval')
		  AND (auction_at IS NULL OR auction_at <= $1)
		ORDER BY auction_at ASC NULLS LAST, external_lot_id`, asOf.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lots for outcome")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanPgLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lot")
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) UpdateLotOutcome(ctx context.Context, externalLotID string, outcome model.Outcome, confidence float64, determinedAt time.Time, method string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lot_data.lots SET outcome = $1, outcome_confidence = $2, outcome_determined_at = $3, outcome_method = $4
		WHERE external_lot_id = $5`,
		string(outcome), confidence, determinedAt.UTC(), method, externalLotID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update outcome for %s", externalLotID)
	}
	return nil
}

// --- event ledger ---

func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.AuctionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin events tx")
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		var payload []byte
		if len(ev.Payload) > 0 {
			payload, err = json.Marshal(ev.Payload)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal event payload")
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO lot_data.auction_events (id, event_type, external_lot_id, vin, occurred_at, snapshot_id, prev_snapshot_id, payload, related_lot_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ID, string(ev.Type), ev.ExternalLotID, ev.VIN, ev.OccurredAt.UTC(),
			ev.SnapshotID, emptyToNil(ev.PrevSnapshotID), payload, ev.RelatedLotID); err != nil {
			return eris.Wrapf(err, "postgres: insert event %s", ev.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit events")
	}
	return nil
}

func (s *PostgresStore) EventsForLot(ctx context.Context, externalLotID string) ([]model.AuctionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, external_lot_id, vin, occurred_at, snapshot_id, prev_snapshot_id, payload, related_lot_id
		FROM lot_data.auction_events
		WHERE external_lot_id = $1 OR related_lot_id = $1
		ORDER BY seq`, externalLotID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: events for lot")
	}
	defer rows.Close()

	var events []model.AuctionEvent
	for rows.Next() {
		var ev model.AuctionEvent
		var prevSnap *string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ExternalLotID, &ev.VIN, &ev.OccurredAt, &ev.SnapshotID, &prevSnap, &payload, &ev.RelatedLotID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if prevSnap != nil {
			ev.PrevSnapshotID = *prevSnap
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) UnsettledRelists(ctx context.Context) ([]model.AuctionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.event_type, e.external_lot_id, e.vin, e.occurred_at, e.snapshot_id, e.prev_snapshot_id, e.payload, e.related_lot_id
		FROM lot_data.auction_events e
		JOIN lot_data.lots l ON l.external_lot_id = e.related_lot_id
		WHERE e.event_type = 'relisted'
		  AND (l.previous_lot_id IS NULL OR l.previous_lot_id <> e.external_lot_id)
		ORDER BY e.seq`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unsettled relists")
	}
	defer rows.Close()

	var events []model.AuctionEvent
	for rows.Next() {
		var ev model.AuctionEvent
		var prevSnap *string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ExternalLotID, &ev.VIN, &ev.OccurredAt, &ev.SnapshotID, &prevSnap, &payload, &ev.RelatedLotID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan relist event")
		}
		if prevSnap != nil {
			ev.PrevSnapshotID = *prevSnap
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) DiffRunExists(ctx context.Context, prevSnapshotID, currSnapshotID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM lot_data.diff_runs WHERE prev_snapshot_id = $1 AND curr_snapshot_id = $2`,
		prevSnapshotID, currSnapshotID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: diff run exists")
	}
	return true, nil
}

func (s *PostgresStore) RecordDiffRun(ctx context.Context, prevSnapshotID, currSnapshotID string, counts map[model.EventType]int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lot_data.diff_runs (prev_snapshot_id, curr_snapshot_id, ran_at, appeared, disappeared, updated, relisted)
		VALUES ($1, $2, now(), $3, $4, $5, $6)
		ON CONFLICT (prev_snapshot_id, curr_snapshot_id) DO UPDATE SET
			ran_at = EXCLUDED.ran_at,
			appeared = EXCLUDED.appeared,
			disappeared = EXCLUDED.disappeared,
			updated = EXCLUDED.updated,
			relisted = EXCLUDED.relisted`,
		prevSnapshotID, currSnapshotID,
		counts[model.EventAppeared], counts[model.EventDisappeared],
		counts[model.EventUpdated], counts[model.EventRelisted])
	if err != nil {
		return eris.Wrap(err, "postgres: record diff run")
	}
	return nil
}

// --- run ledger ---

func (s *PostgresStore) StartRun(ctx context.Context, stage, ref string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lot_data.runs (id, stage, ref, status, started_at) VALUES ($1, $2, $3, 'running', now())`,
		id, stage, emptyToNil(ref))
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start %s run", stage)
	}
	return id, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, stats *RunStats) error {
	if stats == nil {
		stats = &RunStats{}
	}
	var meta []byte
	if len(stats.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(stats.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run metadata")
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE lot_data.runs SET status = 'complete', completed_at = now(), rows_processed = $1,
			parse_errors = $2, missing_key = $3, missing_vin = $4, metadata = $5
		WHERE id = $6`,
		stats.Rows, stats.ParseErrors, stats.MissingKey, stats.MissingVIN, meta, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE lot_data.runs SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	return nil
}

// --- conflict log ---

func (s *PostgresStore) InsertConflict(ctx context.Context, c *model.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lot_data.conflict_log (id, kind, external_lot_id, vin_raw, vin, detail, snapshot_id, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, string(c.Kind), emptyToNil(c.ExternalLotID), emptyToNil(c.VINRaw), emptyToNil(c.VIN),
		c.Detail, emptyToNil(c.SnapshotID), c.Resolved, c.CreatedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "postgres: insert conflict")
	}
	return nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, onlyUnresolved bool, limit int) ([]model.Conflict, error) {
	q := `SELECT id, kind, external_lot_id, vin_raw, vin, detail, snapshot_id, resolved, created_at FROM lot_data.conflict_log`
	if onlyUnresolved {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var lotID, vinRaw, vinNorm, snapID *string
		if err := rows.Scan(&c.ID, &c.Kind, &lotID, &vinRaw, &vinNorm, &c.Detail, &snapID, &c.Resolved, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		if lotID != nil {
			c.ExternalLotID = *lotID
		}
		if vinRaw != nil {
			c.VINRaw = *vinRaw
		}
		if vinNorm != nil {
			c.VIN = *vinNorm
		}
		if snapID != nil {
			c.SnapshotID = *snapID
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, conflictID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE lot_data.conflict_log SET resolved = TRUE WHERE id = $1`, conflictID)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve conflict %s", conflictID)
	}
	return nil
}

// --- stage locks ---

func (s *PostgresStore) AcquireStageLock(ctx context.Context, stage string) (func(), error) {
	cutoff := time.Now().UTC().Add(-stageLockTTL)
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM lot_data.stage_locks WHERE stage = $1 AND acquired_at < $2`, stage, cutoff); err != nil {
		return nil, eris.Wrap(err, "postgres: clear stale lock")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO lot_data.stage_locks (stage, acquired_at) VALUES ($1, now()) ON CONFLICT (stage) DO NOTHING`,
		stage)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: acquire %s lock", stage)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLockHeld
	}

	release := func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM lot_data.stage_locks WHERE stage = $1`, stage)
	}
	return release, nil
}

// --- monitoring ---

func (s *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		EventCounts:    make(map[model.EventType]int64),
		OutcomeCounts:  make(map[model.Outcome]int64),
		MeanConfidence: make(map[model.Outcome]float64),
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(captured_at) FROM lot_data.snapshots`).Scan(&sum.Snapshots, &sum.LastCapturedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary snapshots")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lot_data.raw_rows`).Scan(&sum.RawRows); err != nil {
		return nil, eris.Wrap(err, "postgres: summary raw rows")
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN upserted_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN vehicle_id_raw IS NULL OR vehicle_id_raw = '' THEN 1 ELSE 0 END), 0)
		FROM lot_data.staging_records`).Scan(&sum.StagingRows, &sum.StagingPending, &sum.StagingNoVIN)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary staging")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lot_data.vehicles`).Scan(&sum.Vehicles); err != nil {
		return nil, eris.Wrap(err, "postgres: summary vehicles")
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lot_data.lots`).Scan(&sum.Lots); err != nil {
		return nil, eris.Wrap(err, "postgres: summary lots")
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(parse_errors), 0), COALESCE(SUM(missing_key), 0) FROM lot_data.runs WHERE stage = 'ingest'`).
		Scan(&sum.ParseErrors, &sum.MissingKeyDrops)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary runs")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM lot_data.auction_events GROUP BY event_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary events")
	}
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan event count")
		}
		sum.EventCounts[model.EventType(et)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: summary events")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT outcome, COUNT(*), AVG(outcome_confidence) FROM lot_data.lots GROUP BY outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary outcomes")
	}
	for rows.Next() {
		var oc string
		var n int64
		var avg *float64
		if err := rows.Scan(&oc, &n, &avg); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan outcome count")
		}
		sum.OutcomeCounts[model.Outcome(oc)] = n
		if avg != nil {
			sum.MeanConfidence[model.Outcome(oc)] = *avg
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: summary outcomes")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lot_data.conflict_log WHERE NOT resolved`).Scan(&sum.UnresolvedConflicts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary conflicts")
	}

	return sum, nil
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
