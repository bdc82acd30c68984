package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/gavelworks/lotsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY between the engine's short transactions.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL UNIQUE,
	origin        TEXT NOT NULL,
	declared_rows INTEGER NOT NULL DEFAULT 0,
	admitted_rows INTEGER NOT NULL DEFAULT 0,
	columns       TEXT,
	captured_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_rows (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	row_index   INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, row_index)
);

CREATE TABLE IF NOT EXISTS staging_records (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id     TEXT NOT NULL REFERENCES snapshots(id),
	row_index       INTEGER NOT NULL,
	external_lot_id TEXT NOT NULL,
	vehicle_id_raw  TEXT,
	payload         TEXT NOT NULL,
	upserted_at     DATETIME,
	UNIQUE (snapshot_id, external_lot_id)
);
CREATE INDEX IF NOT EXISTS idx_staging_pending ON staging_records(upserted_at) WHERE upserted_at IS NULL;

CREATE TABLE IF NOT EXISTS vehicles (
	vin                TEXT PRIMARY KEY,
	vin_raw            TEXT,
	year               INTEGER,
	make               TEXT,
	model              TEXT,
	trim_level         TEXT,
	attributes         TEXT,
	source_revision_at DATETIME,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lots (
	external_lot_id       TEXT PRIMARY KEY,
	vin                   TEXT,
	site                  TEXT,
	city                  TEXT,
	state                 TEXT,
	auction_at            DATETIME,
	current_bid           TEXT,
	status                TEXT,
	on_approval           INTEGER NOT NULL DEFAULT 0,
	outcome               TEXT NOT NULL DEFAULT 'unknown',
	outcome_confidence    REAL NOT NULL DEFAULT 0,
	outcome_determined_at DATETIME,
	outcome_method        TEXT,
	relist_count          INTEGER NOT NULL DEFAULT 0,
	previous_lot_id       TEXT,
	source_revision_at    DATETIME,
	updated_at            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_vin ON lots(vin);
CREATE INDEX IF NOT EXISTS idx_lots_outcome ON lots(outcome);

CREATE TABLE IF NOT EXISTS auction_events (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	event_type       TEXT NOT NULL,
	external_lot_id  TEXT NOT NULL,
	vin              TEXT,
	occurred_at      DATETIME NOT NULL,
	snapshot_id      TEXT NOT NULL,
	prev_snapshot_id TEXT,
	payload          TEXT,
	related_lot_id   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_lot ON auction_events(external_lot_id);
CREATE INDEX IF NOT EXISTS idx_events_related ON auction_events(related_lot_id);

CREATE TABLE IF NOT EXISTS diff_runs (
	prev_snapshot_id TEXT NOT NULL,
	curr_snapshot_id TEXT NOT NULL,
	ran_at           DATETIME NOT NULL,
	appeared         INTEGER NOT NULL DEFAULT 0,
	disappeared      INTEGER NOT NULL DEFAULT 0,
	updated          INTEGER NOT NULL DEFAULT 0,
	relisted         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (prev_snapshot_id, curr_snapshot_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	stage          TEXT NOT NULL,
	ref            TEXT,
	status         TEXT NOT NULL,
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	parse_errors   INTEGER NOT NULL DEFAULT 0,
	missing_key    INTEGER NOT NULL DEFAULT 0,
	missing_vin    INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	metadata       TEXT
);

CREATE TABLE IF NOT EXISTS conflict_log (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	external_lot_id TEXT,
	vin_raw         TEXT,
	vin             TEXT,
	detail          TEXT NOT NULL,
	snapshot_id     TEXT,
	resolved        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_locks (
	stage       TEXT PRIMARY KEY,
	acquired_at DATETIME NOT NULL
);
`

// Migrate applies the schema. Idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- snapshot registry ---

func (s *SQLiteStore) FindSnapshotByHash(ctx context.Context, hash string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at
		 FROM snapshots WHERE content_hash = ?`, hash)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find snapshot by hash")
	}
	return snap, nil
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	cols, err := json.Marshal(snap.Columns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot columns")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ContentHash, snap.Origin, snap.DeclaredRows, snap.AdmittedRows, string(cols), snap.CapturedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "sqlite: insert snapshot")
	}
	return nil
}

func (s *SQLiteStore) SetSnapshotAdmitted(ctx context.Context, snapshotID string, admitted int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET admitted_rows = ? WHERE id = ?`, admitted, snapshotID)
	if err != nil {
		return eris.Wrap(err, "sqlite: set snapshot admitted")
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at
		 FROM snapshots WHERE id = ?`, snapshotID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: snapshot %s not found", snapshotID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshot")
	}
	return snap, nil
}

func (s *SQLiteStore) LatestSnapshots(ctx context.Context, n int) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_hash, origin, declared_rows, admitted_rows, columns, captured_at
		 FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest snapshots")
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var cols sql.NullString
	if err := r.Scan(&snap.ID, &snap.ContentHash, &snap.Origin, &snap.DeclaredRows, &snap.AdmittedRows, &cols, &snap.CapturedAt); err != nil {
		return nil, err
	}
	if cols.Valid && cols.String != "" {
		_ = json.Unmarshal([]byte(cols.String), &snap.Columns)
	}
	return &snap, nil
}

// --- raw capture and staging ---

func (s *SQLiteStore) InsertRawRows(ctx context.Context, rowsIn []model.RawRow) (int64, error) {
	if len(rowsIn) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin raw rows tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_rows (snapshot_id, row_index, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare raw row insert")
	}
	defer stmt.Close()

	var n int64
	for _, rr := range rowsIn {
		payload, err := json.Marshal(rr.Payload)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: marshal raw payload")
		}
		if _, err := stmt.ExecContext(ctx, rr.SnapshotID, rr.RowIndex, string(payload)); err != nil {
			return n, eris.Wrapf(err, "sqlite: insert raw row %d", rr.RowIndex)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit raw rows")
	}
	return n, nil
}

func (s *SQLiteStore) InsertStagingRecords(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin staging tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO staging_records (snapshot_id, row_index, external_lot_id, vehicle_id_raw, payload)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare staging insert")
	}
	defer stmt.Close()

	var n int64
	for _, rec := range recs {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: marshal staging payload")
		}
		if _, err := stmt.ExecContext(ctx, rec.SnapshotID, rec.RowIndex, rec.ExternalLotID, nullStr(rec.VehicleIDRaw), string(payload)); err != nil {
			return n, eris.Wrapf(err, "sqlite: insert staging row %d", rec.RowIndex)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit staging rows")
	}
	return n, nil
}

const stagingSelect = `SELECT id, snapshot_id, row_index, external_lot_id, vehicle_id_raw, payload, upserted_at FROM staging_records`

func (s *SQLiteStore) StagingBySnapshot(ctx context.Context, snapshotID string) ([]model.StagingRecord, error) {
	rows, err := s.db.QueryContext(ctx, stagingSelect+` WHERE snapshot_id = ? ORDER BY row_index`, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: staging by snapshot")
	}
	defer rows.Close()
	return collectStaging(rows)
}

func (s *SQLiteStore) PendingStaging(ctx context.Context, limit int) ([]model.StagingRecord, error) {
	q := stagingSelect + ` WHERE upserted_at IS NULL ORDER BY id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending staging")
	}
	defer rows.Close()
	return collectStaging(rows)
}

func collectStaging(rows *sql.Rows) ([]model.StagingRecord, error) {
	var recs []model.StagingRecord
	for rows.Next() {
		var rec model.StagingRecord
		var vinRaw sql.NullString
		var payload string
		var upserted sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SnapshotID, &rec.RowIndex, &rec.ExternalLotID, &vinRaw, &payload, &upserted); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staging record")
		}
		rec.VehicleIDRaw = vinRaw.String
		if upserted.Valid {
			t := upserted.Time
			rec.UpsertedAt = &t
		}
		_ = json.Unmarshal([]byte(payload), &rec.Payload)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) MarkStagingUpserted(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE staging_records SET upserted_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark staging upserted")
	}
	return nil
}

// --- vehicles / lots ---

func (s *SQLiteStore) GetVehicle(ctx context.Context, vin string) (*model.Vehicle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT vin, vin_raw, year, make, model, trim_level, attributes, source_revision_at, updated_at
		 FROM vehicles WHERE vin = ?`, vin)

	var v model.Vehicle
	var year sql.NullInt64
	var raw, mk, md, tr, attrs sql.NullString
	var revAt sql.NullTime
	err := row.Scan(&v.VIN, &raw, &year, &mk, &md, &tr, &attrs, &revAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get vehicle")
	}
	if year.Valid {
		y := int(year.Int64)
		v.Year = &y
	}
	v.VINRaw = raw.String
	v.Make, v.Model, v.Trim = mk.String, md.String, tr.String
	if attrs.Valid && attrs.String != "" {
		_ = json.Unmarshal([]byte(attrs.String), &v.Attributes)
	}
	if revAt.Valid {
		v.SourceRevisionAt = revAt.Time
	}
	return &v, nil
}

func (s *SQLiteStore) UpsertVehicle(ctx context.Context, v *model.Vehicle) (bool, error) {
	return sqliteUpsertVehicle(ctx, s.db, v)
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx, so the upsert statements can
// run standalone or inside a row transaction.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteUpsertVehicle(ctx context.Context, ex sqlExecer, v *model.Vehicle) (bool, error) {
	var attrs any
	if len(v.Attributes) > 0 {
		b, err := json.Marshal(v.Attributes)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal vehicle attributes")
		}
		attrs = string(b)
	}
	var year any
	if v.Year != nil {
		year = *v.Year
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO vehicles (vin, vin_raw, year, make, model, trim_level, attributes, source_revision_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vin) DO UPDATE SET
			vin_raw = excluded.vin_raw,
			year = excluded.year,
			make = excluded.make,
			model = excluded.model,
			trim_level = excluded.trim_level,
			attributes = excluded.attributes,
			source_revision_at = excluded.source_revision_at,
			updated_at = excluded.updated_at
		WHERE vehicles.source_revision_at IS NULL
		   OR excluded.source_revision_at > vehicles.source_revision_at`,
		v.VIN, nullStr(v.VINRaw), year, nullStr(v.Make), nullStr(v.Model), nullStr(v.Trim), attrs,
		v.SourceRevisionAt.UTC(), v.UpdatedAt.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert vehicle %s", v.VIN)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const lotSelect = `SELECT external_lot_id, vin, site, city, state, auction_at, current_bid, status,
	on_approval, outcome, outcome_confidence, outcome_determined_at, outcome_method,
	relist_count, previous_lot_id, source_revision_at, updated_at FROM lots`

func (s *SQLiteStore) GetLot(ctx context.Context, externalLotID string) (*model.Lot, error) {
	row := s.db.QueryRowContext(ctx, lotSelect+` WHERE external_lot_id = ?`, externalLotID)
	lot, err := scanLot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get lot")
	}
	return lot, nil
}

func scanLot(r rowScanner) (*model.Lot, error) {
	var lot model.Lot
	var vinNS, site, city, state, bid, status, method, prevLot sql.NullString
	var auctionAt, determinedAt, revAt sql.NullTime
	var onApproval int
	err := r.Scan(&lot.ExternalLotID, &vinNS, &site, &city, &state, &auctionAt, &bid, &status,
		&onApproval, &lot.Outcome, &lot.OutcomeConfidence, &determinedAt, &method,
		&lot.RelistCount, &prevLot, &revAt, &lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if vinNS.Valid {
		vin := vinNS.String
		lot.VIN = &vin
	}
	lot.Site, lot.City, lot.State = site.String, city.String, state.String
	if auctionAt.Valid {
		t := auctionAt.Time
		lot.AuctionAt = &t
	}
	if bid.Valid && bid.String != "" {
		d, err := decimal.NewFromString(bid.String)
		if err == nil {
			lot.CurrentBid = &d
		}
	}
	lot.Status = status.String
	lot.OnApproval = onApproval != 0
	if determinedAt.Valid {
		t := determinedAt.Time
		lot.OutcomeDeterminedAt = &t
	}
	lot.OutcomeMethod = method.String
	if prevLot.Valid {
		p := prevLot.String
		lot.PreviousLotID = &p
	}
	if revAt.Valid {
		lot.SourceRevisionAt = revAt.Time
	}
	return &lot, nil
}

func (s *SQLiteStore) UpsertLot(ctx context.Context, lot *model.Lot) (bool, error) {
	return sqliteUpsertLot(ctx, s.db, lot)
}

// UpsertVehicleLot writes a staging row's vehicle and lot in one transaction,
// so a failed lot write never strands the vehicle half of the row. A nil
// vehicle upserts the lot alone.
func (s *SQLiteStore) UpsertVehicleLot(ctx context.Context, v *model.Vehicle, lot *model.Lot) (bool, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, eris.Wrap(err, "sqlite: begin row upsert")
	}
	defer tx.Rollback()

	var vehicleWritten bool
	if v != nil {
		vehicleWritten, err = sqliteUpsertVehicle(ctx, tx, v)
		if err != nil {
			return false, false, err
		}
	}
	lotWritten, err := sqliteUpsertLot(ctx, tx, lot)
	if err != nil {
		return false, false, err
	}
	if err := tx.Commit(); err != nil {
		return false, false, eris.Wrap(err, "sqlite: commit row upsert")
	}
	return vehicleWritten, lotWritten, nil
}

func sqliteUpsertLot(ctx context.Context, ex sqlExecer, lot *model.Lot) (bool, error) {
	var vin any
	if lot.VIN != nil {
		vin = *lot.VIN
	}
	var auctionAt any
	if lot.AuctionAt != nil {
		auctionAt = lot.AuctionAt.UTC()
	}
	var bid any
	if lot.CurrentBid != nil {
		bid = lot.CurrentBid.String()
	}
	outcome := lot.Outcome
	if outcome == "" {
		outcome = model.OutcomeUnknown
	}
	// Source-owned columns only; outcome fields belong to the resolver and
	// relist fields to LinkRelist. A NULL incoming vin never unlinks.
	res, err := ex.ExecContext(ctx, `
		INSERT INTO lots (external_lot_id, vin, site, city, state, auction_at, current_bid, status,
			on_approval, outcome, source_revision_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_lot_id) DO UPDATE SET
			vin = COALESCE(excluded.vin, lots.vin),
			site = excluded.site,
			city = excluded.city,
			state = excluded.state,
			auction_at = excluded.auction_at,
			current_bid = excluded.current_bid,
			status = excluded.status,
			on_approval = excluded.on_approval,
			source_revision_at = excluded.source_revision_at,
			updated_at = excluded.updated_at
		WHERE lots.source_revision_at IS NULL
		   OR excluded.source_revision_at > lots.source_revision_at`,
		lot.ExternalLotID, vin, nullStr(lot.Site), nullStr(lot.City), nullStr(lot.State),
		auctionAt, bid, nullStr(lot.Status), boolInt(lot.OnApproval), string(outcome),
		lot.SourceRevisionAt.UTC(), lot.UpdatedAt.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert lot %s", lot.ExternalLotID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) LotsByVIN(ctx context.Context, vin string) ([]model.Lot, error) {
	rows, err := s.db.QueryContext(ctx, lotSelect+` WHERE vin = ? ORDER BY external_lot_id`, vin)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lots by vin")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lot")
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *SQLiteStore) LinkRelist(ctx context.Context, prevLotID, newLotID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lots SET previous_lot_id = ?, relist_count = relist_count + 1, updated_at = ?
		WHERE external_lot_id = ? AND (previous_lot_id IS NULL OR previous_lot_id <> ?)`,
		prevLotID, at.UTC(), newLotID, prevLotID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link relist %s -> %s", prevLotID, newLotID)
	}
	return nil
}

func (s *SQLiteStore) LotsForOutcome(ctx context.Context, asOf time.Time) ([]model.Lot, error) {
	rows, err := s.db.QueryContext(ctx, lotSelect+`
		WHERE outcome IN ('unknown', 'on_approval')
		  AND (auction_at IS NULL OR auction_at <= ?)
		ORDER BY auction_at IS NULL, auction_at, external_lot_id`, asOf.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lots for outcome")
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lot")
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *SQLiteStore) UpdateLotOutcome(ctx context.Context, externalLotID string, outcome model.Outcome, confidence float64, determinedAt time.Time, method string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lots SET outcome = ?, outcome_confidence = ?, outcome_determined_at = ?, outcome_method = ?
		WHERE external_lot_id = ?`,
		string(outcome), confidence, determinedAt.UTC(), method, externalLotID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update outcome for %s", externalLotID)
	}
	return nil
}

// --- event ledger ---

func (s *SQLiteStore) InsertEvents(ctx context.Context, events []model.AuctionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin events tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO auction_events (id, event_type, external_lot_id, vin, occurred_at, snapshot_id, prev_snapshot_id, payload, related_lot_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare event insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		var vin, related, payload any
		if ev.VIN != nil {
			vin = *ev.VIN
		}
		if ev.RelatedLotID != nil {
			related = *ev.RelatedLotID
		}
		if len(ev.Payload) > 0 {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal event payload")
			}
			payload = string(b)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, string(ev.Type), ev.ExternalLotID, vin,
			ev.OccurredAt.UTC(), ev.SnapshotID, nullStr(ev.PrevSnapshotID), payload, related); err != nil {
			return eris.Wrapf(err, "sqlite: insert event %s", ev.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit events")
	}
	return nil
}

func (s *SQLiteStore) EventsForLot(ctx context.Context, externalLotID string) ([]model.AuctionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, external_lot_id, vin, occurred_at, snapshot_id, prev_snapshot_id, payload, related_lot_id
		FROM auction_events
		WHERE external_lot_id = ? OR related_lot_id = ?
		ORDER BY seq`, externalLotID, externalLotID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: events for lot")
	}
	defer rows.Close()

	var events []model.AuctionEvent
	for rows.Next() {
		var ev model.AuctionEvent
		var vin, prevSnap, payload, related sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ExternalLotID, &vin, &ev.OccurredAt, &ev.SnapshotID, &prevSnap, &payload, &related); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if vin.Valid {
			v := vin.String
			ev.VIN = &v
		}
		ev.PrevSnapshotID = prevSnap.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		if related.Valid {
			r := related.String
			ev.RelatedLotID = &r
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) UnsettledRelists(ctx context.Context) ([]model.AuctionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.event_type, e.external_lot_id, e.vin, e.occurred_at, e.snapshot_id, e.prev_snapshot_id, e.payload, e.related_lot_id
		FROM auction_events e
		JOIN lots l ON l.external_lot_id = e.related_lot_id
		WHERE e.event_type = 'relisted'
		  AND (l.previous_lot_id IS NULL OR l.previous_lot_id <> e.external_lot_id)
		ORDER BY e.seq`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unsettled relists")
	}
	defer rows.Close()

	var events []model.AuctionEvent
	for rows.Next() {
		var ev model.AuctionEvent
		var vin, prevSnap, payload, related sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ExternalLotID, &vin, &ev.OccurredAt, &ev.SnapshotID, &prevSnap, &payload, &related); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan relist event")
		}
		if vin.Valid {
			v := vin.String
			ev.VIN = &v
		}
		ev.PrevSnapshotID = prevSnap.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		if related.Valid {
			r := related.String
			ev.RelatedLotID = &r
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) DiffRunExists(ctx context.Context, prevSnapshotID, currSnapshotID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM diff_runs WHERE prev_snapshot_id = ? AND curr_snapshot_id = ?`,
		prevSnapshotID, currSnapshotID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: diff run exists")
	}
	return true, nil
}

func (s *SQLiteStore) RecordDiffRun(ctx context.Context, prevSnapshotID, currSnapshotID string, counts map[model.EventType]int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO diff_runs (prev_snapshot_id, curr_snapshot_id, ran_at, appeared, disappeared, updated, relisted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (prev_snapshot_id, curr_snapshot_id) DO UPDATE SET
			ran_at = excluded.ran_at,
			appeared = excluded.appeared,
			disappeared = excluded.disappeared,
			updated = excluded.updated,
			relisted = excluded.relisted`,
		prevSnapshotID, currSnapshotID, time.Now().UTC(),
		counts[model.EventAppeared], counts[model.EventDisappeared],
		counts[model.EventUpdated], counts[model.EventRelisted])
	if err != nil {
		return eris.Wrap(err, "sqlite: record diff run")
	}
	return nil
}

// --- run ledger ---

func (s *SQLiteStore) StartRun(ctx context.Context, stage, ref string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, stage, ref, status, started_at) VALUES (?, ?, ?, 'running', ?)`,
		id, stage, nullStr(ref), time.Now().UTC())
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start %s run", stage)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats *RunStats) error {
	if stats == nil {
		stats = &RunStats{}
	}
	var meta any
	if len(stats.Metadata) > 0 {
		b, err := json.Marshal(stats.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metadata")
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'complete', completed_at = ?, rows_processed = ?,
			parse_errors = ?, missing_key = ?, missing_vin = ?, metadata = ?
		WHERE id = ?`,
		time.Now().UTC(), stats.Rows, stats.ParseErrors, stats.MissingKey, stats.MissingVIN, meta, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), errMsg, runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return nil
}

// --- conflict log ---

func (s *SQLiteStore) InsertConflict(ctx context.Context, c *model.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, kind, external_lot_id, vin_raw, vin, detail, snapshot_id, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), nullStr(c.ExternalLotID), nullStr(c.VINRaw), nullStr(c.VIN),
		c.Detail, nullStr(c.SnapshotID), boolInt(c.Resolved), c.CreatedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "sqlite: insert conflict")
	}
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, onlyUnresolved bool, limit int) ([]model.Conflict, error) {
	q := `SELECT id, kind, external_lot_id, vin_raw, vin, detail, snapshot_id, resolved, created_at FROM conflict_log`
	if onlyUnresolved {
		q += ` WHERE resolved = 0`
	}
	q += ` ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var lotID, vinRaw, vinNorm, snapID sql.NullString
		var resolved int
		if err := rows.Scan(&c.ID, &c.Kind, &lotID, &vinRaw, &vinNorm, &c.Detail, &snapID, &resolved, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		c.ExternalLotID, c.VINRaw, c.VIN, c.SnapshotID = lotID.String, vinRaw.String, vinNorm.String, snapID.String
		c.Resolved = resolved != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conflict_log SET resolved = 1 WHERE id = ?`, conflictID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve conflict %s", conflictID)
	}
	return nil
}

// --- stage locks ---

// stageLockTTL bounds how long a crashed run can hold a stage lock.
const stageLockTTL = 6 * time.Hour

func (s *SQLiteStore) AcquireStageLock(ctx context.Context, stage string) (func(), error) {
	// Clear a stale lock left by a crashed run before trying.
	cutoff := time.Now().UTC().Add(-stageLockTTL)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_locks WHERE stage = ? AND acquired_at < ?`, stage, cutoff); err != nil {
		return nil, eris.Wrap(err, "sqlite: clear stale lock")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_locks (stage, acquired_at) VALUES (?, ?) ON CONFLICT (stage) DO NOTHING`,
		stage, time.Now().UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: acquire %s lock", stage)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrLockHeld
	}

	release := func() {
		_, _ = s.db.Exec(`DELETE FROM stage_locks WHERE stage = ?`, stage)
	}
	return release, nil
}

// --- monitoring ---

func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		EventCounts:    make(map[model.EventType]int64),
		OutcomeCounts:  make(map[model.Outcome]int64),
		MeanConfidence: make(map[model.Outcome]float64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&sum.Snapshots); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary snapshots")
	}
	// Plain column scan: MAX() would lose the DATETIME decltype and come
	// back as a string.
	var lastCaptured time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT captured_at FROM snapshots ORDER BY captured_at DESC LIMIT 1`).Scan(&lastCaptured)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: summary last captured")
	default:
		sum.LastCapturedAt = &lastCaptured
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_rows`).Scan(&sum.RawRows); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary raw rows")
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN upserted_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN vehicle_id_raw IS NULL OR vehicle_id_raw = '' THEN 1 ELSE 0 END), 0)
		FROM staging_records`).Scan(&sum.StagingRows, &sum.StagingPending, &sum.StagingNoVIN)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary staging")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicles`).Scan(&sum.Vehicles); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary vehicles")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots`).Scan(&sum.Lots); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary lots")
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(parse_errors), 0), COALESCE(SUM(missing_key), 0) FROM runs WHERE stage = 'ingest'`).
		Scan(&sum.ParseErrors, &sum.MissingKeyDrops)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary runs")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM auction_events GROUP BY event_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary events")
	}
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan event count")
		}
		sum.EventCounts[model.EventType(et)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary events")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), AVG(outcome_confidence) FROM lots GROUP BY outcome`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary outcomes")
	}
	for rows.Next() {
		var oc string
		var n int64
		var avg sql.NullFloat64
		if err := rows.Scan(&oc, &n, &avg); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan outcome count")
		}
		sum.OutcomeCounts[model.Outcome(oc)] = n
		sum.MeanConfidence[model.Outcome(oc)] = avg.Float64
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: summary outcomes")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflict_log WHERE resolved = 0`).Scan(&sum.UnresolvedConflicts)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary conflicts")
	}

	return sum, nil
}

// --- helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
