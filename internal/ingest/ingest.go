// Package ingest performs lossless snapshot capture: content-hash admission,
// row parsing, key extraction, and batched raw/staging inserts.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/monitoring"
	"github.com/gavelworks/lotsync/internal/store"
)

const defaultBatchSize = 5000

// Options configures one ingestion run.
type Options struct {
	// Origin identifies the source of the snapshot (path or URL), recorded
	// on the snapshot row and the run ledger.
	Origin string

	// BatchSize bounds rows per insert batch. Default 5000.
	BatchSize int

	// Encoding is "", "utf-8" or "latin-1". Empty auto-detects.
	Encoding string

	// CapturedAt is the snapshot capture time. Zero means now.
	CapturedAt time.Time
}

// Report summarizes one ingestion run.
type Report struct {
	SnapshotID     string   `json:"snapshot_id"`
	ContentHash    string   `json:"content_hash"`
	Skipped        bool     `json:"skipped"`
	DeclaredRows   int      `json:"declared_rows"`
	RawRows        int64    `json:"raw_rows"`
	StagingRows    int64    `json:"staging_rows"`
	ParseErrors    int64    `json:"parse_errors"`
	MissingKey     int64    `json:"missing_key"`
	MissingVIN     int64    `json:"missing_vin"`
	DuplicateKey   int64    `json:"duplicate_key"`
	ColumnsChanged bool     `json:"columns_changed"`
	Warnings       []string `json:"warnings,omitempty"`
}

// parsedRow is one admitted row flowing from the parser to the batch writer.
type parsedRow struct {
	raw     model.RawRow
	staging *model.StagingRecord // nil when the row has no external lot id or duplicates one
}

// IngestFile reads and ingests a snapshot from a local path.
func IngestFile(ctx context.Context, st store.Store, path string, opts Options) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}
	if opts.Origin == "" {
		opts.Origin = path
	}
	return Ingest(ctx, st, data, opts)
}

// Ingest captures one snapshot. Identical content is detected by hash and
// skipped before any row work. The ingest stage lock is held for the run.
func Ingest(ctx context.Context, st store.Store, data []byte, opts Options) (*Report, error) {
	log := zap.L().With(zap.String("component", "ingest"))
	metrics := monitoring.Engine()

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.CapturedAt.IsZero() {
		opts.CapturedAt = time.Now().UTC()
	}

	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])

	known, err := st.FindSnapshotByHash(ctx, contentHash)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: check content hash")
	}
	if known != nil {
		log.Info("snapshot content already admitted, skipping",
			zap.String("content_hash", contentHash),
			zap.String("snapshot_id", known.ID),
		)
		metrics.IncSnapshotIngested("skipped")
		return &Report{SnapshotID: known.ID, ContentHash: contentHash, Skipped: true}, nil
	}

	release, err := st.AcquireStageLock(ctx, "ingest")
	if err != nil {
		return nil, eris.Wrap(err, "ingest: acquire stage lock")
	}
	defer release()

	runID, err := st.StartRun(ctx, "ingest", opts.Origin)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: start run")
	}

	report, err := run(ctx, st, data, contentHash, opts, log)
	if err != nil {
		metrics.IncSnapshotIngested("failed")
		if failErr := st.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Error("failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}

	stats := &store.RunStats{
		Rows:        report.RawRows,
		ParseErrors: report.ParseErrors,
		MissingKey:  report.MissingKey,
		MissingVIN:  report.MissingVIN,
		Metadata: map[string]any{
			"snapshot_id":   report.SnapshotID,
			"declared_rows": report.DeclaredRows,
			"duplicate_key": report.DuplicateKey,
		},
	}
	if err := st.CompleteRun(ctx, runID, stats); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	metrics.IncSnapshotIngested("admitted")
	metrics.AddRowsAdmitted(report.RawRows)
	metrics.AddParseErrors(report.ParseErrors)
	metrics.AddMissingKeyDrops(report.MissingKey)
	metrics.AddMissingVINRows(report.MissingVIN)

	log.Info("ingestion complete",
		zap.String("snapshot_id", report.SnapshotID),
		zap.Int("declared_rows", report.DeclaredRows),
		zap.Int64("raw_rows", report.RawRows),
		zap.Int64("staging_rows", report.StagingRows),
		zap.Int64("parse_errors", report.ParseErrors),
		zap.Int64("missing_key", report.MissingKey),
		zap.Int64("missing_vin", report.MissingVIN),
	)

	return report, nil
}

func run(ctx context.Context, st store.Store, data []byte, contentHash string, opts Options, log *zap.Logger) (*Report, error) {
	header, rowSource, declared, err := openSnapshot(data, opts.Encoding)
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, eris.New("ingest: snapshot has no header row")
	}

	report := &Report{
		ContentHash:  contentHash,
		DeclaredRows: declared,
	}

	columns := make([]string, 0, len(header))
	for _, col := range header {
		columns = append(columns, strings.TrimSpace(col))
	}
	report.ColumnsChanged = auditColumns(ctx, st, columns, report, log)

	snap := &model.Snapshot{
		ID:           uuid.New().String(),
		ContentHash:  contentHash,
		Origin:       opts.Origin,
		DeclaredRows: declared,
		Columns:      columns,
		CapturedAt:   opts.CapturedAt,
	}
	if err := st.InsertSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "ingest: insert snapshot")
	}
	report.SnapshotID = snap.ID

	colIdx := mapColumns(header)
	rowCh := make(chan parsedRow, 256)

	g, gctx := errgroup.WithContext(ctx)

	// Parser: key extraction and per-row taxonomy. Counters here are read
	// only after Wait.
	g.Go(func() error {
		defer close(rowCh)

		seen := make(map[string]struct{}, declared)
		rowIndex := 0
		for {
			record, err := rowSource()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				report.ParseErrors++
				log.Warn("structural parse error, row skipped",
					zap.Int("row_index", rowIndex),
					zap.Error(err),
				)
				rowIndex++
				continue
			}

			row := parsedRow{raw: model.RawRow{
				SnapshotID: snap.ID,
				RowIndex:   rowIndex,
				Payload:    rowPayload(header, record),
			}}

			lotID := sanitizeUTF8(firstNonEmpty(record, colIdx, lotIDColumns))
			vinRaw := sanitizeUTF8(firstNonEmpty(record, colIdx, vinColumns))

			switch {
			case lotID == "":
				report.MissingKey++
				report.addWarning("row %d dropped: no external lot id", rowIndex)
			default:
				if _, dup := seen[lotID]; dup {
					report.DuplicateKey++
					report.addWarning("row %d dropped: duplicate lot id %s", rowIndex, lotID)
					break
				}
				seen[lotID] = struct{}{}
				if vinRaw == "" {
					report.MissingVIN++
				}
				row.staging = &model.StagingRecord{
					SnapshotID:    snap.ID,
					RowIndex:      rowIndex,
					ExternalLotID: lotID,
					VehicleIDRaw:  vinRaw,
					Payload:       row.raw.Payload,
				}
			}

			select {
			case rowCh <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
			rowIndex++
		}
	})

	// Writer: batched raw and staging inserts.
	g.Go(func() error {
		rawBatch := make([]model.RawRow, 0, opts.BatchSize)
		stagingBatch := make([]model.StagingRecord, 0, opts.BatchSize)

		flush := func() error {
			n, err := st.InsertRawRows(gctx, rawBatch)
			if err != nil {
				return eris.Wrap(err, "ingest: insert raw rows")
			}
			report.RawRows += n
			n, err = st.InsertStagingRecords(gctx, stagingBatch)
			if err != nil {
				return eris.Wrap(err, "ingest: insert staging records")
			}
			report.StagingRows += n
			rawBatch = rawBatch[:0]
			stagingBatch = stagingBatch[:0]
			return nil
		}

		for row := range rowCh {
			rawBatch = append(rawBatch, row.raw)
			if row.staging != nil {
				stagingBatch = append(stagingBatch, *row.staging)
			}
			if len(rawBatch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if report.RawRows == 0 && report.ParseErrors > 0 {
		return nil, eris.Errorf("ingest: total parse failure, %d errors and no admitted rows", report.ParseErrors)
	}

	if err := st.SetSnapshotAdmitted(ctx, snap.ID, int(report.RawRows)); err != nil {
		return nil, eris.Wrap(err, "ingest: set admitted rows")
	}

	return report, nil
}

// openSnapshot detects the snapshot format and returns the header, a row
// iterator, and the declared row count.
func openSnapshot(data []byte, encoding string) ([]string, func() ([]string, error), int, error) {
	if len(data) == 0 {
		return nil, nil, 0, eris.New("ingest: empty snapshot")
	}

	if isXLSX(data) {
		rows, err := readXLSXRows(data)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(rows) == 0 {
			return nil, nil, 0, eris.New("ingest: xlsx has no rows")
		}
		header := rows[0]
		body := rows[1:]
		i := 0
		next := func() ([]string, error) {
			if i >= len(body) {
				return nil, io.EOF
			}
			row := body[i]
			i++
			return row, nil
		}
		return header, next, len(body), nil
	}

	text, err := decodeText(data, encoding)
	if err != nil {
		return nil, nil, 0, err
	}

	reader := csv.NewReader(strings.NewReader(string(text)))
	reader.Comma = sniffDelimiter(text)
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, 0, eris.Wrap(err, "ingest: read header")
	}

	next := func() ([]string, error) {
		record, err := reader.Read()
		if err == nil || errors.Is(err, io.EOF) {
			return record, err
		}
		// Ragged and malformed rows are structural errors for that row only;
		// the reader continues with the next line.
		return nil, err
	}

	return header, next, countDataLines(text), nil
}

// auditColumns compares the incoming column set with the previous snapshot's
// and records a change for audit.
func auditColumns(ctx context.Context, st store.Store, columns []string, report *Report, log *zap.Logger) bool {
	prev, err := st.LatestSnapshots(ctx, 1)
	if err != nil {
		log.Warn("column audit unavailable", zap.Error(err))
		return false
	}
	if len(prev) == 0 || columnsEqual(prev[0].Columns, columns) {
		return false
	}

	log.Warn("column set changed since previous snapshot",
		zap.Int("previous_columns", len(prev[0].Columns)),
		zap.Int("current_columns", len(columns)),
	)
	report.addWarning("column set changed: %d -> %d columns", len(prev[0].Columns), len(columns))
	return true
}

func (r *Report) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
