// Package archive buffers feedback records and writes them to the object
// store as parquet files.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/storage"
)

const DefaultBatchSize = 500

type Config struct {
	Prefix    string
	BatchSize int
}

type row struct {
	ID              string `parquet:"id"`
	Question        string `parquet:"question"`
	SQL             string `parquet:"sql"`
	CorrectedSQL    string `parquet:"corrected_sql"`
	Outcome         string `parquet:"outcome"`
	Notes           string `parquet:"notes"`
	Attempts        int32  `parquet:"attempts"`
	Level           string `parquet:"level"`
	Tables          string `parquet:"tables"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// Archive is a feedback.Sink. Records are flushed once BatchSize are
// buffered and on Flush.
type Archive struct {
	store     storage.ObjectStore
	prefix    string
	batchSize int
	batchID   string
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	buffered []feedback.Record
	sequence int
}

func New(store storage.ObjectStore, cfg Config, logger *slog.Logger) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{
		store:     store,
		prefix:    strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		batchSize: batchSize,
		batchID:   strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *Archive) Emit(ctx context.Context, record feedback.Record) error {
	a.mu.Lock()
	a.buffered = append(a.buffered, record)
	if len(a.buffered) < a.batchSize {
		a.mu.Unlock()
		return nil
	}
	batch := a.take()
	a.mu.Unlock()
	return a.write(ctx, batch)
}

// Flush writes any buffered records.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.take()
	a.mu.Unlock()
	if len(batch.records) == 0 {
		return nil
	}
	return a.write(ctx, batch)
}

type pending struct {
	records  []feedback.Record
	sequence int
}

// take must be called with mu held.
func (a *Archive) take() pending {
	batch := pending{records: a.buffered, sequence: a.sequence}
	if len(a.buffered) > 0 {
		a.sequence++
	}
	a.buffered = nil
	return batch
}

func (a *Archive) write(ctx context.Context, batch pending) error {
	data, err := EncodeRecords(batch.records)
	if err != nil {
		return err
	}
	key, err := storage.BuildArchivePath(a.prefix, a.now(), a.batchID, batch.sequence)
	if err != nil {
		return err
	}
	info, err := a.store.Put(ctx, key, data, storage.ParquetContentType)
	if err != nil {
		return fmt.Errorf("archive feedback batch: %w", err)
	}
	a.logger.InfoContext(ctx, "feedback batch archived",
		slog.String("key", info.Key),
		slog.Int("records", len(batch.records)),
		slog.Int64("bytes", int64(len(data))),
	)
	return nil
}

// Load reads back every archived batch under prefix in key order, which is
// flush order within one archive.
func Load(ctx context.Context, store storage.ObjectStore, prefix string) ([]feedback.Record, error) {
	objects, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var records []feedback.Record
	for _, object := range objects {
		if !strings.HasSuffix(object.Key, ".parquet") {
			continue
		}
		data, err := store.Read(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		batch, err := DecodeRecords(data)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", object.Key, err)
		}
		records = append(records, batch...)
	}
	return records, nil
}

func EncodeRecords(records []feedback.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}
	rows := make([]row, 0, len(records))
	for _, record := range records {
		rows = append(rows, row{
			ID:              record.ID,
			Question:        record.Question,
			SQL:             record.SQL,
			CorrectedSQL:    record.CorrectedSQL,
			Outcome:         string(record.Outcome),
			Notes:           record.Notes,
			Attempts:        int32(record.Attempts),
			Level:           record.Level,
			Tables:          strings.Join(record.Tables, ","),
			CreatedAtUnixMs: record.CreatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeRecords(data []byte) ([]feedback.Record, error) {
	reader := parquet.NewGenericReader[row](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	records := make([]feedback.Record, 0, n)
	for _, r := range rows[:n] {
		var tables []string
		if r.Tables != "" {
			tables = strings.Split(r.Tables, ",")
		}
		records = append(records, feedback.Record{
			ID:           r.ID,
			Question:     r.Question,
			SQL:          r.SQL,
			CorrectedSQL: r.CorrectedSQL,
			Outcome:      feedback.Outcome(r.Outcome),
			Notes:        r.Notes,
			Attempts:     int(r.Attempts),
			Level:        r.Level,
			Tables:       tables,
			CreatedAt:    time.UnixMilli(r.CreatedAtUnixMs).UTC(),
		})
	}
	return records, nil
}
