package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
	"github.com/sqlpilot/sqlpilot/internal/storage"
)

type memoryStore struct {
	objects map[string][]byte
	keys    []string
	err     error
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte, _ string) (storage.ObjectInfo, error) {
	if m.err != nil {
		return storage.ObjectInfo{}, m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), data...)
	m.keys = append(m.keys, key)
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Read(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for _, key := range m.keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(m.objects[key]))})
		}
	}
	return out, nil
}

func (m *memoryStore) Ping(context.Context) error { return m.err }

func newTestArchive(t *testing.T, store storage.ObjectStore, batchSize int) *Archive {
	t.Helper()
	a, err := New(store, Config{Prefix: "feedback", BatchSize: batchSize}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.batchID = "test"
	a.now = func() time.Time { return time.Date(2026, time.February, 19, 10, 30, 0, 0, time.UTC) }
	return a
}

func TestArchiveFlushesFullBatches(t *testing.T) {
	store := &memoryStore{}
	a := newTestArchive(t, store, 2)
	ctx := context.Background()

	first := feedback.NewRecord("who owns workday", "SELECT owner FROM applications", feedback.OutcomeGenerated)
	first.Tables = []string{"applications", "accounts"}
	second := feedback.NewRecord("count tickets", "SELECT COUNT(*) FROM tickets", feedback.OutcomeGenerated)

	if err := a.Emit(ctx, first); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(store.keys) != 0 {
		t.Fatalf("wrote %d objects before the batch was full", len(store.keys))
	}
	if err := a.Emit(ctx, second); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(store.keys) != 1 {
		t.Fatalf("objects = %d, want 1", len(store.keys))
	}
	if want := "feedback/date=2026-02-19/hour=10/feedback-test-00000.parquet"; store.keys[0] != want {
		t.Fatalf("key = %q, want %q", store.keys[0], want)
	}

	records, err := DecodeRecords(store.objects[store.keys[0]])
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != first.ID || records[1].ID != second.ID {
		t.Fatalf("records = %+v", records)
	}
	if strings.Join(records[0].Tables, ",") != "applications,accounts" {
		t.Fatalf("tables = %v", records[0].Tables)
	}
	if !records[0].CreatedAt.Equal(first.CreatedAt.Truncate(time.Millisecond)) {
		t.Fatalf("created_at = %s, want %s", records[0].CreatedAt, first.CreatedAt)
	}
}

func TestArchiveFlushWritesPartialBatch(t *testing.T) {
	store := &memoryStore{}
	a := newTestArchive(t, store, 10)
	ctx := context.Background()

	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush() on empty archive error = %v", err)
	}
	if len(store.keys) != 0 {
		t.Fatalf("empty flush wrote %d objects", len(store.keys))
	}

	corrected := feedback.NewRecord("q", "SELECT 1", feedback.OutcomeCorrected)
	corrected.CorrectedSQL = "SELECT 2"
	if err := a.Emit(ctx, corrected); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(store.keys) != 1 || !strings.HasSuffix(store.keys[0], "feedback-test-00000.parquet") {
		t.Fatalf("keys = %v", store.keys)
	}
	records, err := DecodeRecords(store.objects[store.keys[0]])
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if records[0].CorrectedSQL != "SELECT 2" || records[0].Outcome != feedback.OutcomeCorrected {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestArchiveReportsStoreErrors(t *testing.T) {
	store := &memoryStore{err: errors.New("bucket unavailable")}
	a := newTestArchive(t, store, 1)
	err := a.Emit(context.Background(), feedback.NewRecord("q", "SELECT 1", feedback.OutcomeGenerated))
	if err == nil || !strings.Contains(err.Error(), "bucket unavailable") {
		t.Fatalf("err = %v", err)
	}
}

func TestEncodeRecordsRequiresRecords(t *testing.T) {
	if _, err := EncodeRecords(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadReadsBatchesInFlushOrder(t *testing.T) {
	store := &memoryStore{}
	a := newTestArchive(t, store, 1)
	ctx := context.Background()

	first := feedback.NewRecord("q1", "SELECT 1", feedback.OutcomeGenerated)
	second := feedback.NewRecord("q2", "SELECT 2", feedback.OutcomeRejected)
	for _, record := range []feedback.Record{first, second} {
		if err := a.Emit(ctx, record); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	store.objects["feedback/_SUCCESS"] = nil
	store.keys = append(store.keys, "feedback/_SUCCESS")

	records, err := Load(ctx, store, "feedback")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != first.ID || records[1].ID != second.ID {
		t.Fatalf("Load() = %+v", records)
	}
	if records[1].Outcome != feedback.OutcomeRejected {
		t.Fatalf("outcome = %q", records[1].Outcome)
	}
}
