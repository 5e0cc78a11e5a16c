package transcript

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/session"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/storage"
)

func testMessages() []session.Message {
	at := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	return []session.Message{
		{Role: session.RoleUser, Content: "how many orders?", CreatedAt: at},
		{Role: session.RoleAssistant, Content: "SELECT count(*) FROM sales.public.orders", SQL: true, CreatedAt: at.Add(2 * time.Second)},
	}
}

func TestEncodeWritesOneRowPerMessage(t *testing.T) {
	result, err := Encode("s-1", "openai:gpt-4.1-mini", testMessages())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if result.MessageCount != 2 || len(result.Data) == 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.FirstAt == nil || result.LastAt == nil || !result.LastAt.After(*result.FirstAt) {
		t.Fatalf("FirstAt/LastAt = %v/%v", result.FirstAt, result.LastAt)
	}

	reader := parquet.NewGenericReader[parquetMessage](bytes.NewReader(result.Data))
	defer func() { _ = reader.Close() }()
	rows := make([]parquetMessage, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].Sequence != 1 || rows[0].Role != "user" || rows[1].Role != "assistant" || !rows[1].IsSQL {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[1].SessionID != "s-1" || rows[1].Model != "openai:gpt-4.1-mini" {
		t.Fatalf("unexpected row metadata: %+v", rows[1])
	}
}

func TestEncodeRejectsEmptyHistory(t *testing.T) {
	if _, err := Encode("s-1", "m", nil); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("Encode() error = %v, want ErrEmptyTranscript", err)
	}
}

func TestExporterUploadsUnderDatePartition(t *testing.T) {
	store := &fakeStore{}
	exporter := &Exporter{
		Store: store,
		Clock: func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) },
	}

	result, err := exporter.Export(context.Background(), "s-1", "openai:gpt-4o-mini", testMessages())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasPrefix(result.Key, "transcripts/date=2026-03-01/s-1-") || !strings.HasSuffix(result.Key, ".parquet") {
		t.Fatalf("Key = %q", result.Key)
	}
	if store.lastKey != result.Key || result.Size != int64(len(store.lastBody)) || result.MessageCount != 2 {
		t.Fatalf("result = %+v, stored key %q size %d", result, store.lastKey, len(store.lastBody))
	}
	if store.lastOpts.ContentType != contentType || store.lastOpts.Metadata["session-id"] != "s-1" {
		t.Fatalf("opts = %+v", store.lastOpts)
	}
}

func TestExporterWrapsUploadError(t *testing.T) {
	exporter := &Exporter{Store: &fakeStore{putErr: errors.New("access denied")}}
	if _, err := exporter.Export(context.Background(), "s-1", "m", testMessages()); err == nil {
		t.Fatal("expected upload error")
	}
}

type fakeStore struct {
	lastKey  string
	lastBody []byte
	lastOpts storage.PutOptions
	putErr   error
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if f.putErr != nil {
		return storage.ObjectInfo{}, f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.lastKey = key
	f.lastBody = data
	f.lastOpts = opts
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), ETag: "etag-1"}, nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	if key != f.lastKey {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(f.lastBody))}, nil
}

func (f *fakeStore) HealthCheck(context.Context) error { return nil }
