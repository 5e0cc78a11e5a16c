// Package transcript archives a session's chat history as Parquet.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/session"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/storage"
)

const contentType = "application/vnd.apache.parquet"

var ErrEmptyTranscript = errors.New("chat history is empty")

type EncodeResult struct {
	Data         []byte
	MessageCount int64
	FirstAt      *time.Time
	LastAt       *time.Time
}

type parquetMessage struct {
	Sequence        int64  `parquet:"sequence"`
	SessionID       string `parquet:"session_id"`
	Role            string `parquet:"role"`
	Content         string `parquet:"content"`
	IsSQL           bool   `parquet:"is_sql"`
	Failed          bool   `parquet:"failed"`
	Model           string `parquet:"model"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// Encode writes messages as one Parquet row each, in history order.
func Encode(sessionID, model string, messages []session.Message) (EncodeResult, error) {
	if len(messages) == 0 {
		return EncodeResult{}, ErrEmptyTranscript
	}

	rows := make([]parquetMessage, 0, len(messages))
	var firstAt *time.Time
	var lastAt *time.Time

	for i, msg := range messages {
		rows = append(rows, parquetMessage{
			Sequence:        int64(i + 1),
			SessionID:       sessionID,
			Role:            string(msg.Role),
			Content:         msg.Content,
			IsSQL:           msg.SQL,
			Failed:          msg.Failed,
			Model:           model,
			CreatedAtUnixMs: msg.CreatedAt.UnixMilli(),
		})

		if msg.CreatedAt.IsZero() {
			continue
		}
		at := msg.CreatedAt.UTC()
		if firstAt == nil || at.Before(*firstAt) {
			first := at
			firstAt = &first
		}
		if lastAt == nil || at.After(*lastAt) {
			last := at
			lastAt = &last
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetMessage](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:         buf.Bytes(),
		MessageCount: int64(len(rows)),
		FirstAt:      firstAt,
		LastAt:       lastAt,
	}, nil
}

type Exporter struct {
	Store storage.ObjectStore
	Clock func() time.Time
}

type ExportResult struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	MessageCount int64     `json:"message_count"`
	ExportedAt   time.Time `json:"exported_at"`
}

func (e *Exporter) Export(ctx context.Context, sessionID, model string, messages []session.Message) (ExportResult, error) {
	result, err := e.export(ctx, sessionID, model, messages)
	observability.ObserveTranscriptExport(err)
	return result, err
}

func (e *Exporter) export(ctx context.Context, sessionID, model string, messages []session.Message) (ExportResult, error) {
	if e.Store == nil {
		return ExportResult{}, fmt.Errorf("object store is not configured")
	}
	clock := e.Clock
	if clock == nil {
		clock = time.Now
	}
	exportedAt := clock().UTC()

	encoded, err := Encode(sessionID, model, messages)
	if err != nil {
		return ExportResult{}, err
	}
	key, err := storage.BuildTranscriptPath(sessionID, exportedAt)
	if err != nil {
		return ExportResult{}, err
	}
	info, err := e.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"session-id":    sessionID,
			"message-count": fmt.Sprintf("%d", encoded.MessageCount),
		},
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("upload transcript: %w", err)
	}
	stored, err := e.Store.Stat(ctx, key)
	if err != nil {
		return ExportResult{}, fmt.Errorf("verify transcript upload: %w", err)
	}
	if stored.Size != int64(len(encoded.Data)) {
		return ExportResult{}, fmt.Errorf("verify transcript upload: stored %d bytes, wrote %d", stored.Size, len(encoded.Data))
	}
	return ExportResult{
		Key:          key,
		Size:         stored.Size,
		ETag:         info.ETag,
		MessageCount: encoded.MessageCount,
		ExportedAt:   exportedAt,
	}, nil
}
