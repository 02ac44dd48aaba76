package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// multipartThreshold is the payload size above which the archiver switches to
// a multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// multipartPutter is implemented by Writer.
type multipartPutter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver copies a trading day's journal and audit log to object storage as
// JSONL. Rows stay in the primary store.
type Archiver struct {
	writer domain.BlobWriter
	perf   domain.PerformanceStore
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, perf domain.PerformanceStore, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, perf: perf, audit: audit}
}

// ArchiveDay uploads the performance rows and audit entries created on the
// calendar day of day (in day's location) and returns how many records were
// written. Empty days upload nothing.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	opts := domain.ListOpts{Since: &start, Until: &end}

	perf, err := a.perf.List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive performance query: %w", err)
	}
	audit, err := a.audit.List(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}

	written := 0
	if len(perf) > 0 {
		if err := upload(ctx, a.writer, archivePath("performance", start), perf); err != nil {
			return written, err
		}
		written += len(perf)
	}
	if len(audit) > 0 {
		if err := upload(ctx, a.writer, archivePath("audit", start), audit); err != nil {
			return written, err
		}
		written += len(audit)
	}

	if written > 0 {
		if err := a.audit.Log(ctx, "archive.day", map[string]any{
			"day":         start.Format("2006-01-02"),
			"performance": len(perf),
			"audit":       len(audit),
		}); err != nil {
			return written, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return written, nil
}

func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal %s: %w", path, err)
	}

	if mp, ok := w.(multipartPutter); ok && len(buf) > multipartThreshold {
		err = mp.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}
	return nil
}

// archivePath builds the object key for one day's archive file.
//
//	archive/performance/2025-01-14.jsonl
//	archive/audit/2025-01-14.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format("2006-01-02"))
}

// marshalJSONL serialises a slice as newline-delimited JSON, one compact
// record per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
