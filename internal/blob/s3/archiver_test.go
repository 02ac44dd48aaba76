package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
)

type capturedObject struct {
	path        string
	body        string
	contentType string
}

type fakeWriter struct {
	mu      sync.Mutex
	objects []capturedObject
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects = append(w.objects, capturedObject{path: path, body: buf.String(), contentType: contentType})
	return nil
}

func TestArchiveDayWritesJSONL(t *testing.T) {
	ctx := context.Background()
	perf := memory.NewPerformanceStore()
	audit := memory.NewAuditStore()
	now := time.Now().UTC()

	require.NoError(t, perf.Insert(ctx, domain.TradePerformance{ID: "a", PositionID: "p1", Underlying: "NIFTY", CreatedAt: now}))
	require.NoError(t, perf.Insert(ctx, domain.TradePerformance{ID: "b", PositionID: "p2", Underlying: "SENSEX", CreatedAt: now}))
	require.NoError(t, perf.Insert(ctx, domain.TradePerformance{ID: "old", CreatedAt: now.AddDate(0, 0, -3)}))
	require.NoError(t, audit.Log(ctx, "exit.completed", map[string]any{"position_id": "p1"}))

	w := &fakeWriter{}
	n, err := NewArchiver(w, perf, audit).ArchiveDay(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, w.objects, 2)
	day := now.Format("2006-01-02")
	assert.Equal(t, "archive/performance/"+day+".jsonl", w.objects[0].path)
	assert.Equal(t, "application/x-ndjson", w.objects[0].contentType)
	lines := strings.Split(strings.TrimSpace(w.objects[0].body), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, w.objects[0].body, `"position_id":"p1"`)
	assert.NotContains(t, w.objects[0].body, `"id":"old"`)
	assert.Equal(t, "archive/audit/"+day+".jsonl", w.objects[1].path)

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "archive.day", entries[0].Event)
}

func TestArchiveEmptyDayUploadsNothing(t *testing.T) {
	w := &fakeWriter{}
	n, err := NewArchiver(w, memory.NewPerformanceStore(), memory.NewAuditStore()).
		ArchiveDay(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestObjectKeyAndEndpoint(t *testing.T) {
	c := &Client{prefix: "performance"}
	assert.Equal(t, "performance/archive/x.jsonl", c.ObjectKey("/archive/x.jsonl"))
	assert.Equal(t, "x.json", (&Client{}).ObjectKey("x.json"))

	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://minio.internal", normaliseEndpoint("minio.internal", true))
}
