package sinks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-chat-scraper/internal/progress"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/storage/memory"
)

func itemEvent(runID string, n int) progress.Event {
	return progress.Event{
		TaskID: "abc123",
		RunID:  runID,
		TS:     time.Now(),
		Stage:  progress.StageContentItem,
		Item:   &scraper.ChatItem{Author: fmt.Sprintf("user%d", n), Message: "hello"},
	}
}

func decodeItems(t *testing.T, data []byte) []scraper.ChatItem {
	t.Helper()
	var items []scraper.ChatItem
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var item scraper.ChatItem
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		items = append(items, item)
	}
	require.NoError(t, scanner.Err())
	return items
}

// TestArchiveSinkChunksAndFlushesOnTerminal covers size-based and end-of-run flushes.
func TestArchiveSinkChunksAndFlushesOnTerminal(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	sink, err := NewArchiveSink(blobs, ArchiveConfig{MaxItems: 2}, nil)
	require.NoError(t, err)

	runID := uuid.NewString()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		itemEvent(runID, 1),
		itemEvent(runID, 2),
		itemEvent(runID, 3),
	}))
	first := "runs/abc123/" + runID + "/00001.jsonl"
	require.Equal(t, []string{first}, blobs.Paths())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "abc123", RunID: runID, TS: time.Now(), Stage: progress.StageRunDone},
	}))
	second := "runs/abc123/" + runID + "/00002.jsonl"
	require.Equal(t, []string{first, second}, blobs.Paths())

	data, ok := blobs.Get(first)
	require.True(t, ok)
	items := decodeItems(t, data)
	require.Len(t, items, 2)
	assert.Equal(t, "user1", items[0].Author)

	data, ok = blobs.Get(second)
	require.True(t, ok)
	assert.Equal(t, "user3", decodeItems(t, data)[0].Author)
}

// TestArchiveSinkCloseFlushesOpenRuns ensures buffered items survive shutdown.
func TestArchiveSinkCloseFlushesOpenRuns(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	sink, err := NewArchiveSink(blobs, ArchiveConfig{Prefix: "archive"}, nil)
	require.NoError(t, err)

	a, b := uuid.NewString(), uuid.NewString()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{itemEvent(a, 1), itemEvent(b, 2)}))
	assert.Empty(t, blobs.Paths())

	require.NoError(t, sink.Close(context.Background()))
	assert.Len(t, blobs.Paths(), 2)
	require.NoError(t, sink.Close(context.Background()))
	assert.Len(t, blobs.Paths(), 2, "second close writes nothing")
}

// TestArchiveSinkTerminalWithoutItems writes no empty objects.
func TestArchiveSinkTerminalWithoutItems(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	sink, err := NewArchiveSink(blobs, ArchiveConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "abc123", RunID: uuid.NewString(), TS: time.Now(), Stage: progress.StageRunError, Note: "boom"},
	}))
	assert.Empty(t, blobs.Paths())
}

// TestArchiveSinkSurfacesStoreErrors reports blob failures.
func TestArchiveSinkSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	sink, err := NewArchiveSink(failingStore{}, ArchiveConfig{MaxItems: 1}, nil)
	require.NoError(t, err)
	err = sink.Consume(context.Background(), []progress.Event{itemEvent(uuid.NewString(), 1)})
	require.ErrorContains(t, err, "archive runs/abc123/")
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
