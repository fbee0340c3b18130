package stream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		seq, err := store.Append(ctx, "cam-1", nil, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// Sequences are per device.
	seq, err := store.Append(ctx, "cam-2", nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestReadFromSeq(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "cam-1", map[string]any{"i": i}, []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	entries, err := store.Read(ctx, "cam-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, []byte("c"), entries[0].Payload)

	limited, err := store.Read(ctx, "cam-1", 1, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLargePayloadSpillsToBlob(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, WithInlineThreshold(16))
	require.NoError(t, err)

	ctx := context.Background()
	big := bytes.Repeat([]byte("x"), 64)
	seq, err := store.Append(ctx, "cam-1", nil, big)
	require.NoError(t, err)

	// The blob exists on disk under deviceID/seq.
	blob := filepath.Join(dir, "cam-1", "1")
	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	assert.Equal(t, big, data)

	entries, err := store.Read(ctx, "cam-1", seq, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].External)
	assert.Equal(t, big, entries[0].Payload)
	assert.False(t, entries[0].PayloadUnavailable)
}

func TestMissingBlobYieldsPayloadUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, WithInlineThreshold(4))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Append(ctx, "cam-1", nil, []byte("large payload"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "cam-1", "1")))

	entries, err := store.Read(ctx, "cam-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PayloadUnavailable)
	assert.Nil(t, entries[0].Payload)
}

func TestSweepEvictsPastRetention(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	clock := now
	store, err := NewStore(dir,
		WithInlineThreshold(4),
		WithRetention(time.Hour),
		withNowFunc(func() time.Time { return clock }))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Append(ctx, "cam-1", nil, []byte("old and large"))
	require.NoError(t, err)

	clock = now.Add(30 * time.Minute)
	_, err = store.Append(ctx, "cam-1", nil, []byte("new"))
	require.NoError(t, err)

	clock = now.Add(90 * time.Minute)
	assert.Equal(t, 1, store.Sweep(ctx))

	// The evicted entry's blob is gone, the survivor remains readable.
	_, err = os.Stat(filepath.Join(dir, "cam-1", "1"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, uint64(2), store.MinSeq("cam-1"))
	entries, err := store.Read(ctx, "cam-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)
}

func TestSweepCleansOrphanedBlobs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Append(ctx, "cam-1", nil, []byte("keep"))
	require.NoError(t, err)

	// Simulate a partial write: a blob with no committed entry.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cam-1"), 0755))
	orphan := filepath.Join(dir, "cam-1", "0")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0644))

	store.Sweep(ctx)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestTailReceivesNewEntries(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ch, cancel := store.Tail("cam-1")
	defer cancel()

	ctx := context.Background()
	_, err = store.Append(ctx, "cam-1", nil, []byte("one"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "cam-1", nil, []byte("two"))
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
}
