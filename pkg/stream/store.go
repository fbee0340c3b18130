// Package stream implements the per-device append-only log with hybrid
// inline/external payload storage and time-based retention.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Entry is one durable record appended by a device. Payload is the
// inline content or the loaded external blob; PayloadUnavailable marks
// an entry whose external payload is missing (partial write).
type Entry struct {
	DeviceID           string         `json:"deviceId"`
	Seq                uint64         `json:"seq"`
	Timestamp          time.Time      `json:"timestamp"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Payload            []byte         `json:"payload,omitempty"`
	External           bool           `json:"external,omitempty"`
	Locator            string         `json:"locator,omitempty"`
	PayloadUnavailable bool           `json:"payloadUnavailable,omitempty"`
}

// record is the stored form of an entry. External payloads live on disk
// at Locator; inline payloads are kept with the record.
type record struct {
	seq       uint64
	timestamp time.Time
	metadata  map[string]any
	inline    []byte
	locator   string
}

type deviceLog struct {
	mu      sync.Mutex
	records []record
	nextSeq uint64
	minSeq  uint64
	tails   map[int]chan Entry
	nextTap int
}

// Store is the stream store. Appends are serialized per device; reads
// are concurrent with appends and observe a consistent prefix.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceLog

	inlineThreshold int64
	retention       time.Duration
	blobDir         string
	nowFunc         func() time.Time
}

type Option func(*Store)

// WithInlineThreshold sets the payload size above which payloads are
// written to the blob directory instead of stored inline.
func WithInlineThreshold(bytes int64) Option {
	return func(s *Store) { s.inlineThreshold = bytes }
}

// WithRetention sets the horizon after which entries are evicted.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

func withNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore builds a stream store writing external payloads under blobDir.
func NewStore(blobDir string, opts ...Option) (*Store, error) {
	s := &Store{
		devices:         make(map[string]*deviceLog),
		inlineThreshold: 1 << 20,
		retention:       24 * time.Hour,
		blobDir:         blobDir,
		nowFunc:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return s, nil
}

func (s *Store) log(deviceID string) *deviceLog {
	s.mu.RLock()
	l, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.devices[deviceID]; ok {
		return l
	}
	l = &deviceLog{nextSeq: 1, minSeq: 1, tails: make(map[int]chan Entry)}
	s.devices[deviceID] = l
	return l
}

// Append stores one entry and returns its sequence number. Payloads
// above the inline threshold are written to a blob file keyed by
// (deviceId, seq) before the entry is committed, so a crash between the
// two leaves only an orphaned blob for the sweep to clean.
func (s *Store) Append(ctx context.Context, deviceID string, metadata map[string]any, payload []byte) (uint64, error) {
	if deviceID == "" {
		return 0, fmt.Errorf("device id is required")
	}

	l := s.log(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	rec := record{
		seq:       seq,
		timestamp: s.nowFunc(),
		metadata:  metadata,
	}

	if int64(len(payload)) <= s.inlineThreshold {
		rec.inline = append([]byte(nil), payload...)
	} else {
		locator := s.blobPath(deviceID, seq)
		if err := os.MkdirAll(filepath.Dir(locator), 0755); err != nil {
			return 0, fmt.Errorf("failed to create blob directory: %w", err)
		}
		if err := os.WriteFile(locator, payload, 0644); err != nil {
			return 0, fmt.Errorf("failed to write external payload: %w", err)
		}
		rec.locator = locator
	}

	l.records = append(l.records, rec)
	l.nextSeq++

	entry := s.entryFor(deviceID, rec)
	for _, tail := range l.tails {
		select {
		case tail <- entry:
		default:
			slog.Warn("stream tail buffer full, dropping entry", "device", deviceID, "seq", seq)
		}
	}

	return seq, nil
}

// Read returns up to limit entries with seq >= fromSeq in ascending
// order. Missing external payloads yield PayloadUnavailable entries
// rather than errors.
func (s *Store) Read(ctx context.Context, deviceID string, fromSeq uint64, limit int) ([]Entry, error) {
	l := s.log(deviceID)
	l.mu.Lock()
	records := l.records
	// Binary search for the first record with seq >= fromSeq.
	idx := sort.Search(len(records), func(i int) bool { return records[i].seq >= fromSeq })
	var picked []record
	for i := idx; i < len(records); i++ {
		if limit > 0 && len(picked) >= limit {
			break
		}
		picked = append(picked, records[i])
	}
	l.mu.Unlock()

	out := make([]Entry, 0, len(picked))
	for _, rec := range picked {
		out = append(out, s.entryFor(deviceID, rec))
	}
	return out, nil
}

// entryFor materializes a record, loading its external payload.
func (s *Store) entryFor(deviceID string, rec record) Entry {
	entry := Entry{
		DeviceID:  deviceID,
		Seq:       rec.seq,
		Timestamp: rec.timestamp,
		Metadata:  rec.metadata,
	}
	if rec.locator == "" {
		entry.Payload = rec.inline
		return entry
	}

	entry.External = true
	entry.Locator = rec.locator
	payload, err := os.ReadFile(rec.locator)
	if err != nil {
		entry.PayloadUnavailable = true
		return entry
	}
	entry.Payload = payload
	return entry
}

// Tail subscribes to all subsequent entries of a device. The returned
// cancel function closes the subscription.
func (s *Store) Tail(deviceID string) (<-chan Entry, func()) {
	l := s.log(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextTap
	l.nextTap++
	ch := make(chan Entry, 100)
	l.tails[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if tail, ok := l.tails[id]; ok {
			delete(l.tails, id)
			close(tail)
		}
	}
	return ch, cancel
}

// MinSeq returns the lowest readable sequence number for a device.
// Eviction advances it monotonically.
func (s *Store) MinSeq(deviceID string) uint64 {
	l := s.log(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minSeq
}

// NextSeq returns the sequence number the next append will receive.
func (s *Store) NextSeq(deviceID string) uint64 {
	l := s.log(deviceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// InlineThreshold returns the payload size above which payloads go to
// the blob directory.
func (s *Store) InlineThreshold() int64 {
	return s.inlineThreshold
}

// Sweep evicts entries past the retention horizon and cleans orphaned
// blobs. External payloads are removed before their entries so no
// reader observes a dangling locator. Returns evicted entry count.
func (s *Store) Sweep(ctx context.Context) int {
	cutoff := s.nowFunc().Add(-s.retention)

	s.mu.RLock()
	logs := make(map[string]*deviceLog, len(s.devices))
	for id, l := range s.devices {
		logs[id] = l
	}
	s.mu.RUnlock()

	evicted := 0
	for deviceID, l := range logs {
		l.mu.Lock()
		n := 0
		for n < len(l.records) && l.records[n].timestamp.Before(cutoff) {
			n++
		}
		expired := l.records[:n]

		// Remove blobs first, then drop the entries.
		for _, rec := range expired {
			if rec.locator != "" {
				if err := os.Remove(rec.locator); err != nil && !os.IsNotExist(err) {
					slog.Warn("failed to remove external payload", "device", deviceID, "seq", rec.seq, "error", err)
				}
			}
		}
		if n > 0 {
			l.records = append([]record(nil), l.records[n:]...)
			if len(l.records) > 0 {
				l.minSeq = l.records[0].seq
			} else {
				l.minSeq = l.nextSeq
			}
			evicted += n
		}
		minSeq := l.minSeq
		l.mu.Unlock()

		s.cleanOrphans(deviceID, minSeq)
	}

	if evicted > 0 {
		slog.Debug("stream sweep complete", "evicted", evicted)
	}
	return evicted
}

// cleanOrphans removes blob files below the device's minimum readable
// sequence. Covers both evicted entries and partial writes that never
// committed an entry.
func (s *Store) cleanOrphans(deviceID string, minSeq uint64) {
	dir := filepath.Join(s.blobDir, deviceID)
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		seq, err := strconv.ParseUint(f.Name(), 10, 64)
		if err != nil {
			continue
		}
		if seq < minSeq {
			os.Remove(filepath.Join(dir, f.Name()))
		}
	}
}

// RunSweeper applies retention on an interval until ctx is canceled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Close closes all tail subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.devices {
		l.mu.Lock()
		for id, tail := range l.tails {
			delete(l.tails, id)
			close(tail)
		}
		l.mu.Unlock()
	}
}

func (s *Store) blobPath(deviceID string, seq uint64) string {
	return filepath.Join(s.blobDir, deviceID, strconv.FormatUint(seq, 10))
}
