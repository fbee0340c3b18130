// Package scan drives the periodic sweep over device streams, turning
// new entries into tasks through the router.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/broker"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/repository"
	"github.com/fleetlink/fleetlink/pkg/stream"
	"github.com/fleetlink/fleetlink/pkg/task"
)

const maxScanConcurrency = 8

// Scanner reads each device's stream past its high-water mark and
// dispatches new entries. Watermarks persist across restarts, so
// delivery is at-least-once; task creation dedups on (deviceId, seq).
type Scanner struct {
	registry   *device.Registry
	streams    *stream.Store
	repo       repository.Repository
	dispatcher *broker.Dispatcher

	interval  time.Duration
	batchSize int
	nowFunc   func() time.Time
}

type Option func(*Scanner)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(s *Scanner) { s.interval = d }
}

// WithBatchSize caps entries handled per device per pass.
func WithBatchSize(n int) Option {
	return func(s *Scanner) { s.batchSize = n }
}

// NewScanner builds the scan loop.
func NewScanner(registry *device.Registry, streams *stream.Store, repo repository.Repository,
	dispatcher *broker.Dispatcher, opts ...Option) *Scanner {
	s := &Scanner{
		registry:   registry,
		streams:    streams,
		repo:       repo,
		dispatcher: dispatcher,
		interval:   30 * time.Second,
		batchSize:  100,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans on the configured interval until ctx is canceled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				slog.Error("scan pass failed", "error", err)
			}
		}
	}
}

// Scan performs one pass over all registered devices concurrently.
func (s *Scanner) Scan(ctx context.Context) error {
	devices := s.registry.List(device.Filter{})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanConcurrency)
	for _, d := range devices {
		deviceID := d.ID
		g.Go(func() error {
			if err := s.scanDevice(ctx, deviceID); err != nil {
				slog.Error("device scan failed", "device", deviceID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// scanDevice dispatches entries past the device's watermark. The
// watermark advances through the contiguous prefix of handled entries;
// a failed entry stops the advance so the next pass retries it.
func (s *Scanner) scanDevice(ctx context.Context, deviceID string) error {
	watermark, err := s.repo.GetWatermark(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	// Retention may have evicted entries past the watermark.
	if min := s.streams.MinSeq(deviceID); watermark+1 < min {
		watermark = min - 1
	}

	entries, err := s.streams.Read(ctx, deviceID, watermark+1, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	handled := watermark
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatch(ctx, entry); err != nil {
			slog.Warn("failed to dispatch stream entry",
				"device", deviceID, "seq", entry.Seq, "error", err)
			break
		}
		handled = entry.Seq
	}

	if handled > watermark {
		if err := s.repo.SetWatermark(ctx, deviceID, handled); err != nil {
			return fmt.Errorf("failed to persist watermark: %w", err)
		}
	}
	return nil
}

// dispatch turns one stream entry into a non-blocking send. Entries
// whose payload is gone are skipped as handled.
func (s *Scanner) dispatch(ctx context.Context, entry stream.Entry) error {
	if entry.PayloadUnavailable {
		slog.Warn("skipping entry with unavailable payload",
			"device", entry.DeviceID, "seq", entry.Seq)
		return nil
	}

	text := entryText(entry)
	if text == "" {
		return nil
	}

	blocking := false
	msg := a2a.Message{
		Kind:  a2a.KindMessage,
		Role:  a2a.MessageRoleUser,
		Parts: []a2a.Part{a2a.TextPart(text)},
		Metadata: map[string]any{
			task.MetaOrigin:   task.OriginScan,
			task.MetaDeviceID: entry.DeviceID,
			task.MetaSeq:      entry.Seq,
		},
	}
	_, err := s.dispatcher.Send(ctx, &a2a.MessageSendParams{
		Message:       msg,
		Configuration: &a2a.MessageSendConfiguration{Blocking: &blocking},
	})
	return err
}

// entryText renders an entry for routing. JSON payloads pass through;
// binary ones are summarized with their metadata.
func entryText(entry stream.Entry) string {
	if len(entry.Payload) == 0 {
		if len(entry.Metadata) == 0 {
			return ""
		}
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	if json.Valid(entry.Payload) || isText(entry.Payload) {
		return string(entry.Payload)
	}
	return fmt.Sprintf("device %s emitted %d bytes of binary data (seq %d, metadata %v)",
		entry.DeviceID, len(entry.Payload), entry.Seq, entry.Metadata)
}

func isText(payload []byte) bool {
	for _, b := range payload {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			return false
		}
	}
	return true
}
