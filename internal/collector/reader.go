package collector

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/arbor"

	"evlogai/internal/model"
)

const (
	// MessagePlaceholder replaces messages whose text could not be formatted.
	MessagePlaceholder = "Message not available"
	// SourcePlaceholder names the source of an event whose header could not be read.
	SourcePlaceholder  = "Unknown"
	emptyMessage       = "N/A"

	defaultBatchSize     = 64
	defaultMaxMessageLen = 500
)

// RawEvent is one event as read from a channel, before normalization.
type RawEvent struct {
	TimeCreated time.Time
	Provider    string
	EventCode   uint32 // full 32-bit code including qualifiers
	EventType   uint16 // classic event-type code
	Category    uint16
	Message     string
	MessageErr  error
}

// Source opens event log channels.
type Source interface {
	Open(ctx context.Context, channel string, limit int) (Channel, error)
}

// Channel yields batches of events, most recent first. An empty batch means
// the channel is exhausted.
type Channel interface {
	Next(ctx context.Context) ([]RawEvent, error)
	Close() error
}

type Options struct {
	MaxMessageLen int
}

// Reader extracts normalized records from a Source.
type Reader struct {
	src    Source
	opts   Options
	logger arbor.ILogger
}

func NewReader(src Source, opts Options, logger arbor.ILogger) *Reader {
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = defaultMaxMessageLen
	}
	return &Reader{src: src, opts: opts, logger: logger}
}

// Extract returns at most count records from channel, most recent first.
// A channel holding fewer records is not an error.
func (r *Reader) Extract(ctx context.Context, channel string, count int) ([]model.LogRecord, error) {
	if count <= 0 {
		return nil, model.ErrInvalidCount
	}

	ch, err := r.src.Open(ctx, channel, count)
	if err != nil {
		return nil, &model.ChannelError{Channel: channel, Err: err}
	}
	defer func() {
		if err := ch.Close(); err != nil {
			r.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to close event log channel")
		}
	}()

	records := make([]model.LogRecord, 0, min(count, 1024))
	placeholders := 0
	for len(records) < count {
		batch, err := ch.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("read event log %q: %w", channel, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			rec := r.normalize(ev)
			if ev.MessageErr != nil {
				placeholders++
			}
			records = append(records, rec)
			if len(records) >= count {
				break
			}
		}
	}

	r.logger.Debug().
		Str("channel", channel).
		Int("requested", count).
		Int("extracted", len(records)).
		Int("unformatted_messages", placeholders).
		Msg("Event log extracted")
	return records, nil
}

func (r *Reader) normalize(ev RawEvent) model.LogRecord {
	msg := MessagePlaceholder
	if ev.MessageErr == nil {
		msg = strings.TrimSpace(ev.Message)
		if msg == "" {
			msg = emptyMessage
		}
	}
	source := ev.Provider
	if source == "" {
		source = SourcePlaceholder
	}
	return model.LogRecord{
		Timestamp: ev.TimeCreated,
		Source:    source,
		EventID:   uint16(ev.EventCode & 0xFFFF),
		Severity:  model.SeverityFromType(ev.EventType),
		Category:  int(ev.Category),
		Message:   truncate(msg, r.opts.MaxMessageLen),
	}
}

// truncate cuts s to at most limit characters.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// classicType derives the classic event-type code from a level and keyword mask.
func classicType(level uint8, keywords uint64) uint16 {
	const (
		keywordAuditFailure = 0x0010000000000000
		keywordAuditSuccess = 0x0020000000000000
	)
	switch {
	case keywords&keywordAuditSuccess != 0:
		return model.EventTypeAuditSuccess
	case keywords&keywordAuditFailure != 0:
		return model.EventTypeAuditFailure
	}
	switch level {
	case 1, 2:
		return model.EventTypeError
	case 3:
		return model.EventTypeWarning
	case 4, 5:
		return model.EventTypeInformation
	default:
		return 0
	}
}
