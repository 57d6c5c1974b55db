package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"txcoord/internal/core/tx"
	"txcoord/pkg/logger"
)

// Event is a message written to the outbox table by the transaction that
// produced it.
type Event struct {
	Topic   string
	Key     string
	Payload any
}

// Compression algorithms stored with each outbox row.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Outbox writes events into the current transaction, so they become visible
// exactly when the business data does. A relay picks them up afterwards.
type Outbox struct {
	adapter *TxAdapter
	table   string

	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
	compressAbove int // bytes; 0 disables compression

	// OnCommitted, if set, runs after a transaction that published events
	// commits. It receives the topics written by that transaction, including
	// events from savepoints that were rolled back.
	OnCommitted func(ctx context.Context, topics []string)
}

// NewOutbox creates an outbox writing to table through adapter's transactions.
// JSON payloads longer than compressAbove bytes are stored zstd-compressed.
func NewOutbox(adapter *TxAdapter, table string, compressAbove int) (*Outbox, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Outbox{
		adapter:       adapter,
		table:         table,
		encoder:       encoder,
		decoder:       decoder,
		compressAbove: compressAbove,
	}, nil
}

// DecodePayload returns the JSON payload of a stored row.
func (o *Outbox) DecodePayload(compression string, data []byte) ([]byte, error) {
	switch compression {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := o.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload compression %q", compression)
	}
}

func (o *Outbox) encodePayload(v any) ([]byte, string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event payload: %w", err)
	}
	if o.compressAbove > 0 && len(payload) > o.compressAbove {
		return o.encoder.EncodeAll(payload, nil), CompressionZstd, nil
	}
	return payload, CompressionNone, nil
}

// Publish writes event within the current transaction.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.PublishBatch(ctx, []Event{event})
}

// PublishBatch writes events within the current transaction in one round trip.
func (o *Outbox) PublishBatch(ctx context.Context, events []Event) error {
	t := o.adapter.GetTx(ctx)
	if t == nil {
		return tx.NewIllegalState("outbox publish requires an active transaction")
	}
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, e := range events {
		query, args, err := o.insert(e, now)
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}

	results := t.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	o.track(ctx, events)
	return nil
}

func (o *Outbox) insert(e Event, now time.Time) (string, []any, error) {
	payload, compression, err := o.encodePayload(e.Payload)
	if err != nil {
		return "", nil, err
	}
	query, args, err := squirrel.Insert(o.table).
		Columns("id", "topic", "key", "payload", "compression", "created_at").
		Values(uuid.New(), e.Topic, e.Key, payload, compression, now).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build outbox insert: %w", err)
	}
	return query, args, nil
}

// track remembers the topics for OnCommitted. One callback is registered per
// transaction; participating scopes share it.
func (o *Outbox) track(ctx context.Context, events []Event) {
	if o.OnCommitted == nil {
		return
	}
	reg := tx.RegistryFrom(ctx)
	if reg == nil || !reg.IsSynchronizationActive() {
		return
	}

	var s *outboxSync
	for _, existing := range reg.Synchronizations() {
		if candidate, ok := existing.(*outboxSync); ok && candidate.outbox == o {
			s = candidate
			break
		}
	}
	if s == nil {
		s = &outboxSync{outbox: o}
		if err := reg.RegisterSynchronization(s); err != nil {
			logger.Warn(ctx, "register outbox synchronization", "error", err)
			return
		}
	}
	for _, e := range events {
		s.topics = append(s.topics, e.Topic)
	}
}

type outboxSync struct {
	tx.SynchronizationFuncs

	outbox *Outbox
	topics []string
}

func (s *outboxSync) AfterCompletion(ctx context.Context, status tx.CompletionStatus) error {
	topics := s.topics
	s.topics = nil
	if status == tx.StatusCommitted && len(topics) > 0 {
		s.outbox.OnCommitted(ctx, topics)
	}
	return nil
}
