// Package audit persists session lifecycle events — state transitions,
// messages sent/received, NOTIFICATIONs, backlog kills — to Postgres in
// batches, implementing session.Notifier so the session engine never
// blocks on a database write. Batching, optional raw-bytes compression,
// and the dedup-on-conflict insert pattern are adapted from this engine's
// reference material's history writer.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/metrics"
	"github.com/route-beacon/bgp-engine/internal/session"
)

// Kind distinguishes the shape of one Event.
type Kind int

const (
	KindStateChange Kind = iota
	KindMessageSent
	KindMessageReceived
	KindNotifySent
	KindNotifyReceived
	KindBacklogKilled
)

// Event is one audited occurrence for one neighbor.
type Event struct {
	Neighbor  string
	Kind      Kind
	At        time.Time
	FromState session.State
	ToState   session.State
	MsgType   uint8
	Code      uint8
	Sub       uint8
	Raw       []byte
	Depth     int
}

// Writer batches Events and flushes them to a session_events table on a
// timer, compressing any raw attached bytes with zstd when configured to.
type Writer struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	batchSize   int
	flushEvery  time.Duration
	storeRaw    bool
	compress    bool
	encoder     *zstd.Encoder
	events      chan Event
	now         func() time.Time
}

// NewWriter constructs a Writer. pool may be nil in which case Events are
// accepted and silently dropped — useful when persist_routes is disabled
// for every neighbor but the Notifier interface still needs a value.
func NewWriter(pool *pgxpool.Pool, batchSize, channelBuffer int, flushEvery time.Duration, storeRaw, compress bool, logger *zap.Logger) (*Writer, error) {
	w := &Writer{
		pool:       pool,
		logger:     logger,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		storeRaw:   storeRaw,
		compress:   compress,
		events:     make(chan Event, channelBuffer),
		now:        time.Now,
	}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		w.encoder = enc
	}
	return w, nil
}

// Run drains the event channel until ctx is canceled, flushing whenever
// batchSize events have accumulated or flushEvery has elapsed, whichever
// comes first.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	var pending []Event
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.flushBatch(ctx, pending); err != nil {
			w.logger.Error("audit flush failed", zap.Error(err), zap.Int("events", len(pending)))
		}
		metrics.BatchSize.WithLabelValues().Observe(float64(len(pending)))
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case ev := <-w.events:
			pending = append(pending, ev)
			if len(pending) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) enqueue(ev Event) {
	if w.pool == nil {
		return
	}
	ev.At = w.now()
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("audit channel full, dropping event", zap.String("neighbor", ev.Neighbor))
	}
}

func (w *Writer) maybeCompress(raw []byte) []byte {
	if !w.storeRaw || raw == nil {
		return nil
	}
	if w.compress && w.encoder != nil {
		return w.encoder.EncodeAll(raw, nil)
	}
	return raw
}

func (w *Writer) flushBatch(ctx context.Context, events []Event) error {
	start := w.now()
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO session_events
				(neighbor, kind, occurred_at, from_state, to_state, msg_type, notify_code, notify_sub, backlog_depth, raw_bytes, raw_compressed)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT DO NOTHING`,
			ev.Neighbor, int(ev.Kind), ev.At, int(ev.FromState), int(ev.ToState),
			nilIfZero(ev.MsgType), nilIfZero(ev.Code), nilIfZero(ev.Sub), nilIfZero(int32(ev.Depth)),
			nilIfEmpty(w.maybeCompress(ev.Raw)), w.compress,
		)
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	results := tx.SendBatch(ctx, batch)

	var affected int64
	for range events {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			tx.Rollback(ctx)
			return err
		}
		affected += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.AuditWriteDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	metrics.AuditRowsAffectedTotal.WithLabelValues("session_events").Add(float64(affected))
	if skipped := int64(len(events)) - affected; skipped > 0 {
		metrics.AuditDedupConflictsTotal.WithLabelValues().Add(float64(skipped))
	}
	return nil
}

func nilIfZero[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// The methods below implement session.Notifier.

func (w *Writer) OnStateChange(peer string, from, to session.State) {
	w.enqueue(Event{Neighbor: peer, Kind: KindStateChange, FromState: from, ToState: to})
}

func (w *Writer) OnMessageSent(peer string, msgType uint8) {
	w.enqueue(Event{Neighbor: peer, Kind: KindMessageSent, MsgType: msgType})
}

func (w *Writer) OnMessageReceived(peer string, msgType uint8) {
	w.enqueue(Event{Neighbor: peer, Kind: KindMessageReceived, MsgType: msgType})
}

func (w *Writer) OnNotifySent(peer string, n *bgperr.Notify) {
	w.enqueue(Event{Neighbor: peer, Kind: KindNotifySent, Code: n.Code, Sub: n.Sub, Raw: n.Data})
}

func (w *Writer) OnNotifyReceived(peer string, n *bgperr.Notify) {
	w.enqueue(Event{Neighbor: peer, Kind: KindNotifyReceived, Code: n.Code, Sub: n.Sub, Raw: n.Data})
}

func (w *Writer) OnBacklogKilled(peer string, depth int) {
	w.enqueue(Event{Neighbor: peer, Kind: KindBacklogKilled, Depth: depth})
}

var _ session.Notifier = (*Writer)(nil)
