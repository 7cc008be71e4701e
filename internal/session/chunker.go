package session

import (
	"time"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/message"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// MaxBacklog is the hard ceiling on pending outbound messages. A peer that
// stops reading its socket can cause this engine to accumulate queued
// messages faster than it can flush them; past this many queued messages the
// session is failed rather than let memory grow unbounded.
const MaxBacklog = 15000

// chunker implements the outbound UPDATE packing rule: consecutive body
// fragments handed to EnqueueFragment are greedily concatenated into one
// UPDATE message body up to cap bytes (message_size - 19), never splitting a
// fragment across two messages. A fragment that alone exceeds cap can never
// be sent and is fatal. Modeled on the original exabgp engine's chunked()
// helper, which packs a generator of byte strings into self.message_size-19
// sized buffers and raises Failure on any oversized item.
//
// Messages that already carry their own framing and type (KEEPALIVE) go
// through EnqueueMessage instead, which flushes any pending fragment buffer
// first so the backlog stays strictly FIFO across message kinds.
type chunker struct {
	cap      int
	pending  []byte
	backlog  [][]byte
	frozenAt time.Time
}

func newChunker() *chunker {
	return &chunker{cap: wire.DefaultMessageSize - wire.HeaderLen}
}

// SetCap updates the per-message body budget once the negotiated message
// size (including the 19-byte header) is known.
func (c *chunker) SetCap(messageSize int) {
	c.cap = messageSize - wire.HeaderLen
}

// Pending returns the number of whole framed messages queued for write, not
// counting a partially-filled fragment buffer that hasn't been flushed yet.
func (c *chunker) Pending() int {
	return len(c.backlog)
}

// EnqueueFragment adds one UPDATE body fragment (withdrawn+attributes+NLRI,
// not yet framed) to the chunker. It packs the fragment into the
// currently-accumulating message if there's room, or flushes that message
// first and starts a new one. A fragment that alone exceeds cap is fatal: it
// could never fit in a single message regardless of what else is queued.
func (c *chunker) EnqueueFragment(frag []byte) error {
	if len(frag) > c.cap {
		return bgperr.NewFailure("outbound UPDATE fragment of %d bytes exceeds the %d-byte message body limit", len(frag), c.cap)
	}
	if len(c.pending)+len(frag) > c.cap {
		c.flushPending()
	}
	c.pending = append(c.pending, frag...)
	return nil
}

// EnqueueMessage adds an already fully-framed message (KEEPALIVE) to the
// backlog, flushing any accumulated fragment buffer first so ordering is
// preserved.
func (c *chunker) EnqueueMessage(framed []byte) {
	c.flushPending()
	c.backlog = append(c.backlog, framed)
}

func (c *chunker) flushPending() {
	if len(c.pending) == 0 {
		return
	}
	c.backlog = append(c.backlog, message.Encode(wire.MsgUpdate, c.pending))
	c.pending = nil
}

// TryDrain flushes any pending fragment buffer, then attempts to write the
// backlog front-to-back using write, which reports whether the message was
// actually sent (false, nil means the underlying connection would have
// blocked — not an error, just not yet). TryDrain stops at the first
// message write can't immediately accept, or the first error.
func (c *chunker) TryDrain(write func([]byte) (bool, error)) error {
	c.flushPending()
	for len(c.backlog) > 0 {
		sent, err := write(c.backlog[0])
		if err != nil {
			return err
		}
		if !sent {
			return nil
		}
		c.backlog = c.backlog[1:]
	}
	return nil
}

// CheckStall enforces the two backlog-kill conditions: too many messages
// queued, or messages queued for longer than the session's negotiated hold
// time without fully draining. It must be called on every tick of the
// engine's main loop once the backlog is non-empty.
func (c *chunker) CheckStall(now time.Time, holdTime time.Duration) error {
	if len(c.backlog) == 0 {
		c.frozenAt = time.Time{}
		return nil
	}
	if c.frozenAt.IsZero() {
		c.frozenAt = now
	}
	if len(c.backlog) > MaxBacklog {
		return bgperr.NewFailure("outbound backlog exceeded %d messages", MaxBacklog)
	}
	if holdTime > 0 && now.Sub(c.frozenAt) > holdTime {
		return bgperr.NewFailure("outbound backlog did not drain within hold time %s", holdTime)
	}
	return nil
}
