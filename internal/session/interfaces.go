package session

import (
	"context"
	"io"
	"time"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
)

// Connection is the transport collaborator an Engine drives: something
// that looks enough like a net.Conn for one BGP session. internal/netconn
// supplies the live implementation; tests supply an in-memory pipe. The
// engine never type-asserts down to *net.TCPConn, so it is satisfied
// structurally by anything with this shape — no import from this package
// back to internal/netconn is needed.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	RemoteAddr() string
}

// DeltaProducer feeds an established session pre-encoded UPDATE message
// bodies to announce. Next blocks until a fragment is ready, ctx is
// canceled, or the producer is permanently exhausted (io.EOF). The bytes
// returned are a complete UPDATE body (no 19-byte header), already encoded
// by whatever computed the route delta upstream of this engine.
type DeltaProducer interface {
	Next(ctx context.Context) ([]byte, error)
}

// Notifier observes session lifecycle events for audit/metrics purposes.
// Every method must return quickly; the engine calls these synchronously
// from its own goroutine.
type Notifier interface {
	OnStateChange(peer string, from, to State)
	OnMessageSent(peer string, msgType uint8)
	OnMessageReceived(peer string, msgType uint8)
	OnNotifySent(peer string, n *bgperr.Notify)
	OnNotifyReceived(peer string, n *bgperr.Notify)
	OnBacklogKilled(peer string, depth int)
}

// NoopNotifier discards every event. Useful for tests and for a speaker
// run without an audit sink configured.
type NoopNotifier struct{}

func (NoopNotifier) OnStateChange(string, State, State)      {}
func (NoopNotifier) OnMessageSent(string, uint8)             {}
func (NoopNotifier) OnMessageReceived(string, uint8)         {}
func (NoopNotifier) OnNotifySent(string, *bgperr.Notify)     {}
func (NoopNotifier) OnNotifyReceived(string, *bgperr.Notify) {}
func (NoopNotifier) OnBacklogKilled(string, int)             {}
