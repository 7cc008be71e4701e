// Package session drives one BGP peer connection through its FSM: OPEN
// exchange, capability negotiation, the KEEPALIVE/hold-timer cadence, and
// an outbound chunker/backlog that absorbs a slow reader without stalling
// the event loop. It knows nothing about TCP, Kafka, or Postgres — those
// arrive through the Connection, DeltaProducer, and Notifier interfaces
// this package defines, so internal/netconn, internal/deltafeed, and
// internal/audit can each be swapped or mocked independently.
package session

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-engine/internal/attribute"
	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/capability"
	"github.com/route-beacon/bgp-engine/internal/message"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// Config is everything an Engine needs to know before it can speak: the
// local identity to offer in OPEN, and the peer identity (if any) to
// enforce once OPEN arrives.
type Config struct {
	LocalASN    uint32
	LocalID     [4]byte
	PeerASN     uint32 // 0 means accept whatever the peer declares
	HoldTime    time.Duration
	Families    []nlri.Family
	RouteRefresh bool
	FourByteASN bool
	AddPath     map[nlri.Family]capability.AddPathDirection
	MessageSize int
}

// Engine drives one connection's FSM from OpenSent through Established (or
// failure) and back to Idle. One Engine is used for exactly one connection
// attempt; a supervising loop (cmd/bgpd) constructs a fresh Engine per
// retry.
type Engine struct {
	cfg      Config
	conn     Connection
	notifier Notifier
	deltas   DeltaProducer
	log      *zap.Logger

	state      State
	peerOpen   *message.Open
	negotiated *capability.Set
	holdTime   time.Duration
	mergeCache *attribute.MergeCache
	chunk      *chunker
}

// NewEngine constructs an Engine for one connection. notifier may be
// NoopNotifier{}; deltas may be nil if this session only needs to receive.
func NewEngine(cfg Config, conn Connection, notifier Notifier, deltas DeltaProducer, log *zap.Logger) *Engine {
	if cfg.MessageSize == 0 {
		cfg.MessageSize = wire.DefaultMessageSize
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Engine{
		cfg:        cfg,
		conn:       conn,
		notifier:   notifier,
		deltas:     deltas,
		log:        log.Named("session"),
		state:      Idle,
		mergeCache: attribute.NewMergeCache(),
		chunk:      newChunker(),
	}
}

// State returns the engine's current FSM state. Safe to call from another
// goroutine for status reporting; the engine itself is single-goroutine.
func (e *Engine) State() State { return e.state }

func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	e.log.Info("state transition", zap.String("peer", e.conn.RemoteAddr()), zap.Stringer("from", e.state), zap.Stringer("to", s))
	e.notifier.OnStateChange(e.conn.RemoteAddr(), e.state, s)
	e.state = s
}

// Run executes one full connection lifecycle: OPEN exchange, KEEPALIVE
// confirm, then the Established message loop, until ctx is canceled or a
// Notify/Failure ends the session. It always returns a non-nil error once
// the connection is no longer usable — context.Canceled for a clean
// operator-requested shutdown, a *bgperr.Notify or *bgperr.Failure
// otherwise.
func (e *Engine) Run(ctx context.Context) error {
	defer e.conn.Close()

	if err := e.openExchange(ctx); err != nil {
		e.fail(err)
		return err
	}
	if err := e.confirmExchange(ctx); err != nil {
		e.fail(err)
		return err
	}

	e.setState(Established)
	e.chunk.SetCap(e.messageSize())
	if err := e.enqueueEndOfRIB(); err != nil {
		e.fail(err)
		return err
	}

	err := e.loop(ctx)
	e.fail(err)
	return err
}

// fail sends a NOTIFICATION if err is a *bgperr.Notify, logs either way,
// and reports the event to the notifier. It never itself changes err.
func (e *Engine) fail(err error) {
	if err == nil {
		return
	}
	peer := e.conn.RemoteAddr()
	var n *bgperr.Notify
	if errors.As(err, &n) {
		e.notifier.OnNotifySent(peer, n)
		body := message.EncodeNotification(&message.Notification{Code: n.Code, Sub: n.Sub, Data: n.Data})
		_ = e.writeDirect(message.Encode(wire.MsgNotification, body))
		e.log.Warn("session ended with notification", zap.String("peer", peer), zap.Uint8("code", n.Code), zap.Uint8("sub", n.Sub))
	} else if !errors.Is(err, context.Canceled) {
		e.log.Warn("session ended", zap.String("peer", peer), zap.Error(err))
	}
	e.setState(Idle)
}

func (e *Engine) localOpen() *message.Open {
	asn := uint16(wire.ASTrans)
	if e.cfg.LocalASN <= 0xFFFF {
		asn = uint16(e.cfg.LocalASN)
	}
	caps := capability.NewSet()
	caps.Families = e.cfg.Families
	caps.RouteRefresh = e.cfg.RouteRefresh
	caps.FourByteASN = e.cfg.FourByteASN
	caps.LocalASN4 = e.cfg.LocalASN
	for f, dir := range e.cfg.AddPath {
		caps.AddPath[f] = dir
	}
	return &message.Open{
		Version:      4,
		ASN:          asn,
		HoldTime:     uint16(e.cfg.HoldTime / time.Second),
		Identifier:   e.cfg.LocalID,
		Capabilities: caps,
	}
}

func (e *Engine) openExchange(ctx context.Context) error {
	e.setState(Connect)
	if err := e.writeDirect(message.Encode(wire.MsgOpen, message.EncodeOpen(e.localOpen()))); err != nil {
		return bgperr.NewFailure("writing OPEN: %v", err)
	}
	e.notifier.OnMessageSent(e.conn.RemoteAddr(), wire.MsgOpen)
	e.setState(OpenSent)

	deadline := e.cfg.HoldTime
	if deadline <= 0 {
		deadline = 4 * time.Minute
	}
	msg, err := e.readOne(ctx, deadline)
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgOpen {
		return bgperr.NewNotify(bgperr.CodeFSM, bgperr.SubFSMWantOpen)
	}
	e.notifier.OnMessageReceived(e.conn.RemoteAddr(), wire.MsgOpen)

	peer := msg.Open
	declared := uint32(peer.ASN)
	if peer.Capabilities.FourByteASN {
		declared = peer.Capabilities.LocalASN4
	}
	if e.cfg.PeerASN != 0 && declared != e.cfg.PeerASN {
		return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadPeerAS)
	}
	// iBGP identifier collision: only an error when the peer is in our own
	// AS and happens to advertise our own router-id.
	if peer.Identifier == e.cfg.LocalID && declared == e.cfg.LocalASN {
		return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadIdentifier)
	}

	e.peerOpen = peer
	e.holdTime = negotiateHoldTime(e.cfg.HoldTime, time.Duration(peer.HoldTime)*time.Second)
	e.negotiated = capability.Negotiate(e.localOpen().Capabilities, peer.Capabilities)
	return nil
}

func negotiateHoldTime(local, peer time.Duration) time.Duration {
	if local == 0 || peer == 0 {
		return 0
	}
	if peer < local {
		return peer
	}
	return local
}

func (e *Engine) confirmExchange(ctx context.Context) error {
	if err := e.writeDirect(message.Encode(wire.MsgKeepAlive, nil)); err != nil {
		return bgperr.NewFailure("writing KEEPALIVE: %v", err)
	}
	e.notifier.OnMessageSent(e.conn.RemoteAddr(), wire.MsgKeepAlive)
	e.setState(OpenConfirm)

	deadline := e.holdTime
	if deadline <= 0 {
		deadline = 4 * time.Minute
	}
	msg, err := e.readOne(ctx, deadline)
	if err != nil {
		return err
	}
	switch msg.Type {
	case wire.MsgKeepAlive:
		e.notifier.OnMessageReceived(e.conn.RemoteAddr(), wire.MsgKeepAlive)
		return nil
	case wire.MsgNotification:
		e.notifier.OnNotifyReceived(e.conn.RemoteAddr(), bgperr.NewNotify(msg.Notify.Code, msg.Notify.Sub, msg.Notify.Data...))
		return bgperr.NewFailure("peer sent NOTIFICATION %d/%d during open-confirm", msg.Notify.Code, msg.Notify.Sub)
	default:
		return bgperr.NewNotify(bgperr.CodeFSM, bgperr.SubFSMWantKA)
	}
}

// enqueueEndOfRIB queues one End-of-RIB marker per negotiated family: a
// bare UPDATE for IPv4 unicast, an empty MP_UNREACH_NLRI otherwise. Each
// marker is handed to the chunker as an unframed fragment like any other
// outbound UPDATE body, so it packs alongside real deltas rather than
// always costing its own message.
func (e *Engine) enqueueEndOfRIB() error {
	for _, f := range e.negotiated.Families {
		var body []byte
		if f.AFI == wire.AFIIPv4 && f.SAFI == wire.SAFIUnicast {
			body = message.EncodeUpdate(&message.Update{}, e.negotiated.FourByteASN, false)
		} else {
			body = eorBody(f)
		}
		if err := e.chunk.EnqueueFragment(body); err != nil {
			return err
		}
	}
	return nil
}

func eorBody(f nlri.Family) []byte {
	value := make([]byte, 3)
	value[0] = byte(f.AFI >> 8)
	value[1] = byte(f.AFI)
	value[2] = f.SAFI
	tlv := append([]byte{attribute.FlagOptional, attribute.TypeMPUnreachNLRI, byte(len(value))}, value...)
	out := make([]byte, 4)
	out[2] = byte(len(tlv) >> 8)
	out[3] = byte(len(tlv))
	return append(out, tlv...)
}

// readOne blocks for the next decoded message, failing if none arrives
// within timeout (0 disables the deadline).
func (e *Engine) readOne(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if timeout > 0 {
		if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return message.Message{}, bgperr.NewFailure("setting read deadline: %v", err)
		}
	}
	msgType, bodyLen, err := message.ReadHeader(e.conn, e.messageSize())
	if err != nil {
		var n *bgperr.Notify
		if errors.As(err, &n) {
			return message.Message{}, n
		}
		if isTimeout(err) {
			return message.Message{}, bgperr.NewNotify(bgperr.CodeHoldExpired, bgperr.SubHoldExpired)
		}
		return message.Message{}, bgperr.NewFailure("reading header: %v", err)
	}
	body, err := message.ReadBody(e.conn, bodyLen)
	if err != nil {
		return message.Message{}, bgperr.NewFailure("reading body: %v", err)
	}
	msg, err := message.DecodeBody(msgType, body, e.decodeOptions())
	if err != nil {
		return message.Message{}, err
	}
	if msg.Type == wire.MsgNotification {
		e.notifier.OnNotifyReceived(e.conn.RemoteAddr(), bgperr.NewNotify(msg.Notify.Code, msg.Notify.Sub, msg.Notify.Data...))
	}
	return msg, nil
}

func (e *Engine) decodeOptions() message.DecodeOptions {
	as4 := e.negotiated != nil && e.negotiated.FourByteASN
	var addPath func(nlri.Family) bool
	var negotiated func(nlri.Family) bool
	if e.negotiated != nil {
		addPath = func(f nlri.Family) bool {
			dir, ok := e.negotiated.AddPath[f]
			return ok && dir&capability.AddPathReceive != 0
		}
		negotiated = func(f nlri.Family) bool {
			for _, nf := range e.negotiated.Families {
				if nf == f {
					return true
				}
			}
			return false
		}
	}
	return message.DecodeOptions{AS4Capable: as4, AddPath: addPath, Negotiated: negotiated, Cache: e.mergeCache}
}

func (e *Engine) messageSize() int {
	if e.negotiated != nil && e.negotiated.ExtendedMessage {
		return 65535
	}
	return wire.DefaultMessageSize
}

// loop is the Established-state event loop: read inbound messages,
// enforce the hold timer, send KEEPALIVEs on cadence, and drain the
// outbound chunker/backlog.
func (e *Engine) loop(ctx context.Context) error {
	frameCh := make(chan message.Message, 1)
	errCh := make(chan error, 1)
	go e.readPump(ctx, frameCh, errCh)

	keepaliveEvery := e.holdTime / 3
	if keepaliveEvery <= 0 {
		keepaliveEvery = 30 * time.Second
	}
	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()
	drain := time.NewTicker(50 * time.Millisecond)
	defer drain.Stop()

	lastRecv := time.Now()

	var deltaCh chan []byte
	var deltaErrCh chan error
	if e.deltas != nil {
		deltaCh = make(chan []byte, 1)
		deltaErrCh = make(chan error, 1)
		go e.deltaPump(ctx, deltaCh, deltaErrCh)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errCh:
			return err

		case msg := <-frameCh:
			lastRecv = time.Now()
			e.notifier.OnMessageReceived(e.conn.RemoteAddr(), msg.Type)
			if err := e.handleMessage(msg); err != nil {
				return err
			}

		case frag, ok := <-deltaCh:
			if !ok {
				deltaCh = nil
				continue
			}
			if err := e.chunk.EnqueueFragment(frag); err != nil {
				return err
			}

		case err := <-deltaErrCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn("delta feed ended", zap.Error(err))
			}
			deltaCh, deltaErrCh = nil, nil

		case <-keepalive.C:
			e.chunk.EnqueueMessage(message.Encode(wire.MsgKeepAlive, nil))

		case <-drain.C:
			if e.holdTime > 0 && time.Since(lastRecv) > e.holdTime {
				return bgperr.NewNotify(bgperr.CodeHoldExpired, bgperr.SubHoldExpired)
			}
			if err := e.chunk.CheckStall(time.Now(), e.holdTime); err != nil {
				e.notifier.OnBacklogKilled(e.conn.RemoteAddr(), e.chunk.Pending())
				return err
			}
			if err := e.chunk.TryDrain(e.attemptWrite); err != nil {
				return bgperr.NewFailure("draining backlog: %v", err)
			}
		}
	}
}

func (e *Engine) handleMessage(msg message.Message) error {
	switch msg.Type {
	case wire.MsgKeepAlive:
		return nil
	case wire.MsgUpdate:
		return nil // decoded for validation; routing disposition is out of this engine's scope
	case wire.MsgNotification:
		return bgperr.NewFailure("peer sent NOTIFICATION %d/%d", msg.Notify.Code, msg.Notify.Sub)
	default:
		return bgperr.NewNotify(bgperr.CodeFSM, bgperr.SubFSMWantKA)
	}
}

func (e *Engine) readPump(ctx context.Context, frameCh chan<- message.Message, errCh chan<- error) {
	for {
		msg, err := e.readOne(ctx, e.holdTime)
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case frameCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) deltaPump(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		frag, err := e.deltas.Next(ctx)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case out <- frag:
		case <-ctx.Done():
			return
		}
	}
}

// writeDirect writes a message unconditionally, blocking until it's sent
// or the connection errors. Used for the OPEN/KEEPALIVE handshake, where
// nothing is queued yet, and by fail for the closing NOTIFICATION, which
// bypasses any queued backlog.
func (e *Engine) writeDirect(framed []byte) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err := e.conn.Write(framed)
	return err
}

// attemptWrite is the chunker's write callback: it gives the connection a
// short window to accept the message and reports false (not an error) if
// that window elapses, so a slow reader degrades into backlog growth
// instead of stalling the whole event loop.
func (e *Engine) attemptWrite(framed []byte) (bool, error) {
	_ = e.conn.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := e.conn.Write(framed)
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, err
}

// TimeToHoldExpiry reports how much of the negotiated hold time remains,
// mirroring this engine's reference material's pollable hold-timer check
// rather than only surfacing expiry as a side effect.
func (e *Engine) TimeToHoldExpiry(lastRecv time.Time) time.Duration {
	if e.holdTime <= 0 {
		return -1
	}
	remaining := e.holdTime - time.Since(lastRecv)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
