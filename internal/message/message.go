// Package message frames and decodes the four BGP message types on a byte
// stream: the fixed 19-byte header, and each type's body. It wires
// attribute and NLRI decoding together for UPDATE but otherwise has no
// session-state awareness — timers, FSM guards, and chunking live in
// internal/session.
package message

import (
	"encoding/binary"

	"github.com/route-beacon/bgp-engine/internal/attribute"
	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/capability"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// Message is the decoded form of any one of the four message types.
type Message struct {
	Type   uint8
	Open   *Open
	Update *Update
	Notify *Notification
	// KeepAlive and body-less message types carry no payload beyond Type.
}

// Open is a decoded OPEN message.
type Open struct {
	Version     uint8
	ASN         uint16 // AS_TRANS (23456) if the real ASN needed FOUR_BYTES_ASN
	HoldTime    uint16
	Identifier  [4]byte
	Capabilities *capability.Set
}

// Update is a decoded UPDATE message: withdrawn/announced NLRI from the
// core fields plus anything carried via MP_REACH_NLRI/MP_UNREACH_NLRI,
// already merged into flat lists by the time this struct exists.
type Update struct {
	Withdrawn []nlri.NLRI
	NLRI      []nlri.NLRI
	Attrs     *attribute.Set // nil if Withdrawn-only and there were no MP attrs
}

// Notification is a decoded NOTIFICATION message.
type Notification struct {
	Code uint8
	Sub  uint8
	Data []byte
}

// DecodeOptions carries the negotiated facts a body decoder needs.
type DecodeOptions struct {
	AS4Capable bool
	AddPath    func(nlri.Family) bool
	Negotiated func(nlri.Family) bool
	Cache      *attribute.MergeCache
}

// DecodeBody dispatches on msgType and decodes the body that follows a
// 19-byte header (body must already have the header stripped).
func DecodeBody(msgType uint8, body []byte, opt DecodeOptions) (Message, error) {
	switch msgType {
	case wire.MsgOpen:
		o, err := decodeOpen(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Open: o}, nil

	case wire.MsgUpdate:
		u, err := decodeUpdate(body, opt)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Update: u}, nil

	case wire.MsgKeepAlive:
		if len(body) != 0 {
			return Message{}, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, body...)
		}
		return Message{Type: msgType}, nil

	case wire.MsgNotification:
		n, err := decodeNotification(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: msgType, Notify: n}, nil

	default:
		return Message{}, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, msgType)
	}
}

func decodeOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadVersion, body...)
	}
	o := &Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
	}
	copy(o.Identifier[:], body[5:9])
	if o.Version != 4 {
		return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadVersion, o.Version)
	}
	if o.Identifier == [4]byte{} {
		return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadIdentifier)
	}
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubBadHoldTime)
	}

	paramLen := int(body[9])
	params := body[10:]
	if len(params) < paramLen {
		return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, params...)
	}
	caps, err := capability.DecodeParameters(params[:paramLen])
	if err != nil {
		return nil, err
	}
	o.Capabilities = caps
	return o, nil
}

// EncodeOpen serializes an OPEN message body (without the 19-byte header).
func EncodeOpen(o *Open) []byte {
	body := make([]byte, 10)
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.ASN)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	copy(body[5:9], o.Identifier[:])

	params := capability.EncodeParameters(o.Capabilities)
	body[9] = byte(len(params))
	return append(body, params...)
}

func decodeUpdate(body []byte, opt DecodeOptions) (*Update, error) {
	if len(body) < 2 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, body...)
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	if len(body) < withdrawnLen {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, body...)
	}
	withdrawnBytes := body[:withdrawnLen]
	body = body[withdrawnLen:]

	if len(body) < 2 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, body...)
	}
	attrLen := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	if len(body) < attrLen {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, body...)
	}
	attrBytes := body[:attrLen]
	nlriBytes := body[attrLen:]

	u := &Update{}

	ipv4Unicast := nlri.Family{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast}
	addPathCore := opt.AddPath != nil && opt.AddPath(ipv4Unicast)
	for len(withdrawnBytes) > 0 {
		n, consumed, err := nlri.Decode(withdrawnBytes, wire.AFIIPv4, wire.SAFIUnicast, addPathCore)
		if err != nil {
			return nil, err
		}
		u.Withdrawn = append(u.Withdrawn, n)
		withdrawnBytes = withdrawnBytes[consumed:]
	}

	if attrLen > 0 {
		attrs, err := attribute.Decode(attrBytes, attribute.DecodeOptions{
			AS4Capable: opt.AS4Capable,
			AddPath:    opt.AddPath,
			Negotiated: opt.Negotiated,
			Cache:      opt.Cache,
		})
		if err != nil {
			return nil, err
		}
		u.Attrs = attrs
		u.Withdrawn = append(u.Withdrawn, attrs.MPUnreachNLRI...)
	}

	for len(nlriBytes) > 0 {
		n, consumed, err := nlri.Decode(nlriBytes, wire.AFIIPv4, wire.SAFIUnicast, addPathCore)
		if err != nil {
			return nil, err
		}
		u.NLRI = append(u.NLRI, n)
		nlriBytes = nlriBytes[consumed:]
	}
	if u.Attrs != nil {
		u.NLRI = append(u.NLRI, u.Attrs.MPReachNLRI...)
	}

	return u, nil
}

// EncodeUpdate serializes an UPDATE message body from already-decoded
// withdrawn/NLRI lists and an attribute set. MP families are not
// re-derived here: callers that built Update.NLRI/Withdrawn from mixed
// families are expected to have already split MP-family routes into the
// attribute set's MPReachNLRI/MPUnreachNLRI before calling this.
func EncodeUpdate(u *Update, as4 bool, addPath bool) []byte {
	var withdrawn []byte
	for _, n := range u.Withdrawn {
		withdrawn = append(withdrawn, nlri.Encode(n, addPath)...)
	}

	var attrs []byte
	if u.Attrs != nil {
		attrs = attribute.Encode(u.Attrs, as4)
	}

	var nlriBytes []byte
	for _, n := range u.NLRI {
		nlriBytes = append(nlriBytes, nlri.Encode(n, addPath)...)
	}

	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(withdrawn)))
	out = append(out, withdrawn...)

	attrLen := make([]byte, 2)
	binary.BigEndian.PutUint16(attrLen, uint16(len(attrs)))
	out = append(out, attrLen...)
	out = append(out, attrs...)
	out = append(out, nlriBytes...)

	return out
}

func decodeNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, body...)
	}
	return &Notification{
		Code: body[0],
		Sub:  body[1],
		Data: append([]byte(nil), body[2:]...),
	}, nil
}

// EncodeNotification serializes a NOTIFICATION message body.
func EncodeNotification(n *Notification) []byte {
	out := []byte{n.Code, n.Sub}
	return append(out, n.Data...)
}
