package message

import (
	"encoding/binary"
	"io"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// marker is the all-ones 16-byte prefix every BGP message starts with.
var marker = func() [wire.MarkerLen]byte {
	var m [wire.MarkerLen]byte
	for i := range m {
		m[i] = 0xFF
	}
	return m
}()

// minBodyLen is the smallest legal body length per message type, used to
// reject truncated messages before the type-specific decoder ever sees
// them, matching the header-stage checks in this engine's reference
// material rather than deferring every malformed-length case to the body
// decoders.
var minBodyLen = map[uint8]int{
	wire.MsgOpen:         10,
	wire.MsgUpdate:       4,
	wire.MsgKeepAlive:    0,
	wire.MsgNotification: 2,
}

// ReadHeader reads and validates one 19-byte BGP message header from r,
// returning the message type and the body length that follows. maxSize is
// the negotiated message-size ceiling (wire.DefaultMessageSize unless
// EXTENDED_MESSAGE was negotiated).
func ReadHeader(r io.Reader, maxSize int) (msgType uint8, bodyLen int, err error) {
	var hdr [wire.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}

	if [16]byte(hdr[:16]) != marker {
		return 0, 0, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadMarker)
	}

	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	msgType = hdr[18]

	if length < wire.HeaderLen || length > maxSize {
		return 0, 0, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, hdr[16], hdr[17])
	}
	bodyLen = length - wire.HeaderLen

	min, known := minBodyLen[msgType]
	if !known {
		return 0, 0, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, msgType)
	}
	if bodyLen < min {
		return 0, 0, bgperr.NewNotify(bgperr.CodeHeader, bgperr.SubBadLength, hdr[16], hdr[17])
	}

	return msgType, bodyLen, nil
}

// ReadBody reads exactly bodyLen bytes, the body following a header read by
// ReadHeader.
func ReadBody(r io.Reader, bodyLen int) ([]byte, error) {
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Encode wraps a message body with the 19-byte header for msgType.
func Encode(msgType uint8, body []byte) []byte {
	out := make([]byte, wire.HeaderLen+len(body))
	for i := 0; i < wire.MarkerLen; i++ {
		out[i] = 0xFF
	}
	binary.BigEndian.PutUint16(out[16:18], uint16(wire.HeaderLen+len(body)))
	out[18] = msgType
	copy(out[wire.HeaderLen:], body)
	return out
}
