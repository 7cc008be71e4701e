// Package capability decodes and encodes the OPEN message's optional
// parameters, all of which (in practice) are CAPABILITIES parameters
// carrying one or more capability TLVs, and negotiates the set actually in
// effect for a session by intersecting what both sides advertised.
package capability

import (
	"encoding/binary"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/nlri"
)

// OPEN optional-parameter types.
const (
	ParamAuthentication uint8 = 1
	ParamCapabilities   uint8 = 2
)

// Capability codes.
const (
	CodeMultiprotocol     uint8 = 1
	CodeRouteRefresh      uint8 = 2
	CodeGracefulRestart   uint8 = 64
	CodeFourByteASN       uint8 = 65
	CodeAddPath           uint8 = 69
	CodeMultisession      uint8 = 68
	CodeMultisessionCisco uint8 = 131
	CodeCiscoRouteRefresh uint8 = 128
	CodeExtendedMessage   uint8 = 6
)

// AddPathDirection is the per-family send/receive flag carried in an
// ADD_PATH capability entry.
type AddPathDirection uint8

const (
	AddPathReceive AddPathDirection = 1
	AddPathSend    AddPathDirection = 2
	AddPathBoth    AddPathDirection = 3
)

// Set is everything this engine understands out of a peer's (or its own)
// advertised capabilities.
type Set struct {
	Families        []nlri.Family
	RouteRefresh    bool
	CiscoRefresh    bool
	FourByteASN     bool
	LocalASN4       uint32 // valid iff FourByteASN
	GracefulRestart bool
	RestartTime     uint16
	RestartFlags    uint8
	Multisession    bool
	ExtendedMessage bool
	AddPath         map[nlri.Family]AddPathDirection
	// Opaque preserves capability codes this engine doesn't interpret, so a
	// caller that needs to echo them back (graceful-restart helpers, some
	// vendor extensions) still has the raw bytes.
	Opaque map[uint8][][]byte
}

// NewSet returns an empty, ready-to-populate Set.
func NewSet() *Set {
	return &Set{AddPath: make(map[nlri.Family]AddPathDirection)}
}

// HasFamily reports whether afi/safi was advertised via MULTIPROTOCOL_EXTENSIONS.
func (s *Set) HasFamily(f nlri.Family) bool {
	for _, have := range s.Families {
		if have == f {
			return true
		}
	}
	return false
}

// DecodeParameters walks an OPEN message's optional-parameters block. Each
// parameter is handled by an outer loop; a CAPABILITIES parameter's payload
// is then handed to decodeCapabilities, an inner loop — matching the
// two-layer parse this engine's reference material uses, since a single
// OPEN can legally carry more than one CAPABILITIES parameter.
func DecodeParameters(data []byte) (*Set, error) {
	s := NewSet()
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, data...)
		}
		paramType := data[0]
		paramLen := int(data[1])
		data = data[2:]
		if len(data) < paramLen {
			return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, data...)
		}
		value := data[:paramLen]
		data = data[paramLen:]

		if paramType != ParamCapabilities {
			if paramType == ParamAuthentication {
				return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubAuthFailure, value...)
			}
			// Any other unrecognized optional-parameter type: not an
			// authentication rejection, just unsupported.
			return nil, bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, value...)
		}
		if err := decodeCapabilities(s, value); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeCapabilities(s *Set, data []byte) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, data...)
		}
		code := data[0]
		length := int(data[1])
		data = data[2:]
		if len(data) < length {
			return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, data...)
		}
		value := data[:length]
		data = data[length:]

		switch code {
		case CodeMultiprotocol:
			if length != 4 {
				return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, value...)
			}
			afi := binary.BigEndian.Uint16(value[0:2])
			safi := value[3]
			s.Families = append(s.Families, nlri.Family{AFI: afi, SAFI: safi})

		case CodeRouteRefresh:
			s.RouteRefresh = true

		case CodeCiscoRouteRefresh:
			s.CiscoRefresh = true

		case CodeFourByteASN:
			if length != 4 {
				return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, value...)
			}
			s.FourByteASN = true
			s.LocalASN4 = binary.BigEndian.Uint32(value)

		case CodeGracefulRestart:
			if length < 2 {
				return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, value...)
			}
			s.GracefulRestart = true
			flagsAndTime := binary.BigEndian.Uint16(value[0:2])
			s.RestartFlags = uint8(flagsAndTime >> 12)
			s.RestartTime = flagsAndTime & 0x0FFF

		case CodeMultisession, CodeMultisessionCisco:
			s.Multisession = true

		case CodeExtendedMessage:
			s.ExtendedMessage = true

		case CodeAddPath:
			if length%4 != 0 {
				return bgperr.NewNotify(bgperr.CodeOpen, bgperr.SubCapability, value...)
			}
			for i := 0; i+4 <= length; i += 4 {
				afi := binary.BigEndian.Uint16(value[i : i+2])
				safi := value[i+2]
				dir := AddPathDirection(value[i+3])
				s.AddPath[nlri.Family{AFI: afi, SAFI: safi}] = dir
			}

		default:
			if s.Opaque == nil {
				s.Opaque = make(map[uint8][][]byte)
			}
			s.Opaque[code] = append(s.Opaque[code], append([]byte(nil), value...))
		}
	}
	return nil
}

// EncodeParameters is the inverse of DecodeParameters: it serializes one
// CAPABILITIES optional parameter carrying every capability this engine
// wants to advertise for the given Set.
func EncodeParameters(s *Set) []byte {
	var caps []byte

	for _, f := range s.Families {
		v := make([]byte, 4)
		binary.BigEndian.PutUint16(v[0:2], f.AFI)
		v[3] = f.SAFI
		caps = append(caps, capTLV(CodeMultiprotocol, v)...)
	}
	if s.RouteRefresh {
		caps = append(caps, capTLV(CodeRouteRefresh, nil)...)
	}
	if s.CiscoRefresh {
		caps = append(caps, capTLV(CodeCiscoRouteRefresh, nil)...)
	}
	if s.FourByteASN {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, s.LocalASN4)
		caps = append(caps, capTLV(CodeFourByteASN, v)...)
	}
	if s.GracefulRestart {
		v := make([]byte, 2)
		binary.BigEndian.PutUint16(v, uint16(s.RestartFlags)<<12|s.RestartTime&0x0FFF)
		caps = append(caps, capTLV(CodeGracefulRestart, v)...)
	}
	if s.ExtendedMessage {
		caps = append(caps, capTLV(CodeExtendedMessage, nil)...)
	}
	if len(s.AddPath) > 0 {
		var v []byte
		for f, dir := range s.AddPath {
			entry := make([]byte, 4)
			binary.BigEndian.PutUint16(entry[0:2], f.AFI)
			entry[2] = f.SAFI
			entry[3] = byte(dir)
			v = append(v, entry...)
		}
		caps = append(caps, capTLV(CodeAddPath, v)...)
	}

	out := []byte{ParamCapabilities, byte(len(caps))}
	return append(out, caps...)
}

func capTLV(code uint8, value []byte) []byte {
	out := []byte{code, byte(len(value))}
	return append(out, value...)
}

// Negotiate intersects the families and feature flags a local Set offered
// with what the peer's Set offered, returning the capability surface this
// engine should actually use for the session: multiprotocol families both
// sides advertised, four-byte ASN only if both sides support it, AddPath
// per family/direction only where both sides agree.
func Negotiate(local, peer *Set) *Set {
	out := NewSet()

	for _, f := range local.Families {
		if peer.HasFamily(f) {
			out.Families = append(out.Families, f)
		}
	}

	out.RouteRefresh = local.RouteRefresh && peer.RouteRefresh
	out.CiscoRefresh = local.CiscoRefresh && peer.CiscoRefresh
	out.FourByteASN = local.FourByteASN && peer.FourByteASN
	out.ExtendedMessage = local.ExtendedMessage && peer.ExtendedMessage
	out.Multisession = local.Multisession && peer.Multisession

	for f, localDir := range local.AddPath {
		peerDir, ok := peer.AddPath[f]
		if !ok {
			continue
		}
		dir := AddPathDirection(0)
		// Local "I can send" matched against peer "I can receive" enables
		// our send; local "I can receive" matched against peer "I can
		// send" enables our receive.
		if localDir&AddPathSend != 0 && peerDir&AddPathReceive != 0 {
			dir |= AddPathSend
		}
		if localDir&AddPathReceive != 0 && peerDir&AddPathSend != 0 {
			dir |= AddPathReceive
		}
		if dir != 0 {
			out.AddPath[f] = dir
		}
	}

	return out
}
