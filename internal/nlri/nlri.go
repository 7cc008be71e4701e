// Package nlri decodes and encodes a single prefix from a BGP NLRI byte
// stream, optionally preceded by an AddPath identifier and followed (for
// labeled/VPN SAFIs) by an MPLS label stack and a route distinguisher.
package nlri

import (
	"encoding/binary"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// Family identifies one negotiated (AFI, SAFI) pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

// WithdrawLabel is the standards-correct bottom-of-stack marker for a
// withdrawn or next-hop-only label (RFC 3107 with BoS set). The source this
// engine was distilled from compares against 0x80000 (five hex digits, one
// nibble short of the real marker) — almost certainly a transcription typo.
// This engine uses the correct 24-bit value; see DESIGN.md.
const WithdrawLabel = 0x800000

// HasLabels reports whether SAFI carries an MPLS label stack before the
// prefix bits.
func HasLabels(safi uint8) bool {
	return safi == wire.SAFIMPLSLabeledUnicast || safi == wire.SAFIMPLSVPN
}

// HasRD reports whether SAFI carries an 8-byte route distinguisher.
func HasRD(safi uint8) bool {
	return safi == wire.SAFIMPLSVPN
}

// NLRI is one decoded prefix.
type NLRI struct {
	AFI                uint16
	SAFI               uint8
	Prefix             []byte // zero-padded to wire.Width(AFI)
	MaskLength          int
	PathID             *uint32 // AddPath identifier, nil if not negotiated
	Labels             []uint32 // 20-bit labels, high bits of each 3-byte entry
	RouteDistinguisher []byte   // 8 bytes, nil if SAFI has no RD
}

// Decode reads one NLRI from data, returning the NLRI and the number of
// bytes consumed so the caller can advance to the next one. addPath controls
// whether a 4-byte path identifier precedes the mask byte, per the
// negotiated AddPath receive direction for this family.
func Decode(data []byte, afi uint16, safi uint8, addPath bool) (NLRI, int, error) {
	offset := 0
	n := NLRI{AFI: afi, SAFI: safi}

	if addPath {
		if len(data) < offset+4 {
			return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
		}
		id := binary.BigEndian.Uint32(data[offset : offset+4])
		n.PathID = &id
		offset += 4
	}

	if len(data) < offset+1 {
		return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
	}
	mask := int(data[offset])
	offset++

	if HasLabels(safi) {
		for mask >= 24 {
			if len(data) < offset+3 {
				return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
			}
			entry := uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
			offset += 3
			mask -= 24
			n.Labels = append(n.Labels, entry>>4)
			bottomOfStack := entry&1 != 0
			if bottomOfStack || entry == 0 || entry == WithdrawLabel {
				break
			}
		}
	}

	if HasRD(safi) {
		mask -= 8 * 8
		if len(data) < offset+8 {
			return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
		}
		n.RouteDistinguisher = append([]byte(nil), data[offset:offset+8]...)
		offset += 8
	}

	if mask < 0 {
		return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
	}

	size := wire.PrefixBytes(mask)
	if len(data) < offset+size {
		return NLRI{}, 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI, data...)
	}

	width := wire.Width(afi)
	if width == 0 {
		width = size
	}
	n.Prefix = wire.PadPrefix(data[offset:offset+size], width)
	n.MaskLength = mask
	offset += size

	return n, offset, nil
}

// Encode is the inverse of Decode: it writes the AddPath id (if present),
// mask, label stack, RD, and prefix bytes in wire order.
func Encode(n NLRI, addPath bool) []byte {
	var out []byte
	if addPath && n.PathID != nil {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], *n.PathID)
		out = append(out, id[:]...)
	}

	wireMask := n.MaskLength + 24*len(n.Labels)
	if n.RouteDistinguisher != nil {
		wireMask += 64
	}
	out = append(out, byte(wireMask))

	for i, label := range n.Labels {
		entry := label << 4
		if i == len(n.Labels)-1 {
			entry |= 1 // bottom-of-stack
		}
		out = append(out, byte(entry>>16), byte(entry>>8), byte(entry))
	}

	if n.RouteDistinguisher != nil {
		out = append(out, n.RouteDistinguisher...)
	}

	size := wire.PrefixBytes(n.MaskLength)
	out = append(out, n.Prefix[:size]...)
	return out
}
