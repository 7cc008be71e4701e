// Package attribute decodes and encodes BGP path attributes: the
// TLV-encoded block that follows an UPDATE's withdrawn-routes field. It
// knows nothing about session state; it is handed raw bytes and a handful
// of negotiated facts (four-byte ASN support, AddPath per family) and
// returns a decoded Set.
package attribute

import (
	"encoding/binary"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

// Set is every attribute attached to one UPDATE's announced NLRI (or, for a
// pure MP_UNREACH_NLRI withdrawal, the handful of attributes that legally
// accompany it).
type Set struct {
	Origin          *uint8
	ASPath          []ASPathSegment
	NextHop         []byte
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	Aggregator      *Aggregator
	Communities     []uint32
	ExtCommunities  []ExtCommunity
	OriginatorID    []byte
	ClusterList     [][]byte

	// MPReach/MPUnreach carry the decoded NLRI lists from MP_REACH_NLRI and
	// MP_UNREACH_NLRI. The message package merges these into the Update's
	// flat route list alongside the core withdrawn/NLRI fields.
	MPReachNextHop []byte
	MPReachNLRI    []nlri.NLRI
	MPUnreachNLRI  []nlri.NLRI

	// Unknown holds optional attributes this engine does not interpret,
	// keyed by type code, preserved verbatim (with their original flags) so
	// a caller that re-advertises the update (this engine does not, but a
	// future collaborator might) doesn't silently drop them.
	Unknown map[uint8]rawAttr
}

type rawAttr struct {
	flags uint8
	value []byte
}

// DecodeOptions carries the negotiated facts that change how a handful of
// attributes parse.
type DecodeOptions struct {
	AS4Capable bool
	// AddPath reports whether the given family was negotiated for receipt
	// with a path identifier, consulted when MP_REACH/MP_UNREACH decode
	// their NLRI.
	AddPath func(nlri.Family) bool
	// Negotiated reports whether (AFI,SAFI) is in this session's negotiated
	// family set. Nil means "accept any family" (used by decode-only tools
	// such as cmd/bgpdump that have no live negotiation to consult).
	Negotiated func(nlri.Family) bool
	Cache      *MergeCache
}

// Decode walks the attribute TLV block once, left to right. Each TLV is
// handled in a loop body rather than by recursing into the next TLV, per
// this engine's bounded-stack design: an UPDATE with an attacker-chosen
// number of attributes cannot grow the call stack.
func Decode(data []byte, opt DecodeOptions) (*Set, error) {
	s := &Set{}
	var as2Raw, as4Raw []byte

	for len(data) > 0 {
		if len(data) < 2 {
			return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, data...)
		}
		flags := data[0]
		code := data[1]
		data = data[2:]

		var length int
		if flags&FlagExtLength != 0 {
			if len(data) < 2 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, data...)
			}
			length = int(binary.BigEndian.Uint16(data[:2]))
			data = data[2:]
		} else {
			if len(data) < 1 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, data...)
			}
			length = int(data[0])
			data = data[1:]
		}
		if len(data) < length {
			return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, data...)
		}
		value := data[:length]
		data = data[length:]

		switch code {
		case TypeOrigin:
			if len(value) != 1 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
			}
			v := value[0]
			s.Origin = &v

		case TypeASPath:
			as2Raw = value

		case TypeAS4Path:
			as4Raw = value

		case TypeNextHop:
			if len(value) != 4 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
			}
			s.NextHop = append([]byte(nil), value...)

		case TypeMED:
			v, err := fixedUint32(value)
			if err != nil {
				return nil, err
			}
			s.MED = &v

		case TypeLocalPref:
			v, err := fixedUint32(value)
			if err != nil {
				return nil, err
			}
			s.LocalPref = &v

		case TypeAtomicAggregate:
			if len(value) != 0 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
			}
			s.AtomicAggregate = true

		case TypeAggregator:
			agg, err := parseAggregator(value, opt.AS4Capable)
			if err != nil {
				return nil, err
			}
			if s.Aggregator == nil {
				s.Aggregator = agg
			}

		case TypeAS4Aggregator:
			agg, err := parseAggregator(value, true)
			if err != nil {
				return nil, err
			}
			// AS4_AGGREGATOR always wins over a two-byte AGGREGATOR: it is
			// strictly more precise about the aggregating speaker's ASN.
			s.Aggregator = agg

		case TypeCommunity:
			cs, err := parseCommunities(value)
			if err != nil {
				return nil, err
			}
			s.Communities = cs

		case TypeExtCommunity:
			cs, err := parseExtCommunities(value)
			if err != nil {
				return nil, err
			}
			s.ExtCommunities = cs

		case TypeOriginatorID:
			if len(value) != 4 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
			}
			s.OriginatorID = append([]byte(nil), value...)

		case TypeClusterList:
			if len(value)%4 != 0 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
			}
			for i := 0; i+4 <= len(value); i += 4 {
				s.ClusterList = append(s.ClusterList, append([]byte(nil), value[i:i+4]...))
			}

		case TypeMPReachNLRI:
			nextHop, nlris, err := decodeMPReach(value, opt)
			if err != nil {
				return nil, err
			}
			s.MPReachNextHop = nextHop
			s.MPReachNLRI = nlris

		case TypeMPUnreachNLRI:
			nlris, err := decodeMPUnreach(value, opt)
			if err != nil {
				return nil, err
			}
			s.MPUnreachNLRI = nlris

		default:
			if s.Unknown == nil {
				s.Unknown = make(map[uint8]rawAttr)
			}
			s.Unknown[code] = rawAttr{flags: flags, value: append([]byte(nil), value...)}
		}
	}

	merged, err := resolveASPath(as2Raw, as4Raw, opt)
	if err != nil {
		return nil, err
	}
	s.ASPath = merged

	// Per spec: an MP_REACH_NLRI route gets a NEXT_HOP attribute derived
	// from the MP next-hop if one wasn't already carried by the core
	// NEXT_HOP attribute. Only an IPv4-width value can stand in for it;
	// NEXT_HOP has no IPv6 form.
	if s.NextHop == nil && len(s.MPReachNextHop) == wire.Width(wire.AFIIPv4) {
		s.NextHop = s.MPReachNextHop
	}

	return s, nil
}

// resolveASPath applies RFC 4893 §4.2.3: if both AS_PATH and AS4_PATH are
// present on a session that is not AS4-capable, merge them; if only AS_PATH
// is present, use it as-is; if the session is AS4-capable, AS_PATH already
// carries four-byte ASNs and any AS4_PATH attribute is ignored.
func resolveASPath(as2Raw, as4Raw []byte, opt DecodeOptions) ([]ASPathSegment, error) {
	decode2 := func(b []byte) ([]ASPathSegment, error) { return parseASPathSegments(b, opt.AS4Capable) }
	decode4 := func(b []byte) ([]ASPathSegment, error) { return parseASPathSegments(b, true) }

	if as2Raw == nil {
		return nil, nil
	}
	if as4Raw == nil || opt.AS4Capable {
		return decode2(as2Raw)
	}
	if opt.Cache != nil {
		return opt.Cache.Merge(as2Raw, as4Raw, decode2, decode4)
	}
	as2, err := decode2(as2Raw)
	if err != nil {
		return nil, err
	}
	as4, err := decode4(as4Raw)
	if err != nil {
		return nil, err
	}
	return mergeASPath(as2, as4), nil
}

func fixedUint32(value []byte) (uint32, error) {
	if len(value) != 4 {
		return 0, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	return binary.BigEndian.Uint32(value), nil
}

func parseASPathSegments(value []byte, as4 bool) ([]ASPathSegment, error) {
	width := 2
	if as4 {
		width = 4
	}
	var segs []ASPathSegment
	for len(value) > 0 {
		if len(value) < 2 {
			return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAS, value...)
		}
		segType := value[0]
		count := int(value[1])
		value = value[2:]
		if segType != SegmentSet && segType != SegmentSequence {
			return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAS, value...)
		}
		need := count * width
		if len(value) < need {
			return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAS, value...)
		}
		seg := ASPathSegment{Type: segType}
		for i := 0; i < count; i++ {
			off := i * width
			if as4 {
				seg.ASNs = append(seg.ASNs, binary.BigEndian.Uint32(value[off:off+4]))
			} else {
				seg.ASNs = append(seg.ASNs, uint32(binary.BigEndian.Uint16(value[off:off+2])))
			}
		}
		segs = append(segs, seg)
		value = value[need:]
	}
	return segs, nil
}

func parseAggregator(value []byte, as4 bool) (*Aggregator, error) {
	width := 2
	if as4 {
		width = 4
	}
	if len(value) != width+4 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	var asn uint32
	if as4 {
		asn = binary.BigEndian.Uint32(value[:4])
	} else {
		asn = uint32(binary.BigEndian.Uint16(value[:2]))
	}
	speaker := append([]byte(nil), value[width:width+4]...)
	return &Aggregator{ASN: asn, Speaker: speaker}, nil
}

func parseCommunities(value []byte) ([]uint32, error) {
	if len(value)%4 != 0 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, value...)
	}
	out := make([]uint32, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		out = append(out, binary.BigEndian.Uint32(value[i:i+4]))
	}
	return out, nil
}

func parseExtCommunities(value []byte) ([]ExtCommunity, error) {
	if len(value)%8 != 0 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedLen, value...)
	}
	out := make([]ExtCommunity, 0, len(value)/8)
	for i := 0; i+8 <= len(value); i += 8 {
		var ec ExtCommunity
		ec.Type = value[i]
		ec.Subtype = value[i+1]
		copy(ec.Value[:], value[i+2:i+8])
		out = append(out, ec)
	}
	return out, nil
}

// nextHopRule describes the allowed MP_REACH_NLRI next-hop length(s) for one
// (AFI,SAFI) pair and whether an 8-byte all-zero RD prefix precedes it.
type nextHopRule struct {
	lengths []int
	rdLen   int
}

var nextHopRules = map[nlri.Family]nextHopRule{
	{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast}:   {lengths: []int{4}},
	{AFI: wire.AFIIPv4, SAFI: wire.SAFIMulticast}: {lengths: []int{4}},
	{AFI: wire.AFIIPv4, SAFI: wire.SAFIMPLSVPN}:   {lengths: []int{12}, rdLen: 8},
	{AFI: wire.AFIIPv6, SAFI: wire.SAFIUnicast}:   {lengths: []int{16, 32}},
	{AFI: wire.AFIIPv6, SAFI: wire.SAFIMPLSVPN}:   {lengths: []int{24, 40}, rdLen: 8},
}

func decodeMPReach(value []byte, opt DecodeOptions) ([]byte, []nlri.NLRI, error) {
	if len(value) < 5 {
		return nil, nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	family := nlri.Family{AFI: afi, SAFI: safi}
	nhLen := int(value[3])
	value = value[4:]
	if len(value) < nhLen {
		return nil, nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	nextHopRaw := append([]byte(nil), value[:nhLen]...)
	value = value[nhLen:]
	if len(value) < 1 {
		return nil, nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	if value[0] != 0 {
		return nil, nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
	}
	value = value[1:]

	if opt.Negotiated != nil && !opt.Negotiated(family) {
		return nil, nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
	}

	nextHop, err := validateNextHop(family, nextHopRaw)
	if err != nil {
		return nil, nil, err
	}

	addPath := opt.AddPath != nil && opt.AddPath(family)
	var out []nlri.NLRI
	for len(value) > 0 {
		n, consumed, err := nlri.Decode(value, afi, safi, addPath)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, n)
		value = value[consumed:]
	}
	return nextHop, out, nil
}

// validateNextHop checks the decoded next-hop against the per-family length
// table (spec §4.2) and strips a leading all-zero RD prefix when the family
// requires one, returning just the IP next-hop bytes.
func validateNextHop(family nlri.Family, raw []byte) ([]byte, error) {
	rule, ok := nextHopRules[family]
	if !ok {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
	}
	validLen := false
	for _, l := range rule.lengths {
		if len(raw) == l {
			validLen = true
			break
		}
	}
	if !validLen {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
	}
	if rule.rdLen > 0 {
		for _, b := range raw[:rule.rdLen] {
			if b != 0 {
				return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
			}
		}
		return raw[rule.rdLen:], nil
	}
	return raw, nil
}

func decodeMPUnreach(value []byte, opt DecodeOptions) ([]nlri.NLRI, error) {
	if len(value) < 3 {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedAttr, value...)
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	family := nlri.Family{AFI: afi, SAFI: safi}
	value = value[3:]

	if opt.Negotiated != nil && !opt.Negotiated(family) {
		return nil, bgperr.NewNotify(bgperr.CodeUpdate, bgperr.SubMalformedNLRI)
	}

	addPath := opt.AddPath != nil && opt.AddPath(family)
	var out []nlri.NLRI
	for len(value) > 0 {
		n, consumed, err := nlri.Decode(value, afi, safi, addPath)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		value = value[consumed:]
	}
	return out, nil
}
