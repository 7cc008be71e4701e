package attribute

import "encoding/binary"

// Encode serializes a Set back into a path-attribute TLV block, in the
// same type order Decode accepts them. It is used by message.EncodeUpdate
// and exercised by the round-trip tests; the live
// session engine forwards already-encoded UPDATE fragments from its delta
// feed rather than re-encoding attributes on every chunk.
func Encode(s *Set, as4 bool) []byte {
	var out []byte

	if s.Origin != nil {
		out = append(out, tlv(FlagTransitive, TypeOrigin, []byte{*s.Origin})...)
	}
	if s.Origin != nil || len(s.ASPath) > 0 {
		out = append(out, tlv(FlagTransitive, TypeASPath, encodeASPath(s.ASPath, as4))...)
	}
	if s.NextHop != nil {
		out = append(out, tlv(FlagTransitive, TypeNextHop, s.NextHop)...)
	}
	if s.MED != nil {
		out = append(out, tlv(FlagOptional, TypeMED, uint32Bytes(*s.MED))...)
	}
	if s.LocalPref != nil {
		out = append(out, tlv(FlagTransitive, TypeLocalPref, uint32Bytes(*s.LocalPref))...)
	}
	if s.AtomicAggregate {
		out = append(out, tlv(FlagTransitive, TypeAtomicAggregate, nil)...)
	}
	if s.Aggregator != nil {
		out = append(out, tlv(FlagOptional|FlagTransitive, TypeAggregator, encodeAggregator(s.Aggregator, as4))...)
	}
	if len(s.Communities) > 0 {
		out = append(out, tlv(FlagOptional|FlagTransitive, TypeCommunity, encodeCommunities(s.Communities))...)
	}
	if len(s.ExtCommunities) > 0 {
		out = append(out, tlv(FlagOptional|FlagTransitive, TypeExtCommunity, encodeExtCommunities(s.ExtCommunities))...)
	}
	if s.OriginatorID != nil {
		out = append(out, tlv(FlagOptional, TypeOriginatorID, s.OriginatorID)...)
	}
	if len(s.ClusterList) > 0 {
		var v []byte
		for _, c := range s.ClusterList {
			v = append(v, c...)
		}
		out = append(out, tlv(FlagOptional, TypeClusterList, v)...)
	}
	for code, raw := range s.Unknown {
		out = append(out, tlv(raw.flags, code, raw.value)...)
	}

	return out
}

func tlv(flags, code uint8, value []byte) []byte {
	if len(value) > 255 {
		flags |= FlagExtLength
	}
	out := []byte{flags, code}
	if flags&FlagExtLength != 0 {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(value)))
		out = append(out, l[:]...)
	} else {
		out = append(out, byte(len(value)))
	}
	return append(out, value...)
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func encodeASPath(segs []ASPathSegment, as4 bool) []byte {
	var out []byte
	for _, seg := range segs {
		out = append(out, seg.Type, byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if as4 {
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], asn)
				out = append(out, b[:]...)
			} else {
				var b [2]byte
				binary.BigEndian.PutUint16(b[:], uint16(asn))
				out = append(out, b[:]...)
			}
		}
	}
	return out
}

func encodeAggregator(a *Aggregator, as4 bool) []byte {
	var out []byte
	if as4 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], a.ASN)
		out = append(out, b[:]...)
	} else {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(a.ASN))
		out = append(out, b[:]...)
	}
	return append(out, a.Speaker...)
}

func encodeCommunities(cs []uint32) []byte {
	out := make([]byte, 0, len(cs)*4)
	for _, c := range cs {
		out = append(out, uint32Bytes(c)...)
	}
	return out
}

func encodeExtCommunities(cs []ExtCommunity) []byte {
	out := make([]byte, 0, len(cs)*8)
	for _, c := range cs {
		out = append(out, c.Type, c.Subtype)
		out = append(out, c.Value[:]...)
	}
	return out
}
