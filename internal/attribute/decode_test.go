package attribute

import (
	"bytes"
	"testing"

	"github.com/route-beacon/bgp-engine/internal/nlri"
)

func tlvBytes(code uint8, value []byte) []byte {
	return append([]byte{FlagTransitive, code, byte(len(value))}, value...)
}

func TestDecode_OriginAndNextHop(t *testing.T) {
	data := append(tlvBytes(TypeOrigin, []byte{OriginIGP}), tlvBytes(TypeNextHop, []byte{10, 0, 0, 1})...)
	s, err := Decode(data, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Origin == nil || *s.Origin != OriginIGP {
		t.Errorf("Origin = %v, want IGP", s.Origin)
	}
	if !bytes.Equal(s.NextHop, []byte{10, 0, 0, 1}) {
		t.Errorf("NextHop = %v, want [10 0 0 1]", s.NextHop)
	}
}

func TestDecode_ASPathOnly(t *testing.T) {
	// one SEQUENCE segment of two 2-byte ASNs: 65001, 65002
	seg := []byte{SegmentSequence, 2, 0xFD, 0xE9, 0xFD, 0xEA}
	data := tlvBytes(TypeASPath, seg)
	s, err := Decode(data, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(s.ASPath) != 1 || len(s.ASPath[0].ASNs) != 2 {
		t.Fatalf("unexpected ASPath: %+v", s.ASPath)
	}
	if s.ASPath[0].ASNs[0] != 65001 || s.ASPath[0].ASNs[1] != 65002 {
		t.Errorf("ASNs = %v, want [65001 65002]", s.ASPath[0].ASNs)
	}
}

// TestDecode_AS4Merge_NoAS4PathAttribute covers property P2: once merged the
// attribute set carries AS_PATH and never an AS4_PATH value of its own (this
// engine has no field for AS4_PATH post-decode at all).
func TestDecode_AS4Merge_NoAS4PathAttribute(t *testing.T) {
	as2 := tlvBytes(TypeASPath, []byte{SegmentSequence, 1, 0x5B, 0xA0}) // AS_TRANS 23456
	as4 := tlvBytes(TypeAS4Path, []byte{SegmentSequence, 1, 0, 1, 0x86, 0xA1})
	data := append(as2, as4...)

	s, err := Decode(data, DecodeOptions{AS4Capable: false})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(s.ASPath) == 0 {
		t.Fatal("expected a merged AS_PATH")
	}
	lastSeg := s.ASPath[len(s.ASPath)-1]
	lastASN := lastSeg.ASNs[len(lastSeg.ASNs)-1]
	if lastASN != 100001 {
		t.Errorf("expected the AS4_PATH's ASN to win in the tail, got %d", lastASN)
	}
}

func TestDecode_AS4Capable_IgnoresAS4Path(t *testing.T) {
	// On an AS4-capable session AS_PATH itself carries four-byte ASNs.
	as2 := tlvBytes(TypeASPath, []byte{SegmentSequence, 1, 0, 0, 0xFD, 0xE9})
	as4 := tlvBytes(TypeAS4Path, []byte{SegmentSequence, 1, 0, 1, 0x86, 0xA1})
	data := append(as2, as4...)

	s, err := Decode(data, DecodeOptions{AS4Capable: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.ASPath[0].ASNs[0] != 65001 {
		t.Errorf("AS4-capable session should ignore a stray AS4_PATH and keep AS_PATH as-is, got %v", s.ASPath)
	}
}

func TestDecode_Communities(t *testing.T) {
	data := tlvBytes(TypeCommunity, []byte{0xFF, 0xFF, 0xFF, 0x01, 0, 1, 0, 100})
	s, err := Decode(data, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(s.Communities) != 2 {
		t.Fatalf("expected 2 communities, got %d", len(s.Communities))
	}
	if got := CommunityString(s.Communities[0]); got != "NO_EXPORT" {
		t.Errorf("CommunityString(%#x) = %q, want NO_EXPORT", s.Communities[0], got)
	}
	if got := CommunityString(s.Communities[1]); got != "1:100" {
		t.Errorf("CommunityString(%#x) = %q, want 1:100", s.Communities[1], got)
	}
}

func TestCommunityString_ReservedValues(t *testing.T) {
	cases := map[uint32]string{
		CommunityNoExport:         "NO_EXPORT",
		CommunityNoAdvertise:      "NO_ADVERTISE",
		CommunityNoExportSubconfed: "NO_EXPORT_SUBCONFED",
	}
	for val, want := range cases {
		if got := CommunityString(val); got != want {
			t.Errorf("CommunityString(%#x) = %q, want %q", val, got, want)
		}
	}
}

func TestDecode_MalformedLength(t *testing.T) {
	data := []byte{FlagTransitive, TypeOrigin, 5, 0} // declares length 5 but only 1 byte follows
	if _, err := Decode(data, DecodeOptions{}); err == nil {
		t.Error("expected an error for a truncated attribute")
	}
}

func TestDecode_UnknownAttributePreserved(t *testing.T) {
	data := tlvBytes(99, []byte{1, 2, 3})
	s, err := Decode(data, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw, ok := s.Unknown[99]
	if !ok {
		t.Fatal("expected unknown attribute 99 to be preserved")
	}
	if !bytes.Equal(raw.value, []byte{1, 2, 3}) {
		t.Errorf("unknown attribute value = %v, want [1 2 3]", raw.value)
	}
}

func TestDecode_MPReachNLRI(t *testing.T) {
	nh := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	value := []byte{0, 2, 1, byte(len(nh))} // AFI=2 (IPv6), SAFI=1, nh len
	value = append(value, nh...)
	value = append(value, 0)                  // reserved
	value = append(value, 32, 0x20, 0x01, 0x0d, 0xb8) // /32 prefix 2001:0db8::/32

	data := tlvBytes(TypeMPReachNLRI, value)
	s, err := Decode(data, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(s.MPReachNLRI) != 1 {
		t.Fatalf("expected 1 NLRI, got %d", len(s.MPReachNLRI))
	}
	if s.MPReachNLRI[0].AFI != 2 || s.MPReachNLRI[0].MaskLength != 32 {
		t.Errorf("unexpected NLRI: %+v", s.MPReachNLRI[0])
	}
	if !bytes.Equal(s.MPReachNextHop, nh) {
		t.Errorf("MPReachNextHop = %v, want %v", s.MPReachNextHop, nh)
	}
}

func TestDecode_MPReachNLRI_BadNextHopLength(t *testing.T) {
	nh := []byte{10, 0, 0, 1, 0, 0} // 6 bytes: not valid for any IPv4 family
	value := []byte{0, 1, 1, byte(len(nh))}
	value = append(value, nh...)
	value = append(value, 0, 24, 10, 0, 0)

	data := tlvBytes(TypeMPReachNLRI, value)
	if _, err := Decode(data, DecodeOptions{}); err == nil {
		t.Fatal("expected error for invalid MP_REACH_NLRI next-hop length")
	}
}

func TestDecode_MPReachNLRI_FamilyNotNegotiated(t *testing.T) {
	nh := []byte{10, 0, 0, 1}
	value := []byte{0, 1, 1, byte(len(nh))}
	value = append(value, nh...)
	value = append(value, 0, 24, 10, 0, 0)

	data := tlvBytes(TypeMPReachNLRI, value)
	opt := DecodeOptions{Negotiated: func(f nlri.Family) bool { return false }}
	if _, err := Decode(data, opt); err == nil {
		t.Fatal("expected error when (AFI,SAFI) is not in the negotiated family set")
	}
}
