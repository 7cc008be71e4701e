package capability

import (
	"errors"
	"testing"

	"github.com/route-beacon/bgp-engine/internal/bgperr"
	"github.com/route-beacon/bgp-engine/internal/nlri"
)

func TestDecodeParameters_MultiprotocolAndFourByteASN(t *testing.T) {
	capBytes := []byte{}
	capBytes = append(capBytes, capTLV(CodeMultiprotocol, []byte{0, 1, 0, 1})...)  // IPv4 unicast
	capBytes = append(capBytes, capTLV(CodeFourByteASN, []byte{0, 1, 0x86, 0xA1})...) // ASN 100001
	capBytes = append(capBytes, capTLV(CodeRouteRefresh, nil)...)

	param := append([]byte{ParamCapabilities, byte(len(capBytes))}, capBytes...)

	s, err := DecodeParameters(param)
	if err != nil {
		t.Fatalf("DecodeParameters: %v", err)
	}
	if !s.HasFamily(nlri.Family{AFI: 1, SAFI: 1}) {
		t.Errorf("expected IPv4 unicast family, got %v", s.Families)
	}
	if !s.FourByteASN || s.LocalASN4 != 100001 {
		t.Errorf("FourByteASN = %v/%d, want true/100001", s.FourByteASN, s.LocalASN4)
	}
	if !s.RouteRefresh {
		t.Error("expected RouteRefresh capability")
	}
}

func TestDecodeParameters_AddPath(t *testing.T) {
	v := []byte{0, 1, 1, byte(AddPathBoth)}
	capBytes := capTLV(CodeAddPath, v)
	param := append([]byte{ParamCapabilities, byte(len(capBytes))}, capBytes...)

	s, err := DecodeParameters(param)
	if err != nil {
		t.Fatalf("DecodeParameters: %v", err)
	}
	dir, ok := s.AddPath[nlri.Family{AFI: 1, SAFI: 1}]
	if !ok || dir != AddPathBoth {
		t.Errorf("AddPath[ipv4-unicast] = %v/%v, want true/%v", ok, dir, AddPathBoth)
	}
}

func TestDecodeParameters_UnknownCapabilityPreservedOpaque(t *testing.T) {
	capBytes := capTLV(200, []byte{9, 9})
	param := append([]byte{ParamCapabilities, byte(len(capBytes))}, capBytes...)

	s, err := DecodeParameters(param)
	if err != nil {
		t.Fatalf("DecodeParameters: %v", err)
	}
	vals, ok := s.Opaque[200]
	if !ok || len(vals) != 1 || vals[0][0] != 9 {
		t.Errorf("expected opaque capability 200 preserved, got %v", s.Opaque)
	}
}

func TestDecodeParameters_AuthenticationParameterRejected(t *testing.T) {
	// Authentication Information (type 1) — legacy, unsupported.
	param := []byte{ParamAuthentication, 2, 0xAA, 0xBB}
	_, err := DecodeParameters(param)
	if err == nil {
		t.Fatal("expected an error for an AUTHENTIFICATION_INFORMATION optional parameter")
	}
	var n *bgperr.Notify
	if !errors.As(err, &n) {
		t.Fatalf("error = %v, want *bgperr.Notify", err)
	}
	if n.Code != bgperr.CodeOpen || n.Sub != bgperr.SubAuthFailure {
		t.Errorf("Notify = %d/%d, want %d/%d (Authentication Failure)", n.Code, n.Sub, bgperr.CodeOpen, bgperr.SubAuthFailure)
	}
}

func TestDecodeParameters_UnknownParameterTypeRejected(t *testing.T) {
	param := []byte{99, 2, 0xAA, 0xBB}
	_, err := DecodeParameters(param)
	if err == nil {
		t.Fatal("expected an error for an unrecognized optional parameter type")
	}
	var n *bgperr.Notify
	if !errors.As(err, &n) {
		t.Fatalf("error = %v, want *bgperr.Notify", err)
	}
	if n.Code != bgperr.CodeOpen || n.Sub != bgperr.SubCapability {
		t.Errorf("Notify = %d/%d, want %d/%d (Unsupported Capability)", n.Code, n.Sub, bgperr.CodeOpen, bgperr.SubCapability)
	}
}

func TestDecodeParameters_TruncatedCapabilityValue(t *testing.T) {
	capBytes := []byte{CodeMultiprotocol, 4, 0, 1} // declares length 4, only 2 bytes follow
	param := append([]byte{ParamCapabilities, byte(len(capBytes))}, capBytes...)
	if _, err := DecodeParameters(param); err == nil {
		t.Error("expected an error for a truncated capability value")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s := NewSet()
	s.Families = []nlri.Family{{AFI: 1, SAFI: 1}, {AFI: 2, SAFI: 1}}
	s.RouteRefresh = true
	s.FourByteASN = true
	s.LocalASN4 = 65550
	s.AddPath[nlri.Family{AFI: 1, SAFI: 1}] = AddPathBoth

	encoded := EncodeParameters(s)
	decoded, err := DecodeParameters(encoded)
	if err != nil {
		t.Fatalf("DecodeParameters: %v", err)
	}
	if !decoded.HasFamily(nlri.Family{AFI: 1, SAFI: 1}) || !decoded.HasFamily(nlri.Family{AFI: 2, SAFI: 1}) {
		t.Errorf("Families = %v, want both advertised families", decoded.Families)
	}
	if !decoded.RouteRefresh {
		t.Error("expected RouteRefresh to round-trip")
	}
	if !decoded.FourByteASN || decoded.LocalASN4 != 65550 {
		t.Errorf("FourByteASN round trip = %v/%d, want true/65550", decoded.FourByteASN, decoded.LocalASN4)
	}
	if decoded.AddPath[nlri.Family{AFI: 1, SAFI: 1}] != AddPathBoth {
		t.Errorf("AddPath round trip = %v, want %v", decoded.AddPath, AddPathBoth)
	}
}

func TestNegotiate_FamilyIntersection(t *testing.T) {
	local := NewSet()
	local.Families = []nlri.Family{{AFI: 1, SAFI: 1}, {AFI: 2, SAFI: 1}}
	peer := NewSet()
	peer.Families = []nlri.Family{{AFI: 1, SAFI: 1}}

	out := Negotiate(local, peer)
	if len(out.Families) != 1 || out.Families[0] != (nlri.Family{AFI: 1, SAFI: 1}) {
		t.Errorf("Negotiate Families = %v, want only ipv4-unicast", out.Families)
	}
}

func TestNegotiate_NoMultiprotocolOnEitherSideIsEmpty(t *testing.T) {
	out := Negotiate(NewSet(), NewSet())
	if len(out.Families) != 0 {
		t.Errorf("Negotiate with no MULTIPROTOCOL_EXTENSIONS on either side = %v, want empty (no implicit family)", out.Families)
	}
}

func TestNegotiate_FourByteASNRequiresBothSides(t *testing.T) {
	local := NewSet()
	local.FourByteASN = true
	peer := NewSet()

	out := Negotiate(local, peer)
	if out.FourByteASN {
		t.Error("FourByteASN should require both sides to advertise it")
	}
}

func TestNegotiate_AddPathDirectionRequiresComplementarySides(t *testing.T) {
	f := nlri.Family{AFI: 1, SAFI: 1}
	local := NewSet()
	local.AddPath[f] = AddPathSend // "I will send you paths"
	peer := NewSet()
	peer.AddPath[f] = AddPathReceive // "I can receive paths"

	out := Negotiate(local, peer)
	if out.AddPath[f] != AddPathSend {
		t.Errorf("AddPath negotiation = %v, want AddPathSend only", out.AddPath[f])
	}
}

func TestNegotiate_AddPathBothDirections(t *testing.T) {
	f := nlri.Family{AFI: 1, SAFI: 1}
	local := NewSet()
	local.AddPath[f] = AddPathBoth
	peer := NewSet()
	peer.AddPath[f] = AddPathBoth

	out := Negotiate(local, peer)
	if out.AddPath[f] != AddPathBoth {
		t.Errorf("AddPath negotiation = %v, want AddPathBoth", out.AddPath[f])
	}
}

func TestNegotiate_AddPathNoAgreementOmitsFamily(t *testing.T) {
	f := nlri.Family{AFI: 1, SAFI: 1}
	local := NewSet()
	local.AddPath[f] = AddPathSend
	peer := NewSet()
	peer.AddPath[f] = AddPathSend // peer can only send, not receive: no direction enabled

	out := Negotiate(local, peer)
	if _, ok := out.AddPath[f]; ok {
		t.Errorf("expected no AddPath direction negotiated, got %v", out.AddPath[f])
	}
}
