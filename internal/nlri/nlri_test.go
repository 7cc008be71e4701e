package nlri

import (
	"bytes"
	"testing"

	"github.com/route-beacon/bgp-engine/internal/wire"
)

func TestDecode_IPv4Unicast(t *testing.T) {
	// 192.0.2.0/24
	data := []byte{24, 192, 0, 2}
	n, consumed, err := Decode(data, wire.AFIIPv4, wire.SAFIUnicast, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != 4 {
		t.Errorf("consumed = %d, want 4", consumed)
	}
	if n.MaskLength != 24 {
		t.Errorf("MaskLength = %d, want 24", n.MaskLength)
	}
	if !bytes.Equal(n.Prefix, []byte{192, 0, 2, 0}) {
		t.Errorf("Prefix = %v, want [192 0 2 0]", n.Prefix)
	}
}

func TestDecode_PrefixPropertyBoundedAndZeroPadded(t *testing.T) {
	// /22 leaves trailing bits in the last byte that must be zero on the wire
	// but the decoded prefix buffer must still be fully padded to AFI width.
	data := []byte{22, 203, 0, 113}
	n, _, err := Decode(data, wire.AFIIPv4, wire.SAFIUnicast, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	width := wire.Width(n.AFI)
	if len(n.Prefix) != width {
		t.Fatalf("Prefix length = %d, want %d", len(n.Prefix), width)
	}
	if n.MaskLength > 8*width {
		t.Errorf("MaskLength %d exceeds 8*width %d", n.MaskLength, width)
	}
	maskedBytes := (n.MaskLength + 7) / 8
	for _, b := range n.Prefix[maskedBytes:] {
		if b != 0 {
			t.Errorf("expected zero padding beyond %d bytes, got %v", maskedBytes, n.Prefix)
		}
	}
}

func TestDecode_AddPath(t *testing.T) {
	data := []byte{0, 0, 0, 7, 24, 198, 51, 100}
	n, consumed, err := Decode(data, wire.AFIIPv4, wire.SAFIUnicast, true)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != 8 {
		t.Errorf("consumed = %d, want 8", consumed)
	}
	if n.PathID == nil || *n.PathID != 7 {
		t.Errorf("PathID = %v, want 7", n.PathID)
	}
}

func TestDecode_TooShort(t *testing.T) {
	data := []byte{24, 192, 0}
	if _, _, err := Decode(data, wire.AFIIPv4, wire.SAFIUnicast, false); err == nil {
		t.Error("expected an error for truncated prefix bytes")
	}
}

func TestEncodeDecode_RoundTrip_IPv4Unicast(t *testing.T) {
	original := []byte{20, 10, 1, 0}
	n, consumed, err := Decode(original, wire.AFIIPv4, wire.SAFIUnicast, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := Encode(n, false)
	if !bytes.Equal(got, original[:consumed]) {
		t.Errorf("round trip mismatch: got %v, want %v", got, original[:consumed])
	}
}

func TestEncodeDecode_RoundTrip_LabeledUnicast(t *testing.T) {
	// mask=24(labels)+24(prefix)=48, one label entry (bottom-of-stack set),
	// then 3 bytes of prefix (192.0.2.0/24).
	original := []byte{48, 0, 100, 1 | 1, 192, 0, 2}
	n, consumed, err := Decode(original, wire.AFIIPv4, wire.SAFIMPLSLabeledUnicast, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.MaskLength != 24 {
		t.Fatalf("MaskLength = %d, want 24 (label bits must be excluded)", n.MaskLength)
	}
	got := Encode(n, false)
	if !bytes.Equal(got, original[:consumed]) {
		t.Errorf("round trip mismatch: got %v, want %v", got, original[:consumed])
	}
}

func TestEncodeDecode_RoundTrip_VPNUnicast(t *testing.T) {
	// mask=24(label)+64(RD)+24(prefix)=112: one label entry (bottom-of-stack
	// set), the 8-byte RD, then 3 prefix bytes.
	rd := []byte{0, 1, 0, 0, 0, 100, 0, 0}
	original := append([]byte{112, 0, 100, 1}, rd...)
	original = append(original, 10, 0, 0)
	n, consumed, err := Decode(original, wire.AFIIPv4, wire.SAFIMPLSVPN, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.MaskLength != 24 {
		t.Fatalf("MaskLength = %d, want 24 (label and RD bits must be excluded)", n.MaskLength)
	}
	got := Encode(n, false)
	if !bytes.Equal(got, original[:consumed]) {
		t.Errorf("round trip mismatch: got %v, want %v", got, original[:consumed])
	}
}

func TestHasLabelsHasRD(t *testing.T) {
	if !HasLabels(wire.SAFIMPLSLabeledUnicast) {
		t.Error("expected labeled-unicast SAFI to carry labels")
	}
	if HasLabels(wire.SAFIUnicast) {
		t.Error("expected plain unicast SAFI to not carry labels")
	}
	if !HasRD(wire.SAFIMPLSVPN) {
		t.Error("expected VPN SAFI to carry a route distinguisher")
	}
	if HasRD(wire.SAFIMPLSLabeledUnicast) {
		t.Error("expected labeled-unicast SAFI (no VPN) to not carry an RD")
	}
}
