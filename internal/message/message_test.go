package message

import (
	"bytes"
	"testing"

	"github.com/route-beacon/bgp-engine/internal/attribute"
	"github.com/route-beacon/bgp-engine/internal/capability"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

func basicOpen() *Open {
	return &Open{
		Version:      4,
		ASN:          65001,
		HoldTime:     180,
		Identifier:   [4]byte{10, 0, 0, 1},
		Capabilities: capability.NewSet(),
	}
}

func TestDecodeBody_Open_RoundTrip(t *testing.T) {
	o := basicOpen()
	o.Capabilities.RouteRefresh = true
	body := EncodeOpen(o)

	msg, err := DecodeBody(wire.MsgOpen, body, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	got := msg.Open
	if got.Version != 4 || got.ASN != 65001 || got.HoldTime != 180 {
		t.Errorf("unexpected OPEN fields: %+v", got)
	}
	if got.Identifier != o.Identifier {
		t.Errorf("Identifier = %v, want %v", got.Identifier, o.Identifier)
	}
	if !got.Capabilities.RouteRefresh {
		t.Error("expected RouteRefresh capability to survive round trip")
	}
}

func TestDecodeBody_Open_RejectsBadVersion(t *testing.T) {
	o := basicOpen()
	o.Version = 3
	body := EncodeOpen(o)
	if _, err := DecodeBody(wire.MsgOpen, body, DecodeOptions{}); err == nil {
		t.Error("expected an error for a non-version-4 OPEN")
	}
}

func TestDecodeBody_Open_RejectsZeroIdentifier(t *testing.T) {
	o := basicOpen()
	o.Identifier = [4]byte{}
	body := EncodeOpen(o)
	if _, err := DecodeBody(wire.MsgOpen, body, DecodeOptions{}); err == nil {
		t.Error("expected an error for a zero BGP identifier")
	}
}

func TestDecodeBody_Open_RejectsTinyNonzeroHoldTime(t *testing.T) {
	o := basicOpen()
	o.HoldTime = 2
	body := EncodeOpen(o)
	if _, err := DecodeBody(wire.MsgOpen, body, DecodeOptions{}); err == nil {
		t.Error("expected an error for a hold time of 1 or 2 seconds")
	}
}

func TestDecodeBody_Open_AllowsZeroHoldTime(t *testing.T) {
	o := basicOpen()
	o.HoldTime = 0
	body := EncodeOpen(o)
	if _, err := DecodeBody(wire.MsgOpen, body, DecodeOptions{}); err != nil {
		t.Errorf("hold time of 0 (never expire) should be legal, got %v", err)
	}
}

func TestDecodeBody_Update_RoundTrip(t *testing.T) {
	origin := attribute.OriginIGP
	u := &Update{
		Withdrawn: []nlri.NLRI{
			{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast, Prefix: []byte{198, 51, 100, 0}, MaskLength: 24},
		},
		NLRI: []nlri.NLRI{
			{AFI: wire.AFIIPv4, SAFI: wire.SAFIUnicast, Prefix: []byte{203, 0, 113, 0}, MaskLength: 24},
		},
		Attrs: &attribute.Set{
			Origin:  &origin,
			NextHop: []byte{10, 0, 0, 1},
			ASPath: []attribute.ASPathSegment{
				{Type: attribute.SegmentSequence, ASNs: []uint32{65001, 65002}},
			},
		},
	}

	body := EncodeUpdate(u, false, false)
	msg, err := DecodeBody(wire.MsgUpdate, body, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	got := msg.Update
	if len(got.Withdrawn) != 1 || got.Withdrawn[0].MaskLength != 24 {
		t.Errorf("Withdrawn = %+v", got.Withdrawn)
	}
	if len(got.NLRI) != 1 || got.NLRI[0].MaskLength != 24 {
		t.Errorf("NLRI = %+v", got.NLRI)
	}
	if got.Attrs == nil || got.Attrs.Origin == nil || *got.Attrs.Origin != attribute.OriginIGP {
		t.Errorf("Attrs.Origin = %+v", got.Attrs)
	}
	if !bytes.Equal(got.Attrs.NextHop, []byte{10, 0, 0, 1}) {
		t.Errorf("Attrs.NextHop = %v", got.Attrs.NextHop)
	}
}

func TestDecodeBody_Update_EndOfRIBMarker(t *testing.T) {
	u := &Update{}
	body := EncodeUpdate(u, false, false)
	msg, err := DecodeBody(wire.MsgUpdate, body, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if len(msg.Update.Withdrawn) != 0 || len(msg.Update.NLRI) != 0 || msg.Update.Attrs != nil {
		t.Errorf("expected an empty End-of-RIB UPDATE, got %+v", msg.Update)
	}
}

func TestDecodeBody_Update_TruncatedWithdrawnLength(t *testing.T) {
	body := []byte{0, 10} // declares 10 bytes of withdrawn routes, none follow
	if _, err := DecodeBody(wire.MsgUpdate, body, DecodeOptions{}); err == nil {
		t.Error("expected an error for a truncated withdrawn-routes length field")
	}
}

func TestDecodeBody_KeepAlive_RejectsNonEmptyBody(t *testing.T) {
	if _, err := DecodeBody(wire.MsgKeepAlive, []byte{1}, DecodeOptions{}); err == nil {
		t.Error("expected an error for a non-empty KEEPALIVE body")
	}
}

func TestDecodeBody_Notification_RoundTrip(t *testing.T) {
	n := &Notification{Code: 6, Sub: 2, Data: []byte{1, 2, 3}}
	body := EncodeNotification(n)
	msg, err := DecodeBody(wire.MsgNotification, body, DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if msg.Notify.Code != 6 || msg.Notify.Sub != 2 || !bytes.Equal(msg.Notify.Data, []byte{1, 2, 3}) {
		t.Errorf("unexpected NOTIFICATION: %+v", msg.Notify)
	}
}

func TestDecodeBody_UnknownMessageType(t *testing.T) {
	if _, err := DecodeBody(200, nil, DecodeOptions{}); err == nil {
		t.Error("expected an error for an unknown message type")
	}
}
