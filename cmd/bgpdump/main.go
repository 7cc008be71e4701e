// Command bgpdump decodes a captured raw BGP byte stream (the exact bytes
// exchanged on the wire, no BMP or Kafka framing) and prints a header line
// per message followed by its decoded fields. It is the offline counterpart to cmd/bgpd's live speaker, built
// for inspecting a capture file when a session misbehaves.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/route-beacon/bgp-engine/internal/attribute"
	"github.com/route-beacon/bgp-engine/internal/message"
	"github.com/route-beacon/bgp-engine/internal/nlri"
	"github.com/route-beacon/bgp-engine/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: bgpdump <capture-file> [--as4] [--addpath]")
		os.Exit(1)
	}

	var as4, addPath bool
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--as4":
			as4 = true
		case "--addpath":
			addPath = true
		}
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	opt := message.DecodeOptions{
		AS4Capable: as4,
		AddPath:    func(nlri.Family) bool { return addPath },
		Cache:      attribute.NewMergeCache(),
	}

	n := 0
	for {
		msgType, bodyLen, err := message.ReadHeader(r, wire.DefaultMessageSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Printf("=== message %d: header error: %v ===\n", n, err)
			break
		}
		body, err := message.ReadBody(r, bodyLen)
		if err != nil {
			fmt.Printf("=== message %d: body read error: %v ===\n", n, err)
			break
		}

		n++
		fmt.Printf("=== message %d: type=%d (%s) length=%d ===\n", n, msgType, msgName(msgType), bodyLen+wire.HeaderLen)

		msg, err := message.DecodeBody(msgType, body, opt)
		if err != nil {
			fmt.Printf("  decode error: %v\n", err)
			if len(body) <= 64 {
				fmt.Printf("  body hex: %s\n", hex.EncodeToString(body))
			}
			continue
		}

		printMessage(msg)
	}

	fmt.Printf("\nTotal messages: %d\n", n)
}

func msgName(t uint8) string {
	switch t {
	case wire.MsgOpen:
		return "OPEN"
	case wire.MsgUpdate:
		return "UPDATE"
	case wire.MsgNotification:
		return "NOTIFICATION"
	case wire.MsgKeepAlive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

func printMessage(msg message.Message) {
	switch msg.Type {
	case wire.MsgOpen:
		o := msg.Open
		fmt.Printf("  version=%d asn=%d hold=%d id=%d.%d.%d.%d\n",
			o.Version, o.ASN, o.HoldTime, o.Identifier[0], o.Identifier[1], o.Identifier[2], o.Identifier[3])
		fmt.Printf("  capabilities: families=%v route_refresh=%v four_byte_asn=%v(asn4=%d)\n",
			o.Capabilities.Families, o.Capabilities.RouteRefresh, o.Capabilities.FourByteASN, o.Capabilities.LocalASN4)

	case wire.MsgUpdate:
		u := msg.Update
		fmt.Printf("  withdrawn=%d nlri=%d\n", len(u.Withdrawn), len(u.NLRI))
		if u.Attrs != nil {
			if u.Attrs.Origin != nil {
				fmt.Printf("  origin=%d\n", *u.Attrs.Origin)
			}
			if len(u.Attrs.ASPath) > 0 {
				fmt.Printf("  as_path segments=%d\n", len(u.Attrs.ASPath))
			}
			if u.Attrs.NextHop != nil {
				fmt.Printf("  next_hop=%s\n", net.IP(u.Attrs.NextHop))
			}
		}
		for i, n := range u.Withdrawn {
			if i < 5 {
				fmt.Printf("  withdraw[%d]: afi=%d %s/%d\n", i, n.AFI, net.IP(n.Prefix), n.MaskLength)
			}
		}
		for i, n := range u.NLRI {
			if i < 5 {
				fmt.Printf("  announce[%d]: afi=%d %s/%d\n", i, n.AFI, net.IP(n.Prefix), n.MaskLength)
			}
		}
		if len(u.Withdrawn) == 0 && len(u.NLRI) == 0 {
			fmt.Println("  (End-of-RIB marker)")
		}

	case wire.MsgNotification:
		nt := msg.Notify
		fmt.Printf("  code=%d sub=%d data=%s\n", nt.Code, nt.Sub, hex.EncodeToString(nt.Data))

	case wire.MsgKeepAlive:
		// nothing to print
	}
}
