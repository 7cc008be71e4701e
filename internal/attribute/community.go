package attribute

import "fmt"

// Well-known COMMUNITY values (RFC 1997).
const (
	CommunityNoExport         uint32 = 0xFFFFFF01
	CommunityNoAdvertise      uint32 = 0xFFFFFF02
	CommunityNoExportSubconfed uint32 = 0xFFFFFF03
	CommunityNoPeer           uint32 = 0xFFFFFF04
)

// CommunityString renders a COMMUNITY value the way an operator expects to
// see it: the well-known reserved names, or ASN:value for everything else.
func CommunityString(c uint32) string {
	switch c {
	case CommunityNoExport:
		return "NO_EXPORT"
	case CommunityNoAdvertise:
		return "NO_ADVERTISE"
	case CommunityNoExportSubconfed:
		return "NO_EXPORT_SUBCONFED"
	case CommunityNoPeer:
		return "NO_PEER"
	default:
		return fmt.Sprintf("%d:%d", c>>16, c&0xFFFF)
	}
}
