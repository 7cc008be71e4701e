package attribute

import "sync"

// mergeKey identifies one (AS_PATH, AS4_PATH) raw-byte pairing. Using the
// two raw segments as a structured key — rather than concatenating them
// into one string with a separator, as the source this engine is distilled
// from does — avoids the separator-collision risk that trick carries when
// either side's length happens to look like a second length-prefixed field.
type mergeKey struct {
	as2 string
	as4 string
}

// MergeCache memoizes the RFC 4893 §4.2.3 merge of an AS_PATH and an
// AS4_PATH attribute, keyed on their raw wire bytes. A session that
// receives many UPDATEs carrying the same two-byte/four-byte AS_PATH pair
// (common: most prefixes from one peer share one path) pays the merge cost
// once. Safe for concurrent use; one MergeCache is meant to live for the
// lifetime of a session.
type MergeCache struct {
	mu sync.Mutex
	m  map[mergeKey][]ASPathSegment
}

// NewMergeCache returns an empty cache.
func NewMergeCache() *MergeCache {
	return &MergeCache{m: make(map[mergeKey][]ASPathSegment)}
}

// Merge returns the merged AS_PATH for the given raw AS_PATH and AS4_PATH
// attribute bodies, decoding and merging once and reusing the result for
// identical byte pairs thereafter. as2Raw/as4Raw are the attribute values
// exactly as they appeared on the wire (not including the TLV header).
func (c *MergeCache) Merge(as2Raw, as4Raw []byte, decode2, decode4 func([]byte) ([]ASPathSegment, error)) ([]ASPathSegment, error) {
	key := mergeKey{as2: string(as2Raw), as4: string(as4Raw)}

	c.mu.Lock()
	if cached, ok := c.m[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	as2, err := decode2(as2Raw)
	if err != nil {
		return nil, err
	}
	as4, err := decode4(as4Raw)
	if err != nil {
		return nil, err
	}
	merged := mergeASPath(as2, as4)

	c.mu.Lock()
	c.m[key] = merged
	c.mu.Unlock()

	return merged, nil
}

// mergeASPath implements RFC 4893 §4.2.3: walk the two-byte AS_PATH from
// the tail, replacing its trailing ASNs with the (shorter, or equal-length)
// four-byte AS4_PATH's ASNs, segment by segment, so NEW_AS_PATH ends up
// with AS4_PATH's more precise ASNs wherever both describe the same hop and
// AS_PATH's extra leading hops (traversed before the first AS4-capable
// speaker) wherever AS4_PATH ran out.
func mergeASPath(as2, as4 []ASPathSegment) []ASPathSegment {
	if len(as4) == 0 {
		return as2
	}

	as2Total := segmentASNCount(as2)
	as4Total := segmentASNCount(as4)
	if as4Total > as2Total {
		// Malformed: AS4_PATH can never be longer than AS_PATH. Fall back to
		// AS_PATH rather than overrun it.
		return as2
	}

	skip := as2Total - as4Total
	merged := make([]ASPathSegment, 0, len(as2))

	as4Idx, as4Pos := 0, 0
	for _, seg := range as2 {
		if skip >= len(seg.ASNs) {
			merged = append(merged, seg)
			skip -= len(seg.ASNs)
			continue
		}

		out := ASPathSegment{Type: seg.Type}
		out.ASNs = append(out.ASNs, seg.ASNs[:skip]...)
		skip = 0

		for len(out.ASNs) < len(seg.ASNs) {
			if as4Idx >= len(as4) {
				break
			}
			out.ASNs = append(out.ASNs, as4[as4Idx].ASNs[as4Pos])
			as4Pos++
			if as4Pos >= len(as4[as4Idx].ASNs) {
				as4Idx++
				as4Pos = 0
			}
		}
		merged = append(merged, out)
	}

	return merged
}

func segmentASNCount(segs []ASPathSegment) int {
	n := 0
	for _, s := range segs {
		n += len(s.ASNs)
	}
	return n
}
