// Package missing computes the minimal set of missing record segments
// over a range of a receiver's "received" bitmap. It is a pure
// function with no I/O, used by the receiver engine to build REC_MISS
// replies.
package missing

import "blastxfer/internal/wire"

// Compute returns the ordered, non-overlapping, maximal segments
// covering exactly the indices in [start,end] for which received[i] is
// false. received is 1-indexed; received[0] is ignored. The result is
// capped at wire.MaxMissingSegments: if more segments exist, only the
// first wire.MaxMissingSegments (in ascending order) are returned and
// the remainder is left for the next call once earlier gaps close.
func Compute(received []bool, start, end uint32) []wire.Segment {
	var out []wire.Segment
	inGap := false
	var gapStart uint32

	for i := start; i <= end; i++ {
		missing := int(i) >= len(received) || !received[i]
		if missing {
			if !inGap {
				gapStart = i
				inGap = true
			}
		} else if inGap {
			out = append(out, wire.Segment{Start: gapStart, End: i - 1})
			inGap = false
			if len(out) >= wire.MaxMissingSegments {
				return out
			}
		}
	}
	if inGap {
		out = append(out, wire.Segment{Start: gapStart, End: end})
	}
	if len(out) > wire.MaxMissingSegments {
		out = out[:wire.MaxMissingSegments]
	}
	return out
}
