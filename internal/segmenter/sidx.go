package segmenter

import "github.com/jmylchreest/fmp4cenc/internal/isobmff"

// FragmentRef is one fragment's sidx-relevant metadata before coalescing.
type FragmentRef struct {
	ReferencedSize          uint32
	SubsegmentDuration      uint32
	EarliestPresentationTime uint64
	SAPType                 uint8
	HasSAP                  bool
}

// CoalesceSidxReferences implements spec.md §4.5's sidx subsegment packing:
//
//  1. P = ceil(F/N) fragments per subsegment.
//  2. Each group of P consecutive references is summed/merged into one.
//  3. The result has exactly N references (the final group may be short).
//
// When F <= N no grouping happens and one reference per fragment is
// returned, so the result then has F references.
//
// numSubsegmentsPerSidx <= 0 callers should not call this (see spec.md §6:
// negative disables sidx entirely, zero means one reference per fragment
// with no coalescing).
func CoalesceSidxReferences(frags []FragmentRef, numSubsegmentsPerSidx int) []isobmff.SidxReference {
	if numSubsegmentsPerSidx <= 0 || len(frags) == 0 {
		return refsOneToOne(frags)
	}
	n := numSubsegmentsPerSidx
	f := len(frags)
	if n >= f {
		return refsOneToOne(frags)
	}

	p := (f + n - 1) / n // ceil(F/N)
	if p == 1 {
		return refsOneToOne(frags)
	}

	out := make([]isobmff.SidxReference, 0, n)
	for start := 0; start < f; start += p {
		end := start + p
		if end > f {
			end = f
		}
		out = append(out, mergeGroup(frags[start:end]))
	}
	return resizeToExactly(out, n)
}

func refsOneToOne(frags []FragmentRef) []isobmff.SidxReference {
	out := make([]isobmff.SidxReference, len(frags))
	for i, fr := range frags {
		out[i] = isobmff.SidxReference{
			ReferencedSize:     fr.ReferencedSize,
			SubsegmentDuration: fr.SubsegmentDuration,
			StartsWithSAP:      fr.HasSAP,
			SAPType:            fr.SAPType,
		}
	}
	return out
}

func mergeGroup(group []FragmentRef) isobmff.SidxReference {
	var size, duration uint32
	earliest := group[0].EarliestPresentationTime
	sapType := uint8(0)
	hasSAP := false
	for _, g := range group {
		size += g.ReferencedSize
		duration += g.SubsegmentDuration
		if g.EarliestPresentationTime < earliest {
			earliest = g.EarliestPresentationTime
		}
		if !hasSAP && g.HasSAP {
			hasSAP = true
			sapType = g.SAPType
		}
	}
	var deltaTime uint64
	if group[0].EarliestPresentationTime > earliest {
		deltaTime = group[0].EarliestPresentationTime - earliest
	}
	return isobmff.SidxReference{
		ReferencedSize:     size,
		SubsegmentDuration: duration,
		StartsWithSAP:      hasSAP,
		SAPType:            sapType,
		SAPDeltaTime:       uint32(deltaTime),
	}
}

// resizeToExactly trims or pads out to exactly n entries, per spec.md §4.5
// step 3. Padding happens when grouping by p yields fewer than n groups
// (F=9, N=4 gives p=3 and three groups); the added entries are zero-valued
// references.
func resizeToExactly(refs []isobmff.SidxReference, n int) []isobmff.SidxReference {
	if len(refs) == n {
		return refs
	}
	if len(refs) > n {
		return refs[:n]
	}
	for len(refs) < n {
		refs = append(refs, isobmff.SidxReference{})
	}
	return refs
}
