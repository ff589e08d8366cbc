package isobmff

// LocateChild walks b's encoded form along path (a sequence of child box
// types to descend into) and returns the byte offset — relative to the
// start of b's own size/type header — at which the final box in path
// begins. This lets a caller patch a placeholder field (see
// PatchTrunDataOffset, PatchSaioOffset) after the full tree has been sized,
// without re-scanning the encoded bytes for a fourcc that could also appear
// inside a box body.
func LocateChild(b *Box, path ...BoxType) (offset int, box *Box, found bool) {
	cur := b
	pos := 0
	for _, want := range path {
		pos += headerSize(cur)
		matched := false
		for _, c := range cur.Children {
			if c.Type == want {
				cur = c
				matched = true
				break
			}
			pos += int(c.Size())
		}
		if !matched {
			return 0, nil, false
		}
	}
	return pos, cur, true
}

func headerSize(b *Box) int {
	h := 8
	if IsFullBox(b.Type) {
		h += 4
	}
	return h
}
