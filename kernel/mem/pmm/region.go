package pmm

import "github.com/devyn/kit/kernel/mem/ordmap"

// region describes a contiguous run of free frames. It is the payload
// embedded in each node of a regionIndex.
type region struct {
	base   Frame
	frames uint64
}

// regionIndex is a best-fit free-region index keyed on frame count. It is
// built on top of the ordmap balanced tree: regionIndex performs its own
// key comparisons while descending and only asks the tree to rebalance
// once it has picked an insertion point.
//
// Lookups use the exact two-phase walk described for the frame allocator:
// descend leftward while the current node's length exceeds the request,
// then step forward (successor order) until a node whose length is large
// enough is found. This keeps ties ("equal goes right") consistent with
// insertion order and trades worst-case linear successor walks for a
// dead-simple, allocation-free implementation.
type regionIndex struct {
	tree      *ordmap.Tree[region]
	totalFree uint64
}

func newRegionIndex() *regionIndex {
	return &regionIndex{tree: ordmap.New[region]()}
}

// insert adds a free region of the given base/length to the index,
// breaking ties ("equal frame count") by descending to the right.
func (idx *regionIndex) insert(base Frame, frames uint64) {
	idx.totalFree += frames

	node := ordmap.NewNode(region{base: base, frames: frames})
	if idx.tree.Len() == 0 {
		idx.tree.InsertChild(nil, node, false)
		return
	}

	cur := idx.tree.Root()
	for {
		if frames < cur.Value.frames {
			if left := idx.tree.Left(cur); left != nil {
				cur = left
				continue
			}
			idx.tree.InsertChild(cur, node, true)
			return
		}

		if right := idx.tree.Right(cur); right != nil {
			cur = right
			continue
		}
		idx.tree.InsertChild(cur, node, false)
		return
	}
}

// acquire detaches a region of at least the requested frame count from the
// index and returns the number of frames actually carved off (always equal
// to pages on success) along with the base of the returned run. It returns
// (0, InvalidFrame) when no region is large enough.
func (idx *regionIndex) acquire(pages uint64) (uint64, Frame) {
	if pages == 0 || idx.tree.Len() == 0 {
		return 0, InvalidFrame
	}

	cur := idx.tree.Root()
	for cur.Value.frames > pages {
		left := idx.tree.Left(cur)
		if left == nil {
			break
		}
		cur = left
	}
	for cur != nil && cur.Value.frames < pages {
		cur = idx.tree.Successor(cur)
	}
	if cur == nil {
		return 0, InvalidFrame
	}

	base, frames := cur.Value.base, cur.Value.frames
	idx.tree.Delete(cur)
	idx.totalFree -= frames

	// The tail of the region is returned so that the low end (more
	// likely to be needed again soon) stays intact as long as possible.
	remainder := frames - pages
	if remainder > 0 {
		idx.insert(base, remainder)
	}
	return pages, base + Frame(remainder)
}
