package vmm

import (
	"github.com/devyn/kit/kernel/mem/ordmap"
	"github.com/devyn/kit/kernel/mem/pmm"
)

// tableIndexEntry records the kernel-visible linear address at which a
// single non-leaf page-table page (PDPT, PD or PT) can be read or written,
// keyed by that page's physical frame number.
type tableIndexEntry struct {
	frame  pmm.Frame
	linear uintptr
}

// tableIndex is the per-pageset physical->linear index described in
// spec §3/§4.4: every present non-leaf entry anywhere in the pageset has a
// corresponding entry here, because page-table entries only record
// physical addresses but the kernel only ever touches memory through its
// linear view.
type tableIndex struct {
	tree *ordmap.Tree[tableIndexEntry]
}

func newTableIndex() *tableIndex {
	return &tableIndex{tree: ordmap.New[tableIndexEntry]()}
}

// insert registers the linear address at which frame's contents can be
// accessed. Frame numbers are unique within an index; inserting a frame a
// second time is a programming error and is not guarded against.
func (idx *tableIndex) insert(frame pmm.Frame, linear uintptr) {
	node := ordmap.NewNode(tableIndexEntry{frame: frame, linear: linear})
	if idx.tree.Len() == 0 {
		idx.tree.InsertChild(nil, node, false)
		return
	}

	cur := idx.tree.Root()
	for {
		if frame < cur.Value.frame {
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

// lookup returns the linear address registered for frame, if any.
func (idx *tableIndex) lookup(frame pmm.Frame) (uintptr, bool) {
	cur := idx.tree.Root()
	for cur != nil {
		switch {
		case frame == cur.Value.frame:
			return cur.Value.linear, true
		case frame < cur.Value.frame:
			cur = idx.tree.Left(cur)
		default:
			cur = idx.tree.Right(cur)
		}
	}
	return 0, false
}

// remove drops frame's entry from the index, if present.
func (idx *tableIndex) remove(frame pmm.Frame) {
	cur := idx.tree.Root()
	for cur != nil {
		switch {
		case frame == cur.Value.frame:
			idx.tree.Delete(cur)
			return
		case frame < cur.Value.frame:
			cur = idx.tree.Left(cur)
		default:
			cur = idx.tree.Right(cur)
		}
	}
}
