package vm

import (
	"github.com/google/btree"
)

// pte is one page table entry: a mapped guest page and its host backing.
type pte struct {
	vpn  uint64
	prot Prot
	data []byte
}

func pteLess(a, b *pte) bool {
	return a.vpn < b.vpn
}

// pageTable maps virtual page numbers to entries, ordered by page number so
// mappings can be listed in address order.
type pageTable struct {
	tree *btree.BTreeG[*pte]
}

func newPageTable() *pageTable {
	return &pageTable{tree: btree.NewG[*pte](16, pteLess)}
}

func (pt *pageTable) get(vpn uint64) (*pte, bool) {
	return pt.tree.Get(&pte{vpn: vpn})
}

// set inserts p, returning the entry it replaced, if any.
func (pt *pageTable) set(p *pte) (*pte, bool) {
	return pt.tree.ReplaceOrInsert(p)
}

func (pt *pageTable) remove(vpn uint64) (*pte, bool) {
	return pt.tree.Delete(&pte{vpn: vpn})
}

func (pt *pageTable) ascend(fn func(p *pte) bool) {
	pt.tree.Ascend(fn)
}

func (pt *pageTable) len() int {
	return pt.tree.Len()
}
