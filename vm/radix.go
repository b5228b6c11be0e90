package vm

import "sync/atomic"
import "unsafe"

import "github.com/fintelia/sv6/mem"

// three-level radix over user page numbers (USERTOP covers exactly
// rfan*rfan*rfan pages). interior nodes are allocated lazily so long
// unmapped runs cost nothing beyond the shared path to them. leaves hold
// descriptors by value and are never freed once linked, which lets the
// fault path walk the tree without the table lock; only descriptor state,
// guarded by each slot's bit lock, says whether a slot is mapped.
const (
	rshift = 9
	rfan   = 1 << rshift
	rmask  = rfan - 1
)

type rleaf_t struct {
	descs [rfan]Vmdesc_t
}

type rmid_t struct {
	// *rleaf_t, loaded/stored atomically
	kids [rfan]unsafe.Pointer
}

type vpfs_t struct {
	// *rmid_t, loaded/stored atomically
	kids [rfan]unsafe.Pointer
}

func (r *vpfs_t) lookup(pgn uintptr) *Vmdesc_t {
	vd, _ := r.probe(pgn)
	return vd
}

// like lookup, but when the path to pgn is absent, also returns the first
// page number past the missing subtree so scans can skip it.
func (r *vpfs_t) probe(pgn uintptr) (*Vmdesc_t, uintptr) {
	ti := (pgn >> (2 * rshift)) & rmask
	mi := (pgn >> rshift) & rmask
	li := pgn & rmask
	mid := (*rmid_t)(atomic.LoadPointer(&r.kids[ti]))
	if mid == nil {
		return nil, (pgn | (rfan*rfan - 1)) + 1
	}
	leaf := (*rleaf_t)(atomic.LoadPointer(&mid.kids[mi]))
	if leaf == nil {
		return nil, (pgn | rmask) + 1
	}
	return &leaf.descs[li], pgn + 1
}

// returns the slot for pgn, allocating the path to it if necessary. caller
// holds the table lock.
func (r *vpfs_t) ensure(pgn uintptr) *Vmdesc_t {
	ti := (pgn >> (2 * rshift)) & rmask
	mi := (pgn >> rshift) & rmask
	li := pgn & rmask
	mid := (*rmid_t)(atomic.LoadPointer(&r.kids[ti]))
	if mid == nil {
		mid = &rmid_t{}
		atomic.StorePointer(&r.kids[ti], unsafe.Pointer(mid))
	}
	leaf := (*rleaf_t)(atomic.LoadPointer(&mid.kids[mi]))
	if leaf == nil {
		leaf = &rleaf_t{}
		atomic.StorePointer(&mid.kids[mi], unsafe.Pointer(leaf))
	}
	return &leaf.descs[li]
}

// call f on every mapped slot in [lo, hi), in increasing page order.
// absent subtrees are skipped without visiting them.
func (r *vpfs_t) iter(lo, hi uintptr, f func(pgn uintptr, vd *Vmdesc_t)) {
	for pgn := lo; pgn < hi; {
		vd, next := r.probe(pgn)
		if vd != nil && vd.Mapped() {
			f(pgn, vd)
		}
		pgn = next
	}
}

func maxpgn() uintptr {
	return mem.USERTOP >> PGSHIFT
}
