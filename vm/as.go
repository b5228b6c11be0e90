package vm

import "fmt"
import "sync"
import "sync/atomic"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"
import "github.com/fintelia/sv6/stats"

const MAP_FAILED = ^uintptr(0)

// upper bound on cached quick allocation pages per address space
const qpage_max = 128

// installed by the interrupt layer at boot; sends invalidations to every
// core that may cache translations for asid. nil means a single core owns
// all translations and local invalidation suffices.
var tlbshoot func(asid int, va uintptr, pgcount int)

func Set_tlbshoot(f func(asid int, va uintptr, pgcount int)) {
	tlbshoot = f
}

// an address space: a radix table of page descriptors plus the process
// break. the table lock serializes structural changes (insert, remove,
// region scans); the fault path takes only the slot lock of the faulting
// page. the break has its own lock so concurrent sbrks never touch the
// table lock.
type Vmap_t struct {
	vpfs      vpfs_t
	vpfs_lock sync.Mutex
	// lowest va at which an unmapped-region scan may start; only a hint
	hint uintptr

	brklock  sync.Mutex
	brk_     uintptr
	brkstart uintptr

	qpage_lock sync.Mutex
	qpages     []mem.Pa_t

	ref  int32
	Asid int
}

func Mkvmap(asid int) *Vmap_t {
	return &Vmap_t{hint: mem.USERMIN >> PGSHIFT, ref: 1, Asid: asid}
}

func (vmap *Vmap_t) Ref_up() {
	c := atomic.AddInt32(&vmap.ref, 1)
	// XXXPANIC
	if c <= 1 {
		panic("must already be refed")
	}
}

func (vmap *Vmap_t) Ref_down() {
	c := atomic.AddInt32(&vmap.ref, -1)
	// XXXPANIC
	if c < 0 {
		panic("ref underflow")
	}
	if c == 0 {
		vmap.uvmfree()
	}
}

// tear down every mapping. the address space is dead; no lock ordering
// concerns remain, but slot locks are still taken since a lock-free
// reader may be mid-walk.
func (vmap *Vmap_t) uvmfree() {
	vmap.vpfs.iter(0, maxpgn(), func(pgn uintptr, vd *Vmdesc_t) {
		fl := vd.Get_lock()
		fl.Acquire()
		if vd.Mapped() {
			if pa := vd.Page(); pa != 0 {
				mem.Physmem.Refdown(pa)
			}
			vd.clear()
		}
		fl.Release()
	})
	vmap.qpage_lock.Lock()
	for _, pa := range vmap.qpages {
		mem.Physmem.Refdown(pa)
	}
	vmap.qpages = nil
	vmap.qpage_lock.Unlock()
}

// find a run of npg unmapped pages at or above the hint. caller holds the
// table lock. absent radix subtrees are skipped wholesale.
func (vmap *Vmap_t) unmapped_area(npg uintptr) uintptr {
	start := vmap.hint
	found := uintptr(0)
	for pgn := start; pgn+npg <= maxpgn(); {
		vd, next := vmap.vpfs.probe(pgn)
		if vd != nil && vd.Mapped() {
			// restart the run past the mapping
			found = 0
			pgn = next
			continue
		}
		if found == 0 {
			found = pgn
		}
		if next-found >= npg {
			vmap.hint = found + npg
			return found << PGSHIFT
		}
		pgn = next
	}
	return MAP_FAILED
}

// map len bytes of desc starting at va start. start == 0 means pick any
// unmapped range. returns the chosen start address or MAP_FAILED. existing
// mappings in the range are replaced.
func (vmap *Vmap_t) Insert(start, len uintptr, desc Vmdesc_t) uintptr {
	// XXXPANIC
	if start&PGOFFSET != 0 || len&PGOFFSET != 0 || len == 0 {
		panic("no")
	}
	npg := len >> PGSHIFT

	vmap.vpfs_lock.Lock()
	defer vmap.vpfs_lock.Unlock()

	if start == 0 {
		start = vmap.unmapped_area(npg)
		if start == MAP_FAILED {
			return MAP_FAILED
		}
	}
	if start < mem.USERMIN || start+len > mem.USERTOP ||
		start+len < start {
		return MAP_FAILED
	}

	pgn := start >> PGSHIFT
	for i := uintptr(0); i < npg; i++ {
		vd := vmap.vpfs.ensure(pgn + i)
		fl := vd.Get_lock()
		fl.Acquire()
		if vd.Mapped() && vd.Page() != 0 {
			mem.Physmem.Refdown(vd.Page())
		}
		vd.fill(&desc)
		fl.Release()
	}
	return start
}

// unmap [start, start+len). pages in the range that were never mapped are
// skipped silently. frees backing pages whose last reference this was.
func (vmap *Vmap_t) Remove(start, len uintptr) defs.Err_t {
	if start&PGOFFSET != 0 || len&PGOFFSET != 0 {
		return -defs.EINVAL
	}
	lo := start >> PGSHIFT
	hi := (start + len) >> PGSHIFT

	vmap.vpfs_lock.Lock()
	vmap.vpfs.iter(lo, hi, func(pgn uintptr, vd *Vmdesc_t) {
		fl := vd.Get_lock()
		fl.Acquire()
		if vd.Mapped() {
			if pa := vd.Page(); pa != 0 {
				mem.Physmem.Refdown(pa)
			}
			vd.clear()
		}
		fl.Release()
	})
	if lo < vmap.hint {
		vmap.hint = lo
		if vmap.hint < mem.USERMIN>>PGSHIFT {
			vmap.hint = mem.USERMIN >> PGSHIFT
		}
	}
	vmap.vpfs_lock.Unlock()
	vmap.Tlbshoot(start, int(hi-lo))
	return 0
}

// change the writability of [start, start+len). every page in the range
// must be mapped. revoking write permission invalidates cached
// translations.
func (vmap *Vmap_t) Mprotect(start, len uintptr, writable bool) defs.Err_t {
	if start&PGOFFSET != 0 || len&PGOFFSET != 0 || len == 0 {
		return -defs.EINVAL
	}
	lo := start >> PGSHIFT
	hi := (start + len) >> PGSHIFT
	if start+len > mem.USERTOP || start+len < start {
		return -defs.EINVAL
	}

	vmap.vpfs_lock.Lock()
	defer vmap.vpfs_lock.Unlock()

	// verify the whole range first so failures change nothing
	for pgn := lo; pgn < hi; {
		vd, next := vmap.vpfs.probe(pgn)
		if vd == nil || !vd.Mapped() {
			return -defs.EINVAL
		}
		pgn = next
	}

	downgraded := false
	vmap.vpfs.iter(lo, hi, func(pgn uintptr, vd *Vmdesc_t) {
		fl := vd.Get_lock()
		fl.Acquire()
		if writable {
			vd.setflags(FLAG_WRITE, 0)
		} else {
			if vd.Flags()&FLAG_WRITE != 0 {
				downgraded = true
			}
			vd.setflags(0, FLAG_WRITE)
		}
		fl.Release()
	})
	if downgraded {
		vmap.Tlbshoot(start, int(hi-lo))
	}
	return 0
}

// duplicate this address space for fork. private writable pages become
// copy-on-write in both the parent and the child; shared regions keep
// pointing at the same frames. the parent loses write access to pages
// that went copy-on-write, so its cached translations are invalidated.
func (vmap *Vmap_t) Copy(asid int) (*Vmap_t, defs.Err_t) {
	child := Mkvmap(asid)

	// brklock before the table lock, matching the break paths
	vmap.brklock.Lock()
	defer vmap.brklock.Unlock()
	vmap.vpfs_lock.Lock()
	defer vmap.vpfs_lock.Unlock()

	shot := false
	child.vpfs_lock.Lock()
	vmap.vpfs.iter(0, maxpgn(), func(pgn uintptr, vd *Vmdesc_t) {
		fl := vd.Get_lock()
		fl.Acquire()
		fla := vd.Flags()
		if fla&FLAG_WRITE != 0 && fla&FLAG_SHARED == 0 &&
			fla&FLAG_COW == 0 && vd.Page() != 0 {
			vd.setflags(FLAG_COW, 0)
			shot = true
		}
		nd := vd.Dup()
		if nd.page != 0 {
			mem.Physmem.Refup(nd.page)
		}
		cd := child.vpfs.ensure(pgn)
		cfl := cd.Get_lock()
		cfl.Acquire()
		cd.fill(&nd)
		cfl.Release()
		fl.Release()
	})
	child.vpfs_lock.Unlock()

	child.brk_ = vmap.brk_
	child.brkstart = vmap.brkstart
	child.hint = vmap.hint

	if shot {
		vmap.Tlbshoot(0, int(maxpgn()))
	}
	return child, 0
}

func (vmap *Vmap_t) Init_brk(start uintptr) {
	// XXXPANIC
	if start&PGOFFSET != 0 {
		panic("no")
	}
	vmap.brklock.Lock()
	vmap.brkstart = start
	vmap.brk_ = start
	vmap.brklock.Unlock()
}

// grow or shrink the break by delta bytes, returning the old break. the
// break itself is byte granular; the mapped region behind it always ends
// on a page boundary.
func (vmap *Vmap_t) Sbrk(delta int) (uintptr, defs.Err_t) {
	vmap.brklock.Lock()
	defer vmap.brklock.Unlock()

	old := vmap.brk_
	if delta == 0 {
		return old, 0
	}
	var nbrk uintptr
	if delta < 0 {
		dec := uintptr(-delta)
		if dec > old-vmap.brkstart {
			return 0, -defs.EINVAL
		}
		nbrk = old - dec
	} else {
		nbrk = old + uintptr(delta)
		if nbrk < old || nbrk > mem.USERTOP {
			return 0, -defs.ENOMEM
		}
	}
	if err := vmap.brkset(old, nbrk); err != 0 {
		return 0, err
	}
	return old, 0
}

// set the break to nbrk. fails without changing anything if nbrk is
// outside [brkstart, USERTOP].
func (vmap *Vmap_t) Brk(nbrk uintptr) defs.Err_t {
	vmap.brklock.Lock()
	defer vmap.brklock.Unlock()

	if nbrk < vmap.brkstart || nbrk > mem.USERTOP {
		return -defs.EINVAL
	}
	return vmap.brkset(vmap.brk_, nbrk)
}

// caller holds brklock
func (vmap *Vmap_t) brkset(obrk, nbrk uintptr) defs.Err_t {
	oend := pgroundup(obrk)
	nend := pgroundup(nbrk)
	if nend > oend {
		d := Anon_desc()
		if vmap.Insert(oend, nend-oend, d) == MAP_FAILED {
			return -defs.ENOMEM
		}
	} else if nend < oend {
		if err := vmap.Remove(nend, oend-nend); err != 0 {
			return err
		}
	}
	vmap.brk_ = nbrk
	return 0
}

func (vmap *Vmap_t) Curbrk() uintptr {
	vmap.brklock.Lock()
	defer vmap.brklock.Unlock()
	return vmap.brk_
}

// quick page allocation: a small per-address-space pool of zeroed pages
// so hot paths skip the global allocator. pages returned to the pool are
// re-zeroed on free so Qalloc never hands out stale data.
func (vmap *Vmap_t) Qalloc() (mem.Pa_t, defs.Err_t) {
	vmap.qpage_lock.Lock()
	if n := len(vmap.qpages); n > 0 {
		pa := vmap.qpages[n-1]
		vmap.qpages = vmap.qpages[:n-1]
		vmap.qpage_lock.Unlock()
		return pa, 0
	}
	vmap.qpage_lock.Unlock()
	_, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, -defs.ENOMEM
	}
	return pa, 0
}

func (vmap *Vmap_t) Qfree(pa mem.Pa_t) {
	vmap.qpage_lock.Lock()
	if len(vmap.qpages) < qpage_max {
		pg := mem.Physmem.Dmap(pa)
		for i := range pg {
			pg[i] = 0
		}
		vmap.qpages = append(vmap.qpages, pa)
		vmap.qpage_lock.Unlock()
		return
	}
	vmap.qpage_lock.Unlock()
	mem.Physmem.Refdown(pa)
}

func (vmap *Vmap_t) Tlbshoot(va uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	if tlbshoot != nil {
		tlbshoot(vmap.Asid, va, pgcount)
	}
	stats.Kstats.Tlb_shootdowns.Inc()
}

// pretty print the mappings; a debugging aid
func (vmap *Vmap_t) Dump() string {
	s := fmt.Sprintf("asid %d:\n", vmap.Asid)
	vmap.vpfs.iter(0, maxpgn(), func(pgn uintptr, vd *Vmdesc_t) {
		s += fmt.Sprintf("  %#x %v\n", pgn<<PGSHIFT, vd)
	})
	return s
}

func pgroundup(va uintptr) uintptr {
	return (va + PGOFFSET) &^ PGOFFSET
}

func pgrounddown(va uintptr) uintptr {
	return va &^ PGOFFSET
}
