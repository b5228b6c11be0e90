package vm

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"
import "github.com/fintelia/sv6/stats"

// resolve a fault at va fa with page fault error code ecode. takes only the
// slot lock of the faulting page, so faults on distinct pages of one
// address space proceed in parallel. returns 0 if the access is now legal
// and should be retried, -EFAULT if it never will be.
func (vmap *Vmap_t) Pagefault(fa uintptr, ecode uintptr) defs.Err_t {
	stats.Kstats.Page_faults.Inc()
	if fa < mem.USERMIN || fa >= mem.USERTOP {
		return -defs.EFAULT
	}
	vd := vmap.vpfs.lookup(fa >> PGSHIFT)
	if vd == nil || !vd.Mapped() {
		return -defs.EFAULT
	}

	fl := vd.Get_lock()
	fl.Acquire()
	defer fl.Release()

	// the slot may have been unmapped while we were acquiring its lock
	if !vd.Mapped() {
		return -defs.EFAULT
	}
	iswrite := ecode&defs.FEC_WR != 0
	flags := vd.Flags()
	if iswrite && flags&FLAG_WRITE == 0 {
		return -defs.EFAULT
	}
	if vd.Page() == 0 {
		if err := vmap.ensure_page(fa>>PGSHIFT, vd, iswrite); err != 0 {
			return err
		}
		flags = vd.Flags()
	}
	if iswrite && flags&FLAG_COW != 0 {
		return vmap.cow_break(fa>>PGSHIFT, vd)
	}
	return 0
}

// install a backing page into a mapped slot that has none. caller holds
// the slot lock. a read of anonymous memory maps the global zero page
// copy-on-write rather than allocating; two processes reading fresh heap
// share one frame until either writes.
func (vmap *Vmap_t) ensure_page(pgn uintptr, vd *Vmdesc_t, iswrite bool) defs.Err_t {
	flags := vd.Flags()
	if flags&FLAG_ANON != 0 {
		if iswrite {
			pa, err := vmap.Qalloc()
			if err != 0 {
				return err
			}
			vd.setpage(pa)
			stats.Kstats.Zero_fills.Inc()
			return 0
		}
		mem.Physmem.Refup(mem.P_zeropg)
		vd.setpage(mem.P_zeropg)
		if flags&FLAG_WRITE != 0 {
			vd.setflags(FLAG_COW, 0)
		}
		return 0
	}
	if vd.pageable == nil {
		return -defs.EFAULT
	}
	idx := int((int64(pgn<<PGSHIFT) - vd.start) >> PGSHIFT)
	// XXXPANIC
	if idx < 0 {
		panic("desc below its object")
	}
	pa, err := vd.pageable.Get_backing_page(idx)
	if err != 0 {
		return err
	}
	vd.setpage(pa)
	if flags&FLAG_WRITE != 0 && flags&FLAG_SHARED == 0 {
		vd.setflags(FLAG_COW, 0)
	}
	return 0
}

// break copy-on-write sharing of this slot's page. caller holds the slot
// lock and has verified FLAG_COW. if we hold the only reference the page
// is claimed in place instead of copied.
func (vmap *Vmap_t) cow_break(pgn uintptr, vd *Vmdesc_t) defs.Err_t {
	old := vd.Page()
	// XXXPANIC
	if old == 0 {
		panic("cow of absent page")
	}
	if old != mem.P_zeropg && mem.Physmem.Refcnt(old) == 1 {
		vd.setflags(0, FLAG_COW)
		stats.Kstats.Cow_claims.Inc()
		return 0
	}
	pa, err := vmap.Qalloc()
	if err != 0 {
		return err
	}
	dst := mem.Physmem.Dmap(pa)
	src := mem.Physmem.Dmap(old)
	*dst = *src
	vd.setpage(pa)
	vd.setflags(0, FLAG_COW)
	mem.Physmem.Refdown(old)
	stats.Kstats.Cow_copies.Inc()
	vmap.Tlbshoot(pgn<<PGSHIFT, 1)
	return 0
}
