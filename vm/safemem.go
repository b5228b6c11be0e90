package vm

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"

// return the physical page backing va, faulting it in if necessary. the
// page is returned with the slot still holding its reference; callers that
// keep the page across blocking operations must Refup it themselves.
func (vmap *Vmap_t) Pagelookup(va uintptr, iswrite bool) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if va >= mem.USERTOP {
		return nil, 0, -defs.EFAULT
	}
	pgn := va >> PGSHIFT
	vd := vmap.vpfs.lookup(pgn)
	if vd == nil || !vd.Mapped() {
		return nil, 0, -defs.EFAULT
	}

	fl := vd.Get_lock()
	fl.Acquire()
	defer fl.Release()

	if !vd.Mapped() {
		return nil, 0, -defs.EFAULT
	}
	if iswrite && vd.Flags()&FLAG_WRITE == 0 {
		return nil, 0, -defs.EFAULT
	}
	if vd.Page() == 0 {
		if err := vmap.ensure_page(pgn, vd, iswrite); err != 0 {
			return nil, 0, err
		}
	}
	if iswrite && vd.Flags()&FLAG_COW != 0 {
		if err := vmap.cow_break(pgn, vd); err != 0 {
			return nil, 0, err
		}
	}
	pa := vd.Page()
	return mem.Physmem.Dmap(pa), pa, 0
}

// copy src into user memory at va, faulting pages in and breaking
// copy-on-write sharing as needed. fails without partial-copy cleanup;
// callers see either success or an address space that may hold a prefix.
func (vmap *Vmap_t) Copyout(va uintptr, src []uint8) defs.Err_t {
	for len(src) > 0 {
		_, pa, err := vmap.Pagelookup(va, true)
		if err != 0 {
			return err
		}
		pg := mem.Physmem.Dmap8(pa)
		off := va & PGOFFSET
		n := copy(pg[off:], src)
		src = src[n:]
		va += uintptr(n)
	}
	return 0
}

// copy user memory at va into dst, faulting pages in as needed
func (vmap *Vmap_t) Copyin(va uintptr, dst []uint8) defs.Err_t {
	for len(dst) > 0 {
		_, pa, err := vmap.Pagelookup(va, false)
		if err != 0 {
			return err
		}
		pg := mem.Physmem.Dmap8(pa)
		off := va & PGOFFSET
		n := copy(dst, pg[off:])
		dst = dst[n:]
		va += uintptr(n)
	}
	return 0
}

// best effort lock-free read of user memory. never faults a page in and
// never blocks, so it is safe from interrupt context; stops at the first
// byte with no installed backing page. returns the number of bytes read.
func (vmap *Vmap_t) Safe_read(dst []uint8, va uintptr) int {
	read := 0
	for read < len(dst) {
		if va >= mem.USERTOP {
			break
		}
		vd := vmap.vpfs.lookup(va >> PGSHIFT)
		if vd == nil || vd.Flags()&FLAG_MAPPED == 0 {
			break
		}
		pa := vd.Page()
		if pa == 0 {
			break
		}
		pg := mem.Physmem.Dmap8(pa)
		off := va & PGOFFSET
		n := copy(dst[read:], pg[off:])
		read += n
		va += uintptr(n)
	}
	return read
}

// best effort lock-free write of user memory. stops at any page that would
// need a fault to become writable (absent, read-only, or copy-on-write).
// returns the number of bytes written.
func (vmap *Vmap_t) Safe_write(va uintptr, src []uint8) int {
	wrote := 0
	for wrote < len(src) {
		if va >= mem.USERTOP {
			break
		}
		vd := vmap.vpfs.lookup(va >> PGSHIFT)
		if vd == nil {
			break
		}
		fl := vd.Flags()
		if fl&FLAG_MAPPED == 0 || fl&FLAG_WRITE == 0 ||
			fl&FLAG_COW != 0 {
			break
		}
		pa := vd.Page()
		if pa == 0 || pa == mem.P_zeropg {
			break
		}
		pg := mem.Physmem.Dmap8(pa)
		off := va & PGOFFSET
		n := copy(pg[off:], src[wrote:])
		wrote += n
		va += uintptr(n)
	}
	return wrote
}
