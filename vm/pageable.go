package vm

import "sync"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"

// a pageable backed by its own set of physical pages, allocated on first
// touch. map one of these FLAG_SHARED into several address spaces and they
// see common memory; map it private and each mapper copies on write.
type Shmregion_t struct {
	sync.Mutex
	pgs []mem.Pa_t
}

func Mkshm(npg int) *Shmregion_t {
	return &Shmregion_t{pgs: make([]mem.Pa_t, npg)}
}

// returns the page with a reference owned by the caller
func (shm *Shmregion_t) Get_backing_page(pgidx int) (mem.Pa_t, defs.Err_t) {
	if pgidx < 0 || pgidx >= len(shm.pgs) {
		return 0, -defs.EFAULT
	}
	shm.Lock()
	defer shm.Unlock()
	if shm.pgs[pgidx] == 0 {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return 0, -defs.ENOMEM
		}
		shm.pgs[pgidx] = pa
	}
	pa := shm.pgs[pgidx]
	mem.Physmem.Refup(pa)
	return pa, 0
}

// drop the region's own references. mappings that still hold pages keep
// them alive until they are removed.
func (shm *Shmregion_t) Release() {
	shm.Lock()
	defer shm.Unlock()
	for i, pa := range shm.pgs {
		if pa != 0 {
			mem.Physmem.Refdown(pa)
			shm.pgs[i] = 0
		}
	}
}

// descriptor for a writable mapping of shm shared across address space
// copies
func Shm_desc(shm *Shmregion_t, start int64) Vmdesc_t {
	d := Obj_desc(shm, start)
	d.flags |= FLAG_SHARED
	return d
}
