package mem

import "sync"
import "sync/atomic"
import "unsafe"

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

type Pa_t uintptr
type Bytepg_t [PGSIZE]uint8
type Pg_t [512]int

// the user half of the address space. nothing above USERTOP is ever tracked
// by an address space's descriptor table.
const USERTOP uintptr = 1 << 39
const USERMIN uintptr = 1 << 22

func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// the allocate/free surface the VM layer consumes. the rest of the kernel
// sees physical memory only through this interface.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

type Physpg_t struct {
	Refcnt int32
	// index into pgs of next page on free list
	nexti uint32
}

type Physmem_t struct {
	Pgs    []Physpg_t
	startn uint32
	// index into pgs of first free pg
	freei   uint32
	freelen int32
	sync.Mutex
	// backing store for the pages; stands in for the direct map
	pool []Pg_t
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	// XXXPANIC
	if c <= 0 {
		panic("wut")
	}
}

// returns true if p_pg should be added to the free list and the index of the
// page in the pgs array
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	// XXXPANIC
	if c < 0 {
		panic("wut")
	}
	return c == 0, idx
}

// drops a reference, freeing the page when the last reference goes away.
// returns true iff the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	if add, idx := phys._refdec(p_pg); add {
		phys._phys_insert(idx)
		return true
	}
	return false
}

var Zeropg *Pg_t
var P_zeropg Pa_t

// refcnt of the returned page is 1; callers that install the page into more
// than one descriptor Refup for each extra reference.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._phys_new()
}

func (phys *Physmem_t) _phys_new() (*Pg_t, Pa_t, bool) {
	var p_pg Pa_t
	var ok bool
	phys.Lock()
	ff := phys.freei
	if ff != ^uint32(0) {
		p_pg = Pa_t(ff+phys.startn) << PGSHIFT
		phys.freei = phys.Pgs[ff].nexti
		ok = true
		if phys.Pgs[ff].Refcnt != 0 {
			panic("ref count on free list")
		}
		phys.Pgs[ff].Refcnt = 1
		phys.freelen--
		if phys.freelen < 0 {
			panic("no")
		}
	}
	phys.Unlock()
	if ok {
		return phys.Dmap(p_pg), p_pg, true
	}
	return nil, 0, false
}

func (phys *Physmem_t) _phys_insert(idx uint32) {
	phys.Lock()
	phys.Pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	if phys.freelen < 0 {
		panic("no")
	}
	phys.Unlock()
}

// page-aligned virtual address for the given physical address via the direct
// mapping
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	idx := _pg2pgn(p) - phys.startn
	if int(idx) >= len(phys.pool) {
		panic("direct map not large enough")
	}
	return &phys.pool[idx]
}

// byte-aligned view of the physical address as a slice of uint8s
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p & PGMASK)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	r := int(phys.freelen)
	phys.Unlock()
	return r
}

var Physmem = &Physmem_t{}

func Phys_init(respgs int) *Physmem_t {
	phys := Physmem
	phys.Lock()
	phys.Pgs = make([]Physpg_t, respgs)
	phys.pool = make([]Pg_t, respgs)
	// fake physical base; page 0 stays unusable
	phys.startn = 0x100
	last := ^uint32(0)
	for i := respgs - 1; i >= 0; i-- {
		phys.Pgs[i].nexti = last
		last = uint32(i)
	}
	phys.freei = 0
	phys.freelen = int32(respgs)
	phys.Unlock()

	// the zero page backs every untouched anonymous mapping; its reference
	// is never dropped.
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		panic("oom in init?")
	}
	for i := range pg {
		pg[i] = 0
	}
	Zeropg, P_zeropg = pg, p_pg
	return phys
}
