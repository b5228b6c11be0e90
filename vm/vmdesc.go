package vm

import "fmt"
import "runtime"
import "sync/atomic"
import "unsafe"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"

const PGSHIFT uint = 12
const PGOFFSET uintptr = 0xfff

// descriptor flag bits. bit 0 is the slot's own spinlock so every slot is
// lockable without a separate lock object per page of address space.
const (
	FLAG_LOCK_BIT        = 0
	FLAG_LOCK     uint64 = 1 << FLAG_LOCK_BIT

	// set if this virtual page frame has been mapped
	FLAG_MAPPED uint64 = 1 << 1

	// set if this virtual page frame is copy-on-write. a write fault to
	// this frame copies the page and clears the bit; a read fault maps
	// the existing page read-only. never set on a frame with no backing
	// page.
	FLAG_COW uint64 = 1 << 2

	// set if this frame maps anonymous memory. cleared if the frame maps
	// a pageable object (in which case pageable and start are used).
	FLAG_ANON uint64 = 1 << 3

	// set if the frame is writeable
	FLAG_WRITE uint64 = 1 << 4

	// set if the frame should be shared across address space copies
	FLAG_SHARED uint64 = 1 << 5
)

// a spinlock packed into one bit of a word shared with other state. the
// flags word is always manipulated atomically so lock and flag updates
// compose.
type Bitlock_t struct {
	word *uint64
	mask uint64
}

func (bl Bitlock_t) Acquire() {
	for {
		old := atomic.LoadUint64(bl.word)
		if old&bl.mask == 0 &&
			atomic.CompareAndSwapUint64(bl.word, old, old|bl.mask) {
			return
		}
		runtime.Gosched()
	}
}

func (bl Bitlock_t) Release() {
	for {
		old := atomic.LoadUint64(bl.word)
		if old&bl.mask == 0 {
			panic("release of unheld bit lock")
		}
		if atomic.CompareAndSwapUint64(bl.word, old, old&^bl.mask) {
			return
		}
	}
}

func (bl Bitlock_t) Holding() bool {
	return atomic.LoadUint64(bl.word)&bl.mask != 0
}

// a pageable supplies the physical page backing a given logical page index
// on demand. anonymous zero-fill memory and memory mapped files are both
// variants. the reference returned is counted and owned by the caller.
// pageables are shared objects; a descriptor never owns its pageable.
type Pageable_i interface {
	Get_backing_page(pgidx int) (mem.Pa_t, defs.Err_t)
}

// virtual memory descriptor: the mapping state of one page-sized slot of an
// address space. it does not know its own size; a run of identical
// descriptors represents a region. if FLAG_MAPPED is unset every other
// field is meaningless.
type Vmdesc_t struct {
	flags uint64
	// the physical page mapped at this frame, or 0 if no page has been
	// installed yet
	page mem.Pa_t
	// the object mapped at this frame; nil for anonymous memory
	pageable Pageable_i
	// if an object is mapped here, the virtual address of that object's
	// byte 0 (possibly negative). recorded this way instead of the
	// frame's offset into the object so that a run of frames mapping
	// consecutive pages is identical.
	start int64
}

func (vd *Vmdesc_t) Get_lock() Bitlock_t {
	return Bitlock_t{&vd.flags, FLAG_LOCK}
}

func (vd *Vmdesc_t) Flags() uint64 {
	return atomic.LoadUint64(&vd.flags)
}

func (vd *Vmdesc_t) Mapped() bool {
	return vd.Flags()&FLAG_MAPPED != 0
}

// set and clear flag bits; the slot lock bit is never touched
func (vd *Vmdesc_t) setflags(set, clear uint64) {
	set &^= FLAG_LOCK
	clear &^= FLAG_LOCK
	for {
		old := atomic.LoadUint64(&vd.flags)
		new := (old | set) &^ clear
		if atomic.CompareAndSwapUint64(&vd.flags, old, new) {
			return
		}
	}
}

// the page field is read by lock-free debugging paths, so it is always
// accessed atomically.
func (vd *Vmdesc_t) Page() mem.Pa_t {
	return mem.Pa_t(atomic.LoadUintptr((*uintptr)(unsafe.Pointer(&vd.page))))
}

func (vd *Vmdesc_t) setpage(pa mem.Pa_t) {
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(&vd.page)), uintptr(pa))
}

// duplicate this descriptor for use in another address space. copies the
// descriptor except for its lock bit, which must start clear in the new
// table.
func (vd *Vmdesc_t) Dup() Vmdesc_t {
	return Vmdesc_t{
		flags:    vd.Flags() &^ FLAG_LOCK,
		page:     vd.Page(),
		pageable: vd.pageable,
		start:    vd.start,
	}
}

// install src's identity into this slot. caller holds the slot lock.
func (vd *Vmdesc_t) fill(src *Vmdesc_t) {
	vd.setpage(src.page)
	vd.pageable = src.pageable
	vd.start = src.start
	fl := src.flags &^ FLAG_LOCK
	vd.setflags(fl, ^fl)
}

// descriptor for unmapped memory
func (vd *Vmdesc_t) clear() {
	vd.setpage(0)
	vd.pageable = nil
	vd.start = 0
	vd.setflags(0, ^uint64(0))
}

func Anon_desc() Vmdesc_t {
	return Vmdesc_t{flags: FLAG_MAPPED | FLAG_ANON | FLAG_WRITE}
}

// descriptor that maps the beginning of pgbl to virtual address start
// (which may be negative)
func Obj_desc(pgbl Pageable_i, start int64) Vmdesc_t {
	return Vmdesc_t{flags: FLAG_MAPPED | FLAG_WRITE, pageable: pgbl,
		start: start}
}

func (vd *Vmdesc_t) String() string {
	fl := vd.Flags()
	perms := ""
	if fl&FLAG_ANON != 0 {
		perms = "A-"
	} else if fl&FLAG_SHARED != 0 {
		perms = "SF-"
	} else if fl&FLAG_MAPPED != 0 {
		perms = "F-"
	}
	if fl&FLAG_WRITE != 0 {
		perms += "W"
	}
	if fl&FLAG_COW != 0 {
		perms += ",C"
	}
	return fmt.Sprintf("{%s pg %#x}", perms, uintptr(vd.Page()))
}
