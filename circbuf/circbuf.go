package circbuf

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"

// a fixed-size ring of word-sized records backed by one physical page.
// the writer runs in interrupt context, so pushes never allocate or
// lock: each ring has a single owner and the drain side runs only while
// the writer is quiesced. when the ring is full new records are dropped,
// not the old ones.
type Circbuf_t struct {
	mem  mem.Page_i
	buf  *mem.Pg_t
	p_pg mem.Pa_t
	head int
	tail int
}

func (cb *Circbuf_t) Cb_init(m mem.Page_i) defs.Err_t {
	pg, p_pg, ok := m.Refpg_new()
	if !ok {
		return -defs.ENOHEAP
	}
	cb.mem = m
	cb.buf = pg
	cb.p_pg = p_pg
	cb.head, cb.tail = 0, 0
	return 0
}

// take over an existing page; useful when the caller must guarantee the
// ring exists before interrupts are on.
func (cb *Circbuf_t) Cb_init_phys(pg *mem.Pg_t, p_pg mem.Pa_t, m mem.Page_i) {
	m.Refup(p_pg)
	cb.mem = m
	cb.buf = pg
	cb.p_pg = p_pg
	cb.head, cb.tail = 0, 0
}

func (cb *Circbuf_t) Cb_release() {
	if cb.buf == nil {
		return
	}
	cb.mem.Refdown(cb.p_pg)
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == len(cb.buf)
}

func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// append v; reports whether there was room
func (cb *Circbuf_t) Push(v uintptr) bool {
	if cb.Full() {
		return false
	}
	cb.buf[cb.head%len(cb.buf)] = int(v)
	cb.head++
	return true
}

func (cb *Circbuf_t) Pop() (uintptr, bool) {
	if cb.Empty() {
		return 0, false
	}
	v := cb.buf[cb.tail%len(cb.buf)]
	cb.tail++
	return uintptr(v), true
}
