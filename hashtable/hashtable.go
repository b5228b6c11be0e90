package hashtable

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

// a concurrent hash table with lock-free lookups and per-bucket locked
// updates. chains are kept sorted by hashed key so both lookups and
// inserts can stop early. the table is sized at creation and does not
// grow; it holds kernel objects indexed by small integer ids (pids,
// thread ids), whose population is bounded elsewhere.

type elem_t struct {
	key     int
	value   interface{}
	keyhash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

type Hashtable_t struct {
	table []*bucket_t
}

func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func (ht *Hashtable_t) Get(key int) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.bucket(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyhash == kh && e.key == key {
			return e.value, true
		}
		if kh < e.keyhash {
			break
		}
	}
	return nil, false
}

func (ht *Hashtable_t) Put(key int, value interface{}) {
	kh := khash(key)
	b := ht.table[ht.bucket(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t) {
		if last == nil {
			n := &elem_t{key: key, value: value, keyhash: kh,
				next: b.first}
			storeptr(&b.first, n)
		} else {
			n := &elem_t{key: key, value: value, keyhash: kh,
				next: last.next}
			storeptr(&last.next, n)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyhash == kh && e.key == key {
			e.value = value
			return
		}
		if kh < e.keyhash {
			add(last)
			return
		}
		last = e
	}
	add(last)
}

func (ht *Hashtable_t) Del(key int) {
	kh := khash(key)
	b := ht.table[ht.bucket(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyhash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		if kh < e.keyhash {
			break
		}
		last = e
	}
	panic("del of non-existing key")
}

// call f on every entry; stops early if f returns false. the snapshot is
// not atomic with respect to concurrent updates.
func (ht *Hashtable_t) Iter(f func(key int, value interface{}) bool) {
	for _, b := range ht.table {
		for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
			if !f(e.key, e.value) {
				return
			}
		}
	}
}

func (ht *Hashtable_t) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first == nil {
			continue
		}
		s += fmt.Sprintf("b %d:", i)
		for e := b.first; e != nil; e = e.next {
			s += fmt.Sprintf(" (%v, %v)", e.key, e.value)
		}
		s += "\n"
	}
	return s
}

func (ht *Hashtable_t) bucket(kh uint32) int {
	return int(kh % uint32(len(ht.table)))
}

func loadptr(e **elem_t) *elem_t {
	p := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(p))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func khash(key int) uint32 {
	return 2654435761 * uint32(key)
}
