package proc

import "sync"
import "sync/atomic"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/hashtable"
import "github.com/fintelia/sv6/vm"

// the scheduler operations the trap layer needs. installed at boot; the
// default runs nothing, which is what unit tests want.
type Sched_i interface {
	Yield()
	Addrun(p *Proc_t)
}

type nop_sched_t struct{}

func (nop_sched_t) Yield()           {}
func (nop_sched_t) Addrun(p *Proc_t) {}

var Sched Sched_i = nop_sched_t{}

type Proc_t struct {
	Pid    int
	Name   string
	Aspace *vm.Vmap_t

	doomed int32
	exited int32

	// non-zero while the kernel dereferences user pointers on this
	// proc's behalf; a kernel mode page fault is then a failed user
	// access to report, not a kernel bug
	Uaccess   int32
	Uaccfault int32

	siglock  sync.Mutex
	sighands map[defs.Signal_t]uintptr
	sigpend  []defs.Signal_t
}

// all live procs by pid; lookups are lock-free
var Allprocs = hashtable.MkHash(1024)

var pidnext int32

func Mkproc(pid int, name string, as *vm.Vmap_t) *Proc_t {
	p := &Proc_t{Pid: pid, Name: name, Aspace: as,
		sighands: make(map[defs.Signal_t]uintptr)}
	Allprocs.Put(pid, p)
	return p
}

// create a proc with a fresh pid
func Newproc(name string, as *vm.Vmap_t) *Proc_t {
	return Mkproc(int(atomic.AddInt32(&pidnext, 1)), name, as)
}

func Lookup(pid int) (*Proc_t, bool) {
	v, ok := Allprocs.Get(pid)
	if !ok {
		return nil, false
	}
	return v.(*Proc_t), true
}

// mark the proc for termination. it dies the next time it leaves the
// kernel, not immediately; kernel code checks Doomed at blocking points.
func (p *Proc_t) Doom() {
	atomic.StoreInt32(&p.doomed, 1)
}

func (p *Proc_t) Doomed() bool {
	return atomic.LoadInt32(&p.doomed) != 0
}

func (p *Proc_t) Begin_uaccess() {
	atomic.StoreInt32(&p.Uaccfault, 0)
	atomic.StoreInt32(&p.Uaccess, 1)
}

// reports whether a user access faulted since Begin_uaccess
func (p *Proc_t) End_uaccess() bool {
	atomic.StoreInt32(&p.Uaccess, 0)
	return atomic.LoadInt32(&p.Uaccfault) != 0
}

func (p *Proc_t) In_uaccess() bool {
	return atomic.LoadInt32(&p.Uaccess) != 0
}

func (p *Proc_t) Uaccess_failed() {
	atomic.StoreInt32(&p.Uaccfault, 1)
}

func (p *Proc_t) Set_sighandler(sig defs.Signal_t, va uintptr) {
	p.siglock.Lock()
	if va == 0 {
		delete(p.sighands, sig)
	} else {
		p.sighands[sig] = va
	}
	p.siglock.Unlock()
}

// queue sig for delivery to the proc's registered handler. returns false
// if the proc has no handler, in which case the caller decides its fate
// (fatal signals doom it).
func (p *Proc_t) Deliver_signal(sig defs.Signal_t) bool {
	if sig == defs.SIGKILL {
		return false
	}
	p.siglock.Lock()
	if _, ok := p.sighands[sig]; !ok {
		p.siglock.Unlock()
		return false
	}
	p.sigpend = append(p.sigpend, sig)
	p.siglock.Unlock()
	// the pending signal makes the proc runnable so it can take the
	// handler even if it was blocked
	Sched.Addrun(p)
	return true
}

// pop the next queued signal and its handler address
func (p *Proc_t) Next_signal() (defs.Signal_t, uintptr, bool) {
	p.siglock.Lock()
	defer p.siglock.Unlock()
	if len(p.sigpend) == 0 {
		return 0, 0, false
	}
	sig := p.sigpend[0]
	p.sigpend = p.sigpend[1:]
	return sig, p.sighands[sig], true
}

// release the proc's resources. idempotent so a doomed proc returning
// from a trap and an explicit exit path can race.
func (p *Proc_t) Procexit() {
	if !atomic.CompareAndSwapInt32(&p.exited, 0, 1) {
		return
	}
	Allprocs.Del(p.Pid)
	if p.Aspace != nil {
		p.Aspace.Ref_down()
		p.Aspace = nil
	}
}

func (p *Proc_t) Exited() bool {
	return atomic.LoadInt32(&p.exited) != 0
}
