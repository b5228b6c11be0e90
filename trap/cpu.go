package trap

import "sync/atomic"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/proc"
import "github.com/fintelia/sv6/stats"

// a trapframe as the entry stubs push it: 17 GP registers, the trap
// number, the error code, and the iret frame.
type Tf_t [defs.TFSIZE]uintptr

func (tf *Tf_t) Usermode() bool {
	return defs.Usermode(tf[defs.TF_CS])
}

// the yield-requested bit of no_sched; the low bits count nested
// no-sched scopes
const yield_req uint32 = 1 << 31

// per-core trap state. each core owns its Cpu_t exclusively except for
// no_sched and the ipi call queue, which remote cores touch.
type Cpu_t struct {
	Id int
	// the proc whose thread is running on this core, nil when idle
	Proc *proc.Proc_t

	// modeled interrupt flag, and the cli nesting sv6-style: ncli
	// counts Pushcli depth, intena remembers whether interrupts were
	// on when the outermost Pushcli ran
	intflag bool
	ncli    int
	intena  bool

	no_sched uint32

	// nmi doubling state; see nmi.go
	nmi_lastpc  uintptr
	nmi_swallow int

	// when > 0, the next timer interrupt prints the interrupted pc
	// (and a backtrace if > 1) and decrements this
	Timer_printpc int32

	ipil spinlock_t
	ipiq []func()
}

var Cpus []*Cpu_t

func Initcpus(n int) {
	Cpus = make([]*Cpu_t, n)
	for i := range Cpus {
		Cpus[i] = &Cpu_t{Id: i, intflag: true}
	}
}

func (cpu *Cpu_t) Cli() {
	cpu.intflag = false
}

func (cpu *Cpu_t) Sti() {
	cpu.intflag = true
}

func (cpu *Cpu_t) Intenabled() bool {
	return cpu.intflag
}

// disable interrupts and remember whether they were enabled, nestably.
// the matching Popcli restores them only when the outermost scope exits.
func (cpu *Cpu_t) Pushcli() {
	was := cpu.intflag
	cpu.Cli()
	if cpu.ncli == 0 {
		cpu.intena = was
	}
	cpu.ncli++
}

func (cpu *Cpu_t) Popcli() {
	// XXXPANIC
	if cpu.intflag {
		panic("popcli - interruptible")
	}
	cpu.ncli--
	// XXXPANIC
	if cpu.ncli < 0 {
		panic("popcli")
	}
	if cpu.ncli == 0 && cpu.intena {
		cpu.Sti()
	}
}

// enter a scope in which timer interrupts must not reschedule this core.
// unlike Pushcli the interrupt stays enabled and is handled; only the
// yield is deferred until the outermost scope exits.
func (cpu *Cpu_t) Push_no_sched() {
	atomic.AddUint32(&cpu.no_sched, 1)
}

// leave a no-sched scope. if a timer tick arrived inside the scope, run
// the yield it asked for, exactly once.
func (cpu *Cpu_t) Pop_no_sched() {
	n := atomic.AddUint32(&cpu.no_sched, ^uint32(0))
	// XXXPANIC
	if n&^yield_req == ^uint32(0)&^yield_req {
		panic("pop without push")
	}
	if n == yield_req {
		if atomic.CompareAndSwapUint32(&cpu.no_sched, n, 0) {
			stats.Kstats.Sched_delayed_tick_count.Inc()
			proc.Sched.Yield()
		}
	}
}

func (cpu *Cpu_t) In_no_sched() bool {
	return atomic.LoadUint32(&cpu.no_sched)&^yield_req != 0
}

// called by the timer interrupt when a yield is due but the core is in a
// no-sched scope; Pop_no_sched runs the yield later.
func (cpu *Cpu_t) defer_yield() {
	for {
		old := atomic.LoadUint32(&cpu.no_sched)
		if old&yield_req != 0 ||
			atomic.CompareAndSwapUint32(&cpu.no_sched, old,
				old|yield_req) {
			return
		}
	}
}

// a trap-level spinlock. interrupt handlers cannot take sync.Mutex since
// blocking in handler context would wedge the core.
type spinlock_t struct {
	v uint32
}

func (l *spinlock_t) lock() {
	for !atomic.CompareAndSwapUint32(&l.v, 0, 1) {
	}
}

func (l *spinlock_t) unlock() {
	atomic.StoreUint32(&l.v, 0)
}

// queue f to run on cpu in interrupt context and send it an ipi
func (cpu *Cpu_t) Ipicall(f func()) {
	cpu.ipil.lock()
	cpu.ipiq = append(cpu.ipiq, f)
	cpu.ipil.unlock()
	sendipi(cpu.Id, defs.T_IPICALL)
}

func (cpu *Cpu_t) run_ipicalls() {
	cpu.ipil.lock()
	q := cpu.ipiq
	cpu.ipiq = nil
	cpu.ipil.unlock()
	for _, f := range q {
		f()
	}
}
