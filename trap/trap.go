package trap

import "fmt"
import "math/bits"
import "sync/atomic"

import "github.com/fintelia/sv6/apic"
import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"
import "github.com/fintelia/sv6/proc"
import "github.com/fintelia/sv6/stats"
import "github.com/fintelia/sv6/util"

// timer callbacks run on cpu 0 only, so wall clock and reclaim bookkeeping
// are single threaded
var Timerintr func()
var Reclaimtick func()

// invalidate this core's cached user translations
var Tlbflush func() = func() {}

// fetch up to 8 instruction bytes at the interrupted rip, little endian.
// used by the illegal-opcode emulator; best effort.
var Fetch_instr = func(p *proc.Proc_t, rip uintptr) (uint64, bool) {
	if p == nil || p.Aspace == nil {
		return 0, false
	}
	var b [8]uint8
	if p.Aspace.Safe_read(b[:], rip) < len(b) {
		return 0, false
	}
	return uint64(util.Readn(b[:], 8, 0)), true
}

// collect per-syscall entry cycle counts via ud2 probes and magic fault
// addresses. costs a trap per probe, so it stays off outside measurement
// runs.
const track_entry_times = false

// the trap dispatcher. called by every entry stub except the syscall fast
// path; fa is the fault address (%cr2) and is meaningful only for page
// faults. interrupts are off on entry.
func (cpu *Cpu_t) Trap(tf *Tf_t, fa uintptr) {
	trapno := int(tf[defs.TF_TRAP])

	if trapno == defs.T_NMI {
		cpu.nmi(tf)
		return
	}

	if trapno >= defs.T_IRQ0 && trapno < 256 {
		stats.Nirqs[trapno]++
		stats.Irqs++
	}

	switch {
	case trapno == defs.T_IRQ0+defs.IRQ_TIMER:
		cpu.timer(tf)
	case trapno == defs.T_IRQ0+defs.IRQ_SPURIOUS:
		// the lapic does not expect an eoi for a spurious vector
		fmt.Printf("cpu%d: spurious interrupt\n", cpu.Id)
	case trapno == defs.T_IRQ0+defs.IRQ_ERROR:
		fmt.Printf("cpu%d: lapic error interrupt\n", cpu.Id)
		apic.Lapic.Eoi()
	case trapno == defs.T_TLBFLUSH:
		Tlbflush()
		apic.Lapic.Eoi()
	case trapno == defs.T_IPICALL:
		cpu.run_ipicalls()
		apic.Lapic.Eoi()
	case trapno == defs.T_WAKE_CORE:
		// the point was the wakeup itself
		apic.Lapic.Eoi()
	case trapno == defs.T_PAUSE:
		apic.Lapic.Eoi()
		proc.Sched.Yield()
	case traphandlers[trapno] != nil:
		traphandlers[trapno](tf)
		apic.Lapic.Eoi()
	case trapno == defs.T_SYSCALL:
		// syscalls take the fast path; arriving here is a bug
		cpu.Kerneltrap(tf, fa)
	case trapno >= defs.T_IRQ0 && trapno < defs.T_IRQ0+nirqs:
		irq := trapno - defs.T_IRQ0
		if !irq_dispatch(irq) {
			unexpected_irq(irq)
		}
		apic.Lapic.Eoi()
	case trapno == defs.T_PGFLT:
		cpu.pagefault(tf, fa)
	default:
		cpu.exception(trapno, tf)
	}

	// a doomed proc never returns to user mode
	if tf.Usermode() && cpu.Proc != nil && cpu.Proc.Doomed() {
		cpu.Proc.Procexit()
	}
}

func (cpu *Cpu_t) timer(tf *Tf_t) {
	stats.Kstats.Sched_tick_count.Inc()
	if n := atomic.LoadInt32(&cpu.Timer_printpc); n > 0 {
		fmt.Printf("cpu%d: pc %#x\n", cpu.Id, tf[defs.TF_RIP])
		if n > 1 {
			cpu.Printtrace(tf)
		}
		atomic.StoreInt32(&cpu.Timer_printpc, 0)
	}
	if cpu.Id == 0 {
		if Timerintr != nil {
			Timerintr()
		}
		if Reclaimtick != nil {
			Reclaimtick()
		}
	}
	apic.Lapic.Eoi()
	if cpu.In_no_sched() {
		cpu.defer_yield()
		stats.Kstats.Sched_blocked_tick_count.Inc()
		return
	}
	proc.Sched.Yield()
}

func (cpu *Cpu_t) pagefault(tf *Tf_t, fa uintptr) {
	p := cpu.Proc
	ecode := tf[defs.TF_ERROR]

	if tf.Usermode() {
		if track_entry_times && fa == 123 {
			dump_entry_times()
			tf[defs.TF_RIP] += 7
			return
		}
		// resolving the fault may allocate or sleep; let further
		// interrupts in while it runs
		cpu.Sti()
		err := p.Aspace.Pagefault(fa, ecode)
		cpu.Cli()
		if err == 0 {
			return
		}
		if err == -defs.ENOMEM {
			// no memory to resolve a legal access; the proc
			// cannot catch its way out of that
			fmt.Printf("pid %d (%s): out of memory faulting %#x, "+
				"killing\n", p.Pid, p.Name, fa)
			p.Doom()
			return
		}
		if !p.Deliver_signal(defs.SIGSEGV) {
			fmt.Printf("pid %d (%s): fault at %#x rip %#x "+
				"err %#x, killing\n", p.Pid, p.Name, fa,
				tf[defs.TF_RIP], ecode)
			p.Doom()
		}
		return
	}

	// a kernel fault on a user address while dereferencing a user
	// pointer for the current proc is a reportable failed access
	if p != nil && p.In_uaccess() && fa < mem.USERTOP {
		if err := p.Aspace.Pagefault(fa, ecode); err == 0 {
			return
		}
		p.Uaccess_failed()
		return
	}
	cpu.Kerneltrap(tf, fa)
}

func (cpu *Cpu_t) exception(trapno int, tf *Tf_t) {
	if !tf.Usermode() {
		cpu.Kerneltrap(tf, 0)
		return
	}
	p := cpu.Proc
	var sig defs.Signal_t
	switch trapno {
	case defs.T_ILLOP:
		if cpu.emulate_instr(tf) {
			return
		}
		sig = defs.SIGILL
	case defs.T_DIVZERO:
		sig = defs.SIGFPE
	case defs.T_BRKPT:
		sig = defs.SIGTRAP
	default:
		sig = defs.SIGSEGV
	}
	if !p.Deliver_signal(sig) {
		fmt.Printf("pid %d (%s): %s at rip %#x, killing\n", p.Pid,
			p.Name, Trapname(trapno), tf[defs.TF_RIP])
		p.Doom()
	}
}

// x86 register number to trapframe slot
var regorder = [16]int{defs.TF_RAX, defs.TF_RCX, defs.TF_RDX, defs.TF_RBX,
	defs.TF_RSP, defs.TF_RBP, defs.TF_RSI, defs.TF_RDI, defs.TF_R8,
	defs.TF_R9, defs.TF_R10, defs.TF_R11, defs.TF_R12, defs.TF_R13,
	defs.TF_R14, defs.TF_R15}

// some machines lack popcnt; emulate "f3 rex 0f b8 /r" with a register
// operand so user binaries compiled with it still run. returns true if
// the instruction was emulated and the trap should simply return.
func (cpu *Cpu_t) emulate_instr(tf *Tf_t) bool {
	instr, ok := Fetch_instr(cpu.Proc, tf[defs.TF_RIP])
	if !ok {
		return false
	}
	if track_entry_times && instr&0xffff == 0x0b0f {
		// ud2 probe: hand the cycle counter back in rax
		tf[defs.TF_RAX] = uintptr(rdtsc())
		tf[defs.TF_RIP] += 2
		return true
	}
	if instr&0xc0fffff0ff != 0xc0b80f40f3 {
		return false
	}
	rex := uint8(instr >> 8)
	modrm := uint8(instr >> 32)
	dst := int((modrm>>3)&7) | int(rex&0x4)<<1
	src := int(modrm&7) | int(rex&0x1)<<3
	tf[regorder[dst]] =
		uintptr(bits.OnesCount64(uint64(tf[regorder[src]])))
	tf[defs.TF_RIP] += 5
	return true
}
