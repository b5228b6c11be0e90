package trap

import "fmt"
import "time"

import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/stats"
import "github.com/fintelia/sv6/util"

var trapnames = map[int]string{
	defs.T_DIVZERO: "divide error",
	defs.T_NMI:     "non-maskable interrupt",
	defs.T_BRKPT:   "breakpoint",
	defs.T_ILLOP:   "illegal opcode",
	defs.T_DBLFLT:  "double fault",
	defs.T_GPFLT:   "general protection fault",
	defs.T_PGFLT:   "page fault",
}

func Trapname(trapno int) string {
	if s, ok := trapnames[trapno]; ok {
		return s
	}
	return fmt.Sprintf("trap %d", trapno)
}

// a trap the kernel cannot recover from halts the machine. overridable so
// tests can observe the halt instead of dying.
var halt func(msg string) = func(msg string) { panic(msg) }

// a trap in kernel mode that no handler claims is a kernel bug. prints
// the trapframe and stops; never returns.
func (cpu *Cpu_t) Kerneltrap(tf *Tf_t, fa uintptr) {
	trapno := int(tf[defs.TF_TRAP])
	cpu.Printtrap(tf, fa)
	cpu.Printtrace(tf)
	halt(fmt.Sprintf("kernel %s", Trapname(trapno)))
}

func (cpu *Cpu_t) Printtrap(tf *Tf_t, fa uintptr) {
	fmt.Printf("cpu%d: %s\n", cpu.Id, Trapname(int(tf[defs.TF_TRAP])))
	fmt.Printf("  rip %#x rsp %#x rbp %#x\n", tf[defs.TF_RIP],
		tf[defs.TF_RSP], tf[defs.TF_RBP])
	fmt.Printf("  err %#x cs %#x rflags %#x\n", tf[defs.TF_ERROR],
		tf[defs.TF_CS], tf[defs.TF_RFLAGS])
	if int(tf[defs.TF_TRAP]) == defs.T_PGFLT {
		fmt.Printf("  fault addr %#x\n", fa)
	}
	if p := cpu.Proc; p != nil {
		fmt.Printf("  pid %d (%s)\n", p.Pid, p.Name)
	}
}

// walk the interrupted context's frame pointer chain and print return
// addresses. frames are read with the lock-free user memory reader so a
// corrupt rbp cannot fault or block the trap path; the walk just stops.
func (cpu *Cpu_t) Printtrace(tf *Tf_t) {
	p := cpu.Proc
	if p == nil || p.Aspace == nil {
		return
	}
	rbp := tf[defs.TF_RBP]
	for i := 0; i < 16 && rbp != 0; i++ {
		var frame [16]uint8
		if p.Aspace.Safe_read(frame[:], rbp) != len(frame) {
			break
		}
		nextrbp := uintptr(util.Readn(frame[:], 8, 0))
		retpc := uintptr(util.Readn(frame[:], 8, 8))
		if retpc == 0 {
			break
		}
		fmt.Printf("  %#x\n", retpc)
		if nextrbp <= rbp {
			break
		}
		rbp = nextrbp
	}
}

func rdtsc() uint64 {
	return uint64(time.Now().UnixNano())
}

func dump_entry_times() {
	fmt.Printf("%s", stats.Stats2String(stats.Kstats))
}
