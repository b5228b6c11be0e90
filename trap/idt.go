package trap

import "github.com/fintelia/sv6/apic"
import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/vm"

// one interrupt descriptor: the entry stub the cpu jumps through, the
// privilege level allowed to raise the vector with int, and which
// dedicated interrupt stack (0 for none) the cpu switches to. the real
// table is what lidt points at; this mirrors it so the rest of the
// kernel can reason about vectors.
type idtent_t struct {
	stub uintptr
	dpl  int
	ist  int
}

// entry stubs are generated back to back at a fixed stride
const stub_base uintptr = 0xffffffff81001000
const stub_sz uintptr = 16

var idt [256]idtent_t
var idtloaded bool

// build the descriptor table. every vector gets its stub; the two traps
// that must not run on a possibly-bad kernel stack get dedicated stacks,
// and the vectors user mode may raise directly get dpl 3. once loaded
// the table never changes.
func idt_setup() {
	if idtloaded {
		return
	}
	for v := range idt {
		idt[v] = idtent_t{stub: stub_base + uintptr(v)*stub_sz}
	}
	idt[defs.T_BRKPT].dpl = 3
	idt[defs.T_SYSCALL].dpl = 3
	idt[defs.T_NMI].ist = 1
	idt[defs.T_DBLFLT].ist = 2
	idtloaded = true
}

// read vector v's descriptor. the table is immutable after idt_setup, so
// a copy is returned and there is no setter.
func Idtent(v int) (uintptr, int, int) {
	// XXXPANIC
	if !idtloaded {
		panic("idt not loaded")
	}
	e := &idt[v]
	return e.stub, e.dpl, e.ist
}

func sendipi(apicid, vector int) {
	apic.Lapic.Send_ipi(apicid, vector)
}

// boot-time trap setup: the descriptor table, per-cpu state, the
// reserved irq map, and the tlb shootdown path. the legacy isa irqs keep
// their fixed routes; the fixed ipi, syscall, msi, error, and spurious
// vectors must never be handed out by Irq_reserve.
func Inittrap(ncpu int) {
	idt_setup()
	Initcpus(ncpu)
	for i := 0; i < 16; i++ {
		irq_claim(i)
	}
	irq_claim(defs.IRQ_ERROR)
	irq_claim(defs.IRQ_SPURIOUS)
	for _, v := range []int{defs.T_SYSCALL, defs.T_TLBFLUSH,
		defs.T_SAMPCONF, defs.T_PAUSE, defs.T_IPICALL,
		defs.T_WAKE_CORE} {
		irq_claim(v - defs.T_IRQ0)
	}
	for v := defs.INT_MSI0; v <= defs.INT_MSI7; v++ {
		irq_claim(v - defs.T_IRQ0)
	}
	vm.Set_tlbshoot(tlb_shootdown)
}

// invalidate translations for a va range everywhere. every core gets the
// flush ipi; a core that never loaded the asid flushes nothing of value
// but the ipi cost keeps the sender simple.
func tlb_shootdown(asid int, va uintptr, pgcount int) {
	for _, c := range Cpus {
		sendipi(c.Id, defs.T_TLBFLUSH)
	}
}
