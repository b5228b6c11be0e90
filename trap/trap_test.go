package trap

import "fmt"
import "testing"

import "github.com/fintelia/sv6/apic"
import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"
import "github.com/fintelia/sv6/proc"
import "github.com/fintelia/sv6/vm"

type reclapic_t struct {
	events []string
}

func (r *reclapic_t) Eoi() {
	r.events = append(r.events, "eoi")
}

func (r *reclapic_t) Send_ipi(apicid, vec int) {
	r.events = append(r.events, fmt.Sprintf("ipi %d %d", apicid, vec))
}

type recioapic_t struct {
	masked map[int]bool
}

func (r *recioapic_t) Irq_mask(irq int) { r.masked[irq] = true }

func (r *recioapic_t) Irq_unmask(irq int) { r.masked[irq] = false }

type recsched_t struct {
	yields int
}

func (r *recsched_t) Yield() { r.yields++ }

func (r *recsched_t) Addrun(p *proc.Proc_t) {}

func testsetup(t *testing.T) (*reclapic_t, *recsched_t, func()) {
	t.Helper()
	la := &reclapic_t{}
	io := &recioapic_t{masked: make(map[int]bool)}
	sc := &recsched_t{}
	ola, oio, osc := apic.Lapic, apic.Apic, proc.Sched
	oh := halt
	apic.Lapic, apic.Apic, proc.Sched = la, io, sc
	Inittrap(2)
	return la, sc, func() {
		apic.Lapic, apic.Apic, proc.Sched = ola, oio, osc
		halt = oh
	}
}

func mktf(trapno int, user bool) *Tf_t {
	tf := &Tf_t{}
	tf[defs.TF_TRAP] = uintptr(trapno)
	if user {
		tf[defs.TF_CS] = 0x23
	} else {
		tf[defs.TF_CS] = 0x8
	}
	return tf
}

func TestVectorTable(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	stubs := map[uintptr]bool{}
	for v := 0; v < 256; v++ {
		stub, dpl, ist := Idtent(v)
		if stub == 0 || stubs[stub] {
			t.Fatalf("vector %d stub %#x", v, stub)
		}
		stubs[stub] = true
		switch v {
		case defs.T_BRKPT, defs.T_SYSCALL:
			if dpl != 3 {
				t.Fatalf("vector %d dpl %d", v, dpl)
			}
		default:
			if dpl != 0 {
				t.Fatalf("vector %d dpl %d", v, dpl)
			}
		}
		switch v {
		case defs.T_NMI:
			if ist != 1 {
				t.Fatalf("nmi ist %d", ist)
			}
		case defs.T_DBLFLT:
			if ist != 2 {
				t.Fatalf("double fault ist %d", ist)
			}
		default:
			if ist != 0 {
				t.Fatalf("vector %d ist %d", v, ist)
			}
		}
	}

	// the table is loaded once; a second init must not rebuild it
	stub, _, _ := Idtent(defs.T_PGFLT)
	Inittrap(2)
	if s, _, _ := Idtent(defs.T_PGFLT); s != stub {
		t.Fatalf("reinit changed the table")
	}
}

func TestIrqReserveAccept(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	// constrained reservations land only on accepted free lines, in
	// order
	irq, ok := Irq_reserve([]int{100, 101})
	if !ok || irq != 100 {
		t.Fatalf("got %d %v", irq, ok)
	}
	irq, ok = Irq_reserve([]int{100, 101})
	if !ok || irq != 101 {
		t.Fatalf("got %d %v", irq, ok)
	}
	if _, ok := Irq_reserve([]int{100, 101}); ok {
		t.Fatalf("reserved a taken line")
	}
	// a fixed legacy route is never acceptable
	if _, ok := Irq_reserve([]int{defs.IRQ_TIMER}); ok {
		t.Fatalf("reserved the timer line")
	}

	Irq_set_route(irq, true, true)
	if level, low := Irq_route(irq); !level || !low {
		t.Fatalf("route attrs lost: %v %v", level, low)
	}
	if level, low := Irq_route(irq - 1); level || low {
		t.Fatalf("route attrs leaked: %v %v", level, low)
	}
}

func TestIrqChainBeforeEoi(t *testing.T) {
	la, _, restore := testsetup(t)
	defer restore()

	irq, ok := Irq_reserve(nil)
	if !ok {
		t.Fatalf("no free irq")
	}
	var order []string
	Irq_register_handler(irq, func() {
		order = append(order, "a")
		la.events = append(la.events, "a")
	})
	Irq_register_handler(irq, func() {
		order = append(order, "b")
		la.events = append(la.events, "b")
	})

	cpu := Cpus[0]
	cpu.Trap(mktf(defs.T_IRQ0+irq, false), 0)

	// both handlers run, newest first, and the eoi follows the chain
	want := []string{"b", "a", "eoi"}
	if len(la.events) != len(want) {
		t.Fatalf("events %v", la.events)
	}
	for i := range want {
		if la.events[i] != want[i] {
			t.Fatalf("events %v", la.events)
		}
	}

	// a second interrupt runs the chain again
	cpu.Trap(mktf(defs.T_IRQ0+irq, false), 0)
	if len(order) != 4 {
		t.Fatalf("second interrupt ran chain %d times", len(order)-2)
	}
}

func TestSpuriousNoEoi(t *testing.T) {
	la, _, restore := testsetup(t)
	defer restore()

	Cpus[0].Trap(mktf(defs.T_IRQ0+defs.IRQ_SPURIOUS, false), 0)
	for _, e := range la.events {
		if e == "eoi" {
			t.Fatalf("spurious vector acked: %v", la.events)
		}
	}
}

func TestUnexpectedIrqMasked(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	irq, ok := Irq_reserve(nil)
	if !ok {
		t.Fatalf("no free irq")
	}
	Cpus[0].Trap(mktf(defs.T_IRQ0+irq, false), 0)
	io := apic.Apic.(*recioapic_t)
	if !io.masked[irq] {
		t.Fatalf("unclaimed irq not masked")
	}
}

func TestTimerYield(t *testing.T) {
	_, sc, restore := testsetup(t)
	defer restore()

	cpu := Cpus[0]
	cpu.Trap(mktf(defs.T_IRQ0+defs.IRQ_TIMER, true), 0)
	if sc.yields != 1 {
		t.Fatalf("yields %d", sc.yields)
	}
}

func TestTimerDeferredYield(t *testing.T) {
	_, sc, restore := testsetup(t)
	defer restore()

	cpu := Cpus[0]
	cpu.Push_no_sched()
	cpu.Push_no_sched()
	cpu.Trap(mktf(defs.T_IRQ0+defs.IRQ_TIMER, false), 0)
	cpu.Trap(mktf(defs.T_IRQ0+defs.IRQ_TIMER, false), 0)
	if sc.yields != 0 {
		t.Fatalf("yielded inside no-sched scope")
	}
	cpu.Pop_no_sched()
	if sc.yields != 0 {
		t.Fatalf("yielded before outermost pop")
	}
	cpu.Pop_no_sched()
	// two blocked ticks collapse into one deferred yield
	if sc.yields != 1 {
		t.Fatalf("deferred yields %d", sc.yields)
	}

	// a scope with no blocked tick must not yield again
	cpu.Push_no_sched()
	cpu.Pop_no_sched()
	if sc.yields != 1 {
		t.Fatalf("empty scope yielded")
	}
}

func TestTimerRunsCallbacksOnCpu0(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	ticks := 0
	Timerintr = func() { ticks++ }
	defer func() { Timerintr = nil }()

	Cpus[0].Trap(mktf(defs.T_IRQ0+defs.IRQ_TIMER, false), 0)
	Cpus[1].Trap(mktf(defs.T_IRQ0+defs.IRQ_TIMER, false), 0)
	if ticks != 1 {
		t.Fatalf("timer callback ran %d times", ticks)
	}
}

func TestPushcliNesting(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	cpu := Cpus[0]
	cpu.Sti()
	cpu.Pushcli()
	cpu.Pushcli()
	if cpu.Intenabled() {
		t.Fatalf("interrupts on inside pushcli")
	}
	cpu.Popcli()
	if cpu.Intenabled() {
		t.Fatalf("inner popcli enabled interrupts")
	}
	cpu.Popcli()
	if !cpu.Intenabled() {
		t.Fatalf("outermost popcli did not restore")
	}

	// interrupts off at the outermost pushcli stay off
	cpu.Cli()
	cpu.Pushcli()
	cpu.Popcli()
	if cpu.Intenabled() {
		t.Fatalf("popcli enabled interrupts that were off")
	}
}

func mkuserproc(t *testing.T) *proc.Proc_t {
	t.Helper()
	mem.Phys_init(64)
	as := vm.Mkvmap(1)
	return proc.Mkproc(1, "t", as)
}

func TestUserFaultKills(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	p := mkuserproc(t)
	cpu := Cpus[0]
	cpu.Proc = p
	tf := mktf(defs.T_PGFLT, true)
	tf[defs.TF_ERROR] = defs.FEC_U | defs.FEC_WR
	cpu.Trap(tf, mem.USERMIN)
	if !p.Doomed() || !p.Exited() {
		t.Fatalf("unhandled segv did not kill")
	}
}

func TestUserFaultSignal(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	p := mkuserproc(t)
	p.Set_sighandler(defs.SIGSEGV, 0x1000)
	cpu := Cpus[0]
	cpu.Proc = p
	tf := mktf(defs.T_PGFLT, true)
	tf[defs.TF_ERROR] = defs.FEC_U | defs.FEC_WR
	cpu.Trap(tf, mem.USERMIN)
	if p.Doomed() {
		t.Fatalf("handled segv killed the proc")
	}
	if sig, _, ok := p.Next_signal(); !ok || sig != defs.SIGSEGV {
		t.Fatalf("signal not queued: %d %v", sig, ok)
	}
}

func TestUserFaultOomKills(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	p := mkuserproc(t)
	p.Set_sighandler(defs.SIGSEGV, 0x1000)
	va := p.Aspace.Insert(0, uintptr(mem.PGSIZE), vm.Anon_desc())
	cpu := Cpus[0]
	cpu.Proc = p

	// exhaust physical memory so the legal fault cannot be resolved
	for {
		if _, _, ok := mem.Physmem.Refpg_new(); !ok {
			break
		}
	}
	tf := mktf(defs.T_PGFLT, true)
	tf[defs.TF_ERROR] = defs.FEC_U | defs.FEC_WR
	cpu.Trap(tf, va)
	// oom is fatal even with a segv handler registered
	if !p.Doomed() || !p.Exited() {
		t.Fatalf("oom fault did not kill")
	}
	if _, _, ok := p.Next_signal(); ok {
		t.Fatalf("oom fault queued a signal")
	}
}

func TestUserFaultResolved(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	p := mkuserproc(t)
	va := p.Aspace.Insert(0, uintptr(mem.PGSIZE), vm.Anon_desc())
	cpu := Cpus[0]
	cpu.Proc = p
	tf := mktf(defs.T_PGFLT, true)
	tf[defs.TF_ERROR] = defs.FEC_U | defs.FEC_WR
	cpu.Trap(tf, va)
	if p.Doomed() {
		t.Fatalf("resolvable fault killed the proc")
	}
}

func TestKernelTrapHalts(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	halted := ""
	halt = func(msg string) { halted = msg }

	Cpus[0].Trap(mktf(defs.T_GPFLT, false), 0)
	if halted == "" {
		t.Fatalf("kernel gp fault did not halt")
	}
}

func TestKernelUaccessFault(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	halted := ""
	halt = func(msg string) { halted = msg }

	p := mkuserproc(t)
	cpu := Cpus[0]
	cpu.Proc = p

	p.Begin_uaccess()
	tf := mktf(defs.T_PGFLT, false)
	tf[defs.TF_ERROR] = defs.FEC_WR
	cpu.Trap(tf, mem.USERMIN)
	if halted != "" {
		t.Fatalf("uaccess fault halted the kernel")
	}
	if !p.End_uaccess() {
		t.Fatalf("failed user access not reported")
	}

	// the same fault outside a uaccess window is fatal
	cpu.Trap(tf, mem.USERMIN)
	if halted == "" {
		t.Fatalf("kernel fault did not halt")
	}
}

func TestNmiSwallow(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	cpu := Cpus[0]
	halted := 0
	halt = func(msg string) { halted++ }
	ret := 0
	Sampintr = func(cpu *Cpu_t, tf *Tf_t) int {
		return ret
	}
	defer func() {
		Sampintr = func(cpu *Cpu_t, tf *Tf_t) int { return 0 }
	}()

	nmi := func(rip uintptr) {
		tf := mktf(defs.T_NMI, false)
		tf[defs.TF_RIP] = rip
		cpu.nmi(tf)
	}

	// one overflow, one nmi
	ret = 1
	nmi(0x100)
	if halted != 0 || cpu.nmi_swallow != 0 {
		t.Fatalf("halted %d swallow %d", halted, cpu.nmi_swallow)
	}

	// two overflows in one nmi bank one duplicate, which then arrives
	// back to back at the same pc with nothing left to handle
	ret = 2
	nmi(0x200)
	if cpu.nmi_swallow != 1 {
		t.Fatalf("swallow %d", cpu.nmi_swallow)
	}
	ret = 0
	nmi(0x200)
	if halted != 0 || cpu.nmi_swallow != 0 {
		t.Fatalf("duplicate nmi not swallowed: halted %d swallow %d",
			halted, cpu.nmi_swallow)
	}

	// a spurious nmi at a fresh pc is fatal
	nmi(0x300)
	if halted != 1 {
		t.Fatalf("unexpected nmi not fatal")
	}
}

func TestPopcntEmulation(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	p := mkuserproc(t)
	cpu := Cpus[0]
	cpu.Proc = p

	va := p.Aspace.Insert(0, uintptr(mem.PGSIZE), vm.Anon_desc())
	// popcnt %rbx, %rax
	instr := []uint8{0xf3, 0x48, 0x0f, 0xb8, 0xc3}
	if err := p.Aspace.Copyout(va, instr); err != 0 {
		t.Fatalf("copyout: %d", err)
	}

	tf := mktf(defs.T_ILLOP, true)
	tf[defs.TF_RIP] = va
	tf[defs.TF_RBX] = 0xff00ff
	cpu.Trap(tf, 0)
	if p.Doomed() {
		t.Fatalf("emulatable opcode killed the proc")
	}
	if tf[defs.TF_RAX] != 16 {
		t.Fatalf("popcnt %#x", tf[defs.TF_RAX])
	}
	if tf[defs.TF_RIP] != va+5 {
		t.Fatalf("rip not advanced: %#x", tf[defs.TF_RIP])
	}

	// extended registers: popcnt %r9, %r8
	instr = []uint8{0xf3, 0x4d, 0x0f, 0xb8, 0xc1}
	if err := p.Aspace.Copyout(va, instr); err != 0 {
		t.Fatalf("copyout: %d", err)
	}
	tf = mktf(defs.T_ILLOP, true)
	tf[defs.TF_RIP] = va
	tf[defs.TF_R9] = 0x7
	cpu.Trap(tf, 0)
	if tf[defs.TF_R8] != 3 {
		t.Fatalf("popcnt r8 %#x", tf[defs.TF_R8])
	}

	// a genuinely bad opcode still kills
	instr = []uint8{0x0f, 0x0b, 0, 0, 0}
	if err := p.Aspace.Copyout(va, instr); err != 0 {
		t.Fatalf("copyout: %d", err)
	}
	tf = mktf(defs.T_ILLOP, true)
	tf[defs.TF_RIP] = va
	cpu.Trap(tf, 0)
	if !p.Doomed() {
		t.Fatalf("illegal opcode not fatal")
	}
}

func TestIpicall(t *testing.T) {
	la, _, restore := testsetup(t)
	defer restore()

	ran := 0
	Cpus[1].Ipicall(func() { ran++ })
	found := false
	for _, e := range la.events {
		if e == fmt.Sprintf("ipi 1 %d", defs.T_IPICALL) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no ipi sent: %v", la.events)
	}
	if ran != 0 {
		t.Fatalf("call ran before delivery")
	}
	Cpus[1].Trap(mktf(defs.T_IPICALL, false), 0)
	if ran != 1 {
		t.Fatalf("call ran %d times", ran)
	}
}

func TestTlbShootdownIpis(t *testing.T) {
	la, _, restore := testsetup(t)
	defer restore()

	mem.Phys_init(64)
	as := vm.Mkvmap(1)
	va := as.Insert(0, uintptr(mem.PGSIZE), vm.Anon_desc())
	if err := as.Pagefault(va, defs.FEC_U|defs.FEC_WR); err != 0 {
		t.Fatalf("fault: %d", err)
	}
	la.events = nil
	if err := as.Remove(va, uintptr(mem.PGSIZE)); err != 0 {
		t.Fatalf("remove: %d", err)
	}
	want := map[string]bool{
		fmt.Sprintf("ipi 0 %d", defs.T_TLBFLUSH): false,
		fmt.Sprintf("ipi 1 %d", defs.T_TLBFLUSH): false,
	}
	for _, e := range la.events {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for w, seen := range want {
		if !seen {
			t.Fatalf("missing %q: %v", w, la.events)
		}
	}
}

func TestIrqReserveAvoidsFixed(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	fixed := map[int]bool{
		defs.IRQ_ERROR: true, defs.IRQ_SPURIOUS: true,
		defs.T_SYSCALL - defs.T_IRQ0:   true,
		defs.T_TLBFLUSH - defs.T_IRQ0:  true,
		defs.T_IPICALL - defs.T_IRQ0:   true,
		defs.T_WAKE_CORE - defs.T_IRQ0: true,
	}
	for i := 0; i < 16; i++ {
		fixed[i] = true
	}
	for v := defs.INT_MSI0; v <= defs.INT_MSI7; v++ {
		fixed[v-defs.T_IRQ0] = true
	}
	for i := 0; i < 32; i++ {
		irq, ok := Irq_reserve(nil)
		if !ok {
			t.Fatalf("ran out after %d", i)
		}
		if fixed[irq] {
			t.Fatalf("reserved fixed irq %d", irq)
		}
	}
}

func TestMsiAlloc(t *testing.T) {
	_, _, restore := testsetup(t)
	defer restore()

	msilock.Lock()
	msiused = 0
	msilock.Unlock()

	seen := map[int]bool{}
	for i := 0; i < 8; i++ {
		v, ok := Msi_alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		if v < defs.INT_MSI0 || v > defs.INT_MSI7 || seen[v] {
			t.Fatalf("bad msi vector %d", v)
		}
		seen[v] = true
	}
	if _, ok := Msi_alloc(); ok {
		t.Fatalf("ninth msi vector")
	}
}
