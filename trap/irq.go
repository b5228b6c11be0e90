package trap

import "fmt"
import "sync"

import "github.com/fintelia/sv6/apic"
import "github.com/fintelia/sv6/defs"

// external interrupt bookkeeping. irq numbers are relative to T_IRQ0.
// several devices may share one irq; their handlers are chained and every
// handler on the chain runs on each interrupt, before the eoi.

const nirqs = 256 - defs.T_IRQ0

type irqhandler_t struct {
	f    func()
	next *irqhandler_t
}

type irqinfo_t struct {
	inuse bool
	// route attributes from the bus tables; the ioapic entry is
	// programmed from these when the line is unmasked
	level     bool
	lowactive bool
	handlers  *irqhandler_t
}

var irqlock sync.Mutex
var irqs [nirqs]irqinfo_t

// reserve a free irq. a device whose routing is constrained passes the
// lines it can use in accept and gets the first free one of those; a
// device that can be routed anywhere (msi and ioapic-routed pci
// interrupts) passes nil and the scan runs from high vectors down so the
// legacy isa range is disturbed last. returns false if nothing is free.
func Irq_reserve(accept []int) (int, bool) {
	irqlock.Lock()
	defer irqlock.Unlock()
	if accept != nil {
		for _, irq := range accept {
			if irq >= 0 && irq < nirqs && !irqs[irq].inuse {
				irqs[irq].inuse = true
				return irq, true
			}
		}
		return 0, false
	}
	for i := nirqs - 1; i >= 0; i-- {
		if !irqs[i].inuse {
			irqs[i].inuse = true
			return i, true
		}
	}
	return 0, false
}

// record irq's trigger mode and polarity as the bus reports them
func Irq_set_route(irq int, level, lowactive bool) {
	// XXXPANIC
	if irq < 0 || irq >= nirqs {
		panic("no")
	}
	irqlock.Lock()
	irqs[irq].level = level
	irqs[irq].lowactive = lowactive
	irqlock.Unlock()
}

func Irq_route(irq int) (bool, bool) {
	irqlock.Lock()
	defer irqlock.Unlock()
	return irqs[irq].level, irqs[irq].lowactive
}

// mark irq as taken without registering a handler; used for fixed legacy
// routes so Irq_reserve never hands them out.
func irq_claim(irq int) {
	irqlock.Lock()
	irqs[irq].inuse = true
	irqlock.Unlock()
}

// add f to irq's handler chain and unmask the line. handlers run in
// interrupt context and must not block.
func Irq_register_handler(irq int, f func()) {
	// XXXPANIC
	if irq < 0 || irq >= nirqs {
		panic("no")
	}
	irqlock.Lock()
	irqs[irq].inuse = true
	irqs[irq].handlers = &irqhandler_t{f: f, next: irqs[irq].handlers}
	irqlock.Unlock()
	apic.Apic.Irq_unmask(irq)
}

// run irq's handler chain. returns false if no driver has claimed the
// irq, which means the interrupt is unexpected.
func irq_dispatch(irq int) bool {
	irqlock.Lock()
	h := irqs[irq].handlers
	irqlock.Unlock()
	if h == nil {
		return false
	}
	for ; h != nil; h = h.next {
		h.f()
	}
	return true
}

// subsystems that own a whole trap vector (the profiler, ipi protocols)
// register here; the dispatcher hands them the full trapframe.
var traphandlers [256]func(tf *Tf_t)

func Reg_trap_handler(trapno int, f func(tf *Tf_t)) {
	// XXXPANIC
	if trapno < 0 || trapno >= len(traphandlers) {
		panic("no")
	}
	traphandlers[trapno] = f
}

var msilock sync.Mutex
var msiused uint8

// allocate one of the eight fixed msi vectors for a pci device. the
// device's handler is registered against the vector's irq as usual.
func Msi_alloc() (int, bool) {
	msilock.Lock()
	defer msilock.Unlock()
	for i := 0; i < 8; i++ {
		if msiused&(1<<i) == 0 {
			msiused |= 1 << i
			return defs.INT_MSI0 + i, true
		}
	}
	return 0, false
}

func unexpected_irq(irq int) {
	fmt.Printf("cpu: unexpected irq %d, masking\n", irq)
	apic.Apic.Irq_mask(irq)
}
