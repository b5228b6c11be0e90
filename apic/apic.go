package apic

// the interrupt controller surface the trap layer depends on. the real
// implementations program lapic and ioapic registers; tests substitute
// recording fakes. the defaults are inert so single-threaded bringup and
// unit tests work before any controller is discovered.

type Lapic_i interface {
	// signal end of interrupt for the in-service vector
	Eoi()
	// send vector as an ipi to the lapic with the given id
	Send_ipi(apicid, vector int)
}

type Ioapic_i interface {
	Irq_mask(irq int)
	Irq_unmask(irq int)
}

type nop_lapic_t struct{}

func (nop_lapic_t) Eoi() {}

func (nop_lapic_t) Send_ipi(apicid, vec int) {}

type nop_ioapic_t struct{}

func (nop_ioapic_t) Irq_mask(irq int) {}

func (nop_ioapic_t) Irq_unmask(irq int) {}

var Lapic Lapic_i = nop_lapic_t{}
var Apic Ioapic_i = nop_ioapic_t{}
