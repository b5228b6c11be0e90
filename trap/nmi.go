package trap

import "github.com/fintelia/sv6/defs"

// the profiler's nmi handler; returns how many pmc overflows it consumed,
// 0 if the nmi was not a sample
var Sampintr func(cpu *Cpu_t, tf *Tf_t) int = func(cpu *Cpu_t, tf *Tf_t) int {
	return 0
}

// nmis cannot be masked, so a pmc that overflows again while a sample nmi
// is being serviced delivers a second nmi immediately after the first
// returns, at the same interrupted pc. when one nmi consumes several
// overflows we bank the extras and swallow that many future duplicates
// instead of dying on an "unexpected" nmi. a change of interrupted pc
// means the duplicates have drained, so the bank resets.
func (cpu *Cpu_t) nmi(tf *Tf_t) {
	repeat := cpu.nmi_lastpc == tf[defs.TF_RIP]
	cpu.nmi_lastpc = tf[defs.TF_RIP]
	if !repeat {
		cpu.nmi_swallow = 0
	}
	handled := Sampintr(cpu, tf)
	if handled == 0 && cpu.nmi_swallow == 0 {
		cpu.Kerneltrap(tf, 0)
		return
	}
	cpu.nmi_swallow += handled - 1
	// XXXPANIC
	if cpu.nmi_swallow < 0 {
		panic("swallowed too many")
	}
}
