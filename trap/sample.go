package trap

import "sync/atomic"

import "github.com/fintelia/sv6/circbuf"
import "github.com/fintelia/sv6/defs"
import "github.com/fintelia/sv6/mem"

// nmi-driven pc sampler. a performance counter is programmed to overflow
// every rate events and raise an nmi; the nmi handler records the
// interrupted pc in a per-cpu ring. rings are drained with sampling
// stopped, so the nmi path never takes a lock.

// programs the local core's counter; the real version writes the pmc
// msrs
var Setpmc func(rate uint64, enable bool) = func(rate uint64, enable bool) {}

type sampler_t struct {
	on    uint32
	rate  uint64
	rings []circbuf.Circbuf_t
	drops uint64
}

var sampler sampler_t

// allocate the per-cpu rings and take over the nmi and config vectors.
// call after Inittrap.
func Initsample(m mem.Page_i) defs.Err_t {
	sampler.rings = make([]circbuf.Circbuf_t, len(Cpus))
	for i := range sampler.rings {
		if err := sampler.rings[i].Cb_init(m); err != 0 {
			return err
		}
	}
	Sampintr = sampler.nmi
	Reg_trap_handler(defs.T_SAMPCONF, sampler.conf)
	return 0
}

// start sampling every rate events on all cores. each core programs its
// own counter, so the config is broadcast as an ipi.
func Sampstart(rate uint64) {
	atomic.StoreUint64(&sampler.rate, rate)
	atomic.StoreUint32(&sampler.on, 1)
	for _, c := range Cpus {
		sendipi(c.Id, defs.T_SAMPCONF)
	}
}

func Sampstop() {
	atomic.StoreUint32(&sampler.on, 0)
	for _, c := range Cpus {
		sendipi(c.Id, defs.T_SAMPCONF)
	}
}

// the T_SAMPCONF handler; applies the current config to this core's
// counter
func (s *sampler_t) conf(tf *Tf_t) {
	on := atomic.LoadUint32(&s.on) != 0
	Setpmc(atomic.LoadUint64(&s.rate), on)
}

func (s *sampler_t) nmi(cpu *Cpu_t, tf *Tf_t) int {
	if atomic.LoadUint32(&s.on) == 0 {
		return 0
	}
	if !s.rings[cpu.Id].Push(tf[defs.TF_RIP]) {
		atomic.AddUint64(&s.drops, 1)
	}
	return 1
}

// drain every ring. call with sampling stopped; the rips of all cores
// are concatenated in cpu order.
func Sampread() []uintptr {
	// XXXPANIC
	if atomic.LoadUint32(&sampler.on) != 0 {
		panic("drain while sampling")
	}
	var r []uintptr
	for i := range sampler.rings {
		for {
			v, ok := sampler.rings[i].Pop()
			if !ok {
				break
			}
			r = append(r, v)
		}
	}
	return r
}

func Sampdrops() uint64 {
	return atomic.LoadUint64(&sampler.drops)
}
