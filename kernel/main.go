package main

import "fmt"
import "runtime"

import "github.com/fintelia/sv6/mem"
import "github.com/fintelia/sv6/proc"
import "github.com/fintelia/sv6/stats"
import "github.com/fintelia/sv6/trap"
import "github.com/fintelia/sv6/vm"

// reserve pages for the physical allocator. on hardware this comes from
// the e820 map; here the pool is fixed.
const respgs = 1 << 16

var ticks uint64

func main() {
	ncpu := runtime.NumCPU()
	fmt.Printf("boot: %d cpus\n", ncpu)

	mem.Phys_init(respgs)
	trap.Inittrap(ncpu)
	if err := trap.Initsample(mem.Physmem); err != 0 {
		panic("sampler rings")
	}
	trap.Timerintr = func() {
		ticks++
	}

	p := mkinit()
	trap.Cpus[0].Proc = p
	fmt.Printf("pid %d (%s) ready\n", p.Pid, p.Name)
	fmt.Printf("%s", stats.Stats2String(stats.Kstats))
}

// build init's address space: text and stack regions plus the heap
// break, all faulted in lazily.
func mkinit() *proc.Proc_t {
	as := vm.Mkvmap(1)
	if as.Insert(0, 4*uintptr(mem.PGSIZE), vm.Anon_desc()) == vm.MAP_FAILED {
		panic("no room for text")
	}
	stack := as.Insert(0, 8*uintptr(mem.PGSIZE), vm.Anon_desc())
	if stack == vm.MAP_FAILED {
		panic("no room for stack")
	}
	as.Init_brk(stack + 8*uintptr(mem.PGSIZE))
	if _, err := as.Sbrk(mem.PGSIZE); err != 0 {
		panic("brk")
	}

	return proc.Newproc("init", as)
}
