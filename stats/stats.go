package stats

import "reflect"
import "sync/atomic"
import "strconv"
import "strings"
import "unsafe"

const Stats = true

var Nirqs [256]int
var Irqs int

type Counter_t int64

func (c *Counter_t) Inc() {
	if Stats {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

func (c *Counter_t) Read() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// scheduler tick accounting. blocked ticks are timer interrupts that arrived
// inside a no-sched critical section; delayed ticks are the yields we ran
// for them once the outermost scope exited.
type Kstats_t struct {
	Sched_tick_count         Counter_t
	Sched_blocked_tick_count Counter_t
	Sched_delayed_tick_count Counter_t
	Page_faults              Counter_t
	Cow_copies               Counter_t
	Cow_claims               Counter_t
	Zero_fills               Counter_t
	Tlb_shootdowns           Counter_t
}

var Kstats = &Kstats_t{}

func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " +
				strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
