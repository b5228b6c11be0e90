package defs

type Tid_t int

// trap vectors. 0-31 are fixed by the architecture; 32 and up are ours to
// assign. the IPI vectors must match the values the sender programs into the
// ICR.
const (
	T_DIVZERO = 0
	T_NMI     = 2
	T_BRKPT   = 3
	T_ILLOP   = 6
	T_DBLFLT  = 8
	T_GPFLT   = 13
	T_PGFLT   = 14

	T_IRQ0 = 32

	IRQ_TIMER    = 0
	IRQ_KBD      = 1
	IRQ_COM2     = 3
	IRQ_COM1     = 4
	IRQ_MOUSE    = 12
	IRQ_IDE      = 14
	IRQ_ERROR    = 19
	IRQ_SPURIOUS = 31

	T_SYSCALL   = 64
	T_TLBFLUSH  = 70
	T_SAMPCONF  = 72
	T_PAUSE     = 73
	T_IPICALL   = 74
	T_WAKE_CORE = 75

	INT_KBD  = T_IRQ0 + IRQ_KBD
	INT_COM1 = T_IRQ0 + IRQ_COM1

	INT_MSI0 = 56
	INT_MSI1 = 57
	INT_MSI2 = 58
	INT_MSI3 = 59
	INT_MSI4 = 60
	INT_MSI5 = 61
	INT_MSI6 = 62
	INT_MSI7 = 63
)

// page fault error code bits
const (
	FEC_PR uintptr = 1 << 0
	FEC_WR uintptr = 1 << 1
	FEC_U  uintptr = 1 << 2
)

// trapframe layout. the stubs push the 17 GP registers (including gsbase and
// fsbase) followed by the trap number, error code, and the iret frame.
const (
	TFSIZE    = 24
	TFREGS    = 17
	TF_GSBASE = 0
	TF_FSBASE = 1
	TF_R15    = 2
	TF_R14    = 3
	TF_R13    = 4
	TF_R12    = 5
	TF_R11    = 6
	TF_R10    = 7
	TF_R9     = 8
	TF_R8     = 9
	TF_RBP    = 10
	TF_RSI    = 11
	TF_RDI    = 12
	TF_RDX    = 13
	TF_RCX    = 14
	TF_RBX    = 15
	TF_RAX    = 16
	TF_TRAP   = TFREGS
	TF_ERROR  = TFREGS + 1
	TF_RIP    = TFREGS + 2
	TF_CS     = TFREGS + 3
	TF_RFLAGS = TFREGS + 4
	TF_RSP    = TFREGS + 5
	TF_SS     = TFREGS + 6
	TF_FL_IF  = 1 << 9
)

// low two bits of the saved %cs give the privilege level of the interrupted
// context.
func Usermode(cs uintptr) bool {
	return cs&3 == 3
}

// signals the trap layer may deliver
type Signal_t int

const (
	SIGILL  Signal_t = 4
	SIGTRAP Signal_t = 5
	SIGBUS  Signal_t = 7
	SIGFPE  Signal_t = 8
	SIGKILL Signal_t = 9
	SIGSEGV Signal_t = 11
)
