package regstate

// Logical register numbers for 32-bit x86.
const (
	X86_EAX = iota
	X86_EBX
	X86_ECX
	X86_EDX
	X86_EDI
	X86_ESI
	X86_EBP
	X86_ESP
	X86_EIP
	X86_EFLAGS
)

// x86DwarfTable is the DWARF register numbering from the System V i386
// ABI.
var x86DwarfTable = []struct{ reg, dwarf int }{
	{X86_EAX, 0},
	{X86_ECX, 1},
	{X86_EDX, 2},
	{X86_EBX, 3},
	{X86_ESP, 4},
	{X86_EBP, 5},
	{X86_ESI, 6},
	{X86_EDI, 7},
	{X86_EIP, 8},
}

// x86NonVolatile is the i386 ABI's callee-saved set, named explicitly
// in spec §4.D: ebx, esi, edi, ebp, esp, eip.
var x86NonVolatile = []int{
	X86_EBX, X86_ESI, X86_EDI, X86_EBP, X86_ESP, X86_EIP,
}
