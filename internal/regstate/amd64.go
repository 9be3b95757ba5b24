package regstate

// Logical register numbers for amd64.
const (
	AMD64_RAX = iota
	AMD64_RBX
	AMD64_RCX
	AMD64_RDX
	AMD64_RDI
	AMD64_RSI
	AMD64_RBP
	AMD64_RSP
	AMD64_R8
	AMD64_R9
	AMD64_R10
	AMD64_R11
	AMD64_R12
	AMD64_R13
	AMD64_R14
	AMD64_R15
	AMD64_RIP
	AMD64_RFLAGS
)

// amd64DwarfTable is the System V AMD64 ABI's DWARF register numbering
// (x86-64 psABI, table 3.36), covering the general-purpose subset this
// port needs for CFI evaluation.
var amd64DwarfTable = []struct{ reg, dwarf int }{
	{AMD64_RAX, 0},
	{AMD64_RDX, 1},
	{AMD64_RCX, 2},
	{AMD64_RBX, 3},
	{AMD64_RSI, 4},
	{AMD64_RDI, 5},
	{AMD64_RBP, 6},
	{AMD64_RSP, 7},
	{AMD64_R8, 8},
	{AMD64_R9, 9},
	{AMD64_R10, 10},
	{AMD64_R11, 11},
	{AMD64_R12, 12},
	{AMD64_R13, 13},
	{AMD64_R14, 14},
	{AMD64_R15, 15},
	{AMD64_RIP, 16},
}

// amd64NonVolatile is the System V AMD64 ABI's callee-saved set, named
// explicitly in spec §4.D: rbx, r12-r15, rbp, rsp, rip.
var amd64NonVolatile = []int{
	AMD64_RBX, AMD64_R12, AMD64_R13, AMD64_R14, AMD64_R15, AMD64_RBP, AMD64_RSP, AMD64_RIP,
}
