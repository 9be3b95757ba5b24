package regstate

// Logical register numbers for 32-bit ARM, ported from
// PLCrashAsyncThread_arm.c's PLCRASH_ARM_* enum.
const (
	ARM_R0 = iota
	ARM_R1
	ARM_R2
	ARM_R3
	ARM_R4
	ARM_R5
	ARM_R6
	ARM_R7
	ARM_R8
	ARM_R9
	ARM_R10
	ARM_R11
	ARM_R12
	ARM_SP
	ARM_LR
	ARM_PC
	ARM_CPSR
)

// armDwarfTable is PLCrashAsyncThread_arm.c's arm_dwarf_table, ported
// field for field from "DWARF for the ARM Architecture", ARM IHI 0040B.
var armDwarfTable = []struct{ reg, dwarf int }{
	{ARM_R0, 0},
	{ARM_R1, 1},
	{ARM_R2, 2},
	{ARM_R3, 3},
	{ARM_R4, 4},
	{ARM_R5, 5},
	{ARM_R6, 6},
	{ARM_R7, 7},
	{ARM_R8, 8},
	{ARM_R9, 9},
	{ARM_R10, 10},
	{ARM_R11, 11},
	{ARM_R12, 12},
	{ARM_SP, 13},
	{ARM_LR, 14},
	{ARM_PC, 15},
}

// armNonVolatile is PLCrashAsyncThread_arm.c's arm_nonvolatile_registers,
// per Apple's iOS ARM Function Call Guide: r4-r8, r10, r11.
var armNonVolatile = []int{
	ARM_R4, ARM_R5, ARM_R6, ARM_R7, ARM_R8, ARM_R10, ARM_R11,
}
