package regstate

var nonVolatileTables = map[Arch][]int{
	AMD64: amd64NonVolatile,
	X86:   x86NonVolatile,
	ARM:   armNonVolatile,
}

var dwarfTables = map[Arch][]struct{ reg, dwarf int }{
	AMD64: amd64DwarfTable,
	X86:   x86DwarfTable,
	ARM:   armDwarfTable,
}

func regToDwarf(arch Arch, regnum int) (int, bool) {
	for _, e := range dwarfTables[arch] {
		if e.reg == regnum {
			return e.dwarf, true
		}
	}
	return 0, false
}

func dwarfToReg(arch Arch, dwarfNum int) (int, bool) {
	for _, e := range dwarfTables[arch] {
		if e.dwarf == dwarfNum {
			return e.reg, true
		}
	}
	return 0, false
}
