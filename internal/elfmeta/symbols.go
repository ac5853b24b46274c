package elfmeta

import "strings"

const crcPrefix = "__crc_"

func (f *File) symEntrySize() uint64 {
	if f.x32 {
		return 16
	}
	return 24
}

// readSym decodes one symbol table entry, folding the class-specific
// field layout (Elf32_Sym vs Elf64_Sym) into one shape.
func (f *File) readSym(off uint64) (nameOff uint32, value uint64, info uint8, shndx uint16) {
	if f.x32 {
		nameOff = uint32(f.getUint(off+0, 4))
		value = f.getUint(off+4, 4)
		info = uint8(f.getUint(off+12, 1))
		shndx = uint16(f.getUint(off+14, 2))
		return
	}
	nameOff = uint32(f.getUint(off+0, 4))
	info = uint8(f.getUint(off+4, 1))
	shndx = uint16(f.getUint(off+6, 2))
	value = f.getUint(off+8, 8)
	return
}

func elfBind(info uint8) uint8 { return info >> 4 }
func elfType(info uint8) uint8 { return info & 0xf }

// resolveCRC resolves a symbol's st_value into an actual CRC: for
// SHN_ABS/SHN_UNDEF the value already is the CRC; otherwise it is an
// offset into the section referenced by shndx, where the CRC itself (a
// u32) is stored.
func (f *File) resolveCRC(value uint64, shndx uint16) uint64 {
	if shndx == shnAbs || shndx == shnUndef {
		return value
	}
	off, size, _, err := f.sectionHeaderInfo(shndx)
	if err != nil {
		return ^uint64(0)
	}
	if size < 4 || value > size-4 {
		return ^uint64(0)
	}
	return f.getUint(off+value, 4)
}

// GetSymbols returns the module's exported symbols: preferably from
// .symtab/.strtab entries named "__crc_<sym>", falling back to
// __ksymtab_strings when no .symtab is present or no __crc_ symbol is
// found there.
func (f *File) GetSymbols() ([]Symbol, error) {
	strOff, strSize := f.sections[secStrtab].offset, f.sections[secStrtab].size
	symOff, symSize := f.sections[secSymtab].offset, f.sections[secSymtab].size
	if strOff == 0 || symOff == 0 {
		return f.getSymbolsKsymtab()
	}

	entSize := f.symEntrySize()
	if symSize%entSize != 0 {
		return f.getSymbolsKsymtab()
	}
	symCount := symSize / entSize

	var out []Symbol
	for i := uint64(1); i < symCount; i++ {
		off := symOff + i*entSize
		nameOff, value, info, shndx := f.readSym(off)
		if uint64(nameOff) >= strSize {
			return f.getSymbolsKsymtab()
		}
		name := cString(f.data[strOff+uint64(nameOff):])
		if !strings.HasPrefix(name, crcPrefix) {
			continue
		}
		name = name[len(crcPrefix):]
		out = append(out, Symbol{
			CRC:    f.resolveCRC(value, shndx),
			Bind:   bindFromELF(elfBind(info)),
			Symbol: name,
		})
	}
	if len(out) == 0 {
		return f.getSymbolsKsymtab()
	}
	return out, nil
}

func (f *File) getSymbolsKsymtab() ([]Symbol, error) {
	off := f.sections[secKsymtab].offset
	size := f.sections[secKsymtab].size
	if off == 0 {
		return nil, ErrNoData
	}
	data := f.data[off : off+size]
	for len(data) > 1 && data[0] == 0 {
		data = data[1:]
	}
	if len(data) <= 1 {
		return nil, nil
	}
	if data[len(data)-1] != 0 {
		return nil, ErrTruncated
	}
	names := splitNulRuns(data)
	out := make([]Symbol, len(names))
	for i, n := range names {
		out[i] = Symbol{Bind: BindGlobal, Symbol: n}
	}
	return out, nil
}

// GetDependencySymbols enumerates the module's undefined symbols (the
// ones it depends on), resolving each against __versions for its CRC.
// SPARC's STT_REGISTER undefined entries are excluded (they are not real
// external references, per module-init-tools' elfops_core.c).
//
// __versions entries never referenced by an undefined symbol are still
// appended at the end: module_layout/struct_module are the kernel's own
// module ABI version markers and are not referenced via ordinary
// undefined symbols, but dependency resolution still needs their CRCs.
// This double-count is deliberate, not a bug.
func (f *File) GetDependencySymbols() ([]Symbol, error) {
	verlen, crclen, namlen := f.modversionLengths()
	verOff := f.sections[secVersions].offset
	verSize := f.sections[secVersions].size
	if verOff != 0 && verSize%uint64(verlen) != 0 {
		verOff, verSize = 0, 0
	}

	strOff, strSize := f.sections[secStrtab].offset, f.sections[secStrtab].size
	if strOff == 0 {
		return nil, ErrTruncated
	}
	symOff, symSize := f.sections[secSymtab].offset, f.sections[secSymtab].size
	if symOff == 0 {
		return nil, ErrTruncated
	}

	entSize := f.symEntrySize()
	if symSize%entSize != 0 {
		return nil, ErrTruncated
	}
	symCount := symSize / entSize

	var verCount uint64
	if verOff != 0 {
		verCount = verSize / uint64(verlen)
	}
	visited := make([]bool, verCount)

	handleRegister := f.machine == emSparc || f.machine == emSparcv9

	var out []Symbol
	for i := uint64(1); i < symCount; i++ {
		off := symOff + i*entSize
		nameOff, _, info, shndx := f.readSym(off)
		if shndx != shnUndef {
			continue
		}
		if handleRegister && elfType(info) == sttRegister {
			continue
		}
		if uint64(nameOff) >= strSize {
			return nil, ErrTruncated
		}
		name := cString(f.data[strOff+uint64(nameOff):])
		if name == "" {
			continue
		}

		crc, idx, found := f.crcFind(verOff, verSize, name)
		if found && idx >= 0 && uint64(idx) < verCount {
			visited[idx] = true
		}
		out = append(out, Symbol{CRC: crc, Bind: bindFromELF(elfBind(info)), Symbol: name})
	}

	for i, v := range visited {
		if v {
			continue
		}
		rec := verOff + uint64(i)*uint64(verlen)
		nameBytes := f.data[rec+uint64(crclen) : rec+uint64(crclen)+uint64(namlen)]
		nlen := cstrLen(nameBytes)
		if nlen == namlen {
			return nil, ErrTruncated
		}
		out = append(out, Symbol{
			CRC:    f.getUint(rec, crclen),
			Bind:   BindUndef,
			Symbol: string(nameBytes[:nlen]),
		})
	}

	return out, nil
}
