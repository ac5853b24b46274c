package depmod

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildModuleELF synthesizes a minimal ELF64-LE relocatable object
// exporting the given symbols (name -> CRC, as SHN_ABS "__crc_<name>"
// symbols) and referencing the given undefined symbol names (each with a
// matching __versions record whose CRC is 0xcafe0000 plus the record's
// byte offset), carrying modinfo as a flat "key=value\x00..." blob. Mirrors internal/elfmeta's own test fixture
// builder, parameterized for depmod's graph-resolution tests.
func buildModuleELF(t *testing.T, exports map[string]uint64, needs []string, modinfo string) []byte {
	t.Helper()

	shstrtab := []byte{0}
	names := map[string]uint32{}
	addSection := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(name)...)
		shstrtab = append(shstrtab, 0)
		names[name] = off
		return off
	}
	addSection(".shstrtab")
	addSection(".modinfo")
	addSection("__versions")
	addSection(".strtab")
	addSection(".symtab")

	strtab := []byte{0}
	strOff := map[string]uint32{}
	addStr := func(s string) uint32 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint32(len(strtab))
		strtab = append(strtab, []byte(s)...)
		strtab = append(strtab, 0)
		strOff[s] = off
		return off
	}

	verRec := func(crc uint64, name string) []byte {
		rec := make([]byte, 64)
		binary.LittleEndian.PutUint64(rec[:8], crc)
		copy(rec[8:], name)
		return rec
	}

	var versions []byte
	for _, n := range needs {
		addStr("__crc_" + n)
		versions = append(versions, verRec(0xcafe0000+uint64(len(versions)), n)...)
	}

	symEntry := func(nameOff uint32, info uint8, shndx uint16, value uint64) []byte {
		e := make([]byte, 24)
		binary.LittleEndian.PutUint32(e[0:4], nameOff)
		e[4] = info
		binary.LittleEndian.PutUint16(e[6:8], shndx)
		binary.LittleEndian.PutUint64(e[8:16], value)
		return e
	}

	symtab := make([]byte, 24)
	for name, crc := range exports {
		off := addStr("__crc_" + name)
		symtab = append(symtab, symEntry(off, (1<<4)|0, 0xfff1, crc)...)
	}
	for _, n := range needs {
		off := addStr(n)
		symtab = append(symtab, symEntry(off, (1<<4)|0, 0, 0)...)
	}

	type sect struct {
		name  string
		flags uint64
		data  []byte
	}
	order := []sect{
		{"", 0, nil},
		{".shstrtab", 0, shstrtab},
		{".modinfo", 0, []byte(modinfo)},
		{"__versions", 2, versions},
		{".strtab", 0, strtab},
		{".symtab", 0, symtab},
	}

	const ehsize = 64
	const shentsize = 64
	shoff := uint64(ehsize)
	dataStart := shoff + shentsize*uint64(len(order))

	var data bytes.Buffer
	offsets := make([]uint64, len(order))
	for i, s := range order {
		offsets[i] = dataStart + uint64(data.Len())
		data.Write(s.data)
	}

	var buf bytes.Buffer
	hdr := make([]byte, ehsize)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2
	hdr[5] = 1
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:18], 1)
	binary.LittleEndian.PutUint16(hdr[18:20], 62)
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint16(hdr[58:60], shentsize)
	binary.LittleEndian.PutUint16(hdr[60:62], uint16(len(order)))
	binary.LittleEndian.PutUint16(hdr[62:64], 1)
	buf.Write(hdr)

	for i, s := range order {
		sh := make([]byte, shentsize)
		if s.name != "" {
			binary.LittleEndian.PutUint32(sh[0:4], names[s.name])
		}
		binary.LittleEndian.PutUint64(sh[8:16], s.flags)
		binary.LittleEndian.PutUint64(sh[24:32], offsets[i])
		binary.LittleEndian.PutUint64(sh[32:40], uint64(len(s.data)))
		buf.Write(sh)
	}
	buf.Write(data.Bytes())

	return buf.Bytes()
}
