package elfmeta

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// testELF describes the pieces needed to synthesize a minimal ELF64-LE
// relocatable object carrying the kernel-module sections this package
// cares about: .modinfo, __versions, .strtab, .symtab.
type testELF struct {
	modinfo    []byte
	versions   []byte
	strtab     []byte
	symtab     []byte
	shstrtab   []byte
	shstrNames map[string]uint32
}

func buildELF64LE(t *testing.T) []byte {
	t.Helper()

	shstrtab := []byte{0}
	names := map[string]uint32{}
	add := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(name)...)
		shstrtab = append(shstrtab, 0)
		names[name] = off
		return off
	}
	add(".shstrtab")
	add(".modinfo")
	add("__versions")
	add(".strtab")
	add(".symtab")

	modinfo := []byte("license=GPL\x00author=X\x00")

	strtab := []byte{0}
	strOff := map[string]uint32{}
	addStr := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, []byte(s)...)
		strtab = append(strtab, 0)
		strOff[s] = off
		return off
	}
	addStr("__crc_foo")
	addStr("baz")

	// __versions: one record resolvable via the "baz" undefined symbol,
	// one left unvisited (module_layout-style kernel ABI marker).
	verRec := func(crc uint64, name string) []byte {
		rec := make([]byte, 64)
		binary.LittleEndian.PutUint64(rec[:8], crc)
		copy(rec[8:], name)
		return rec
	}
	versions := append(verRec(0xdeadbeef, "baz"), verRec(0x1, "struct_module")...)

	// .symtab: null entry, an exported __crc_foo (SHN_ABS), an undefined baz.
	symEntry := func(nameOff uint32, info uint8, shndx uint16, value uint64) []byte {
		e := make([]byte, 24)
		binary.LittleEndian.PutUint32(e[0:4], nameOff)
		e[4] = info
		binary.LittleEndian.PutUint16(e[6:8], shndx)
		binary.LittleEndian.PutUint64(e[8:16], value)
		return e
	}
	symtab := make([]byte, 24)
	symtab = append(symtab, symEntry(strOff["__crc_foo"], (1<<4)|0, 0xfff1, 0x12345678)...)
	symtab = append(symtab, symEntry(strOff["baz"], (1<<4)|0, 0, 0)...)

	type sect struct {
		name  string
		flags uint64
		data  []byte
	}
	order := []sect{
		{"", 0, nil},
		{".shstrtab", 0, shstrtab},
		{".modinfo", 0, modinfo},
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
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:18], 1)  // e_type
	binary.LittleEndian.PutUint16(hdr[18:20], 62) // e_machine = EM_X86_64
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint16(hdr[58:60], shentsize)
	binary.LittleEndian.PutUint16(hdr[60:62], uint16(len(order)))
	binary.LittleEndian.PutUint16(hdr[62:64], 1) // e_shstrndx
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

func TestNewAndModinfo(t *testing.T) {
	raw := buildELF64LE(t)
	f, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := f.GetModinfoStrings()
	if err != nil {
		t.Fatalf("GetModinfoStrings: %v", err)
	}
	want := []string{"license=GPL", "author=X"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestModVersions(t *testing.T) {
	raw := buildELF64LE(t)
	f, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vers, err := f.GetModVersions()
	if err != nil {
		t.Fatalf("GetModVersions: %v", err)
	}
	if len(vers) != 2 {
		t.Fatalf("got %d versions, want 2", len(vers))
	}
	if vers[0].Symbol != "baz" || vers[0].CRC != 0xdeadbeef {
		t.Fatalf("unexpected first record: %+v", vers[0])
	}
	if vers[1].Symbol != "struct_module" {
		t.Fatalf("unexpected second record: %+v", vers[1])
	}
}

func TestGetSymbols(t *testing.T) {
	raw := buildELF64LE(t)
	f, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	syms, err := f.GetSymbols()
	if err != nil {
		t.Fatalf("GetSymbols: %v", err)
	}
	if len(syms) != 1 || syms[0].Symbol != "foo" || syms[0].CRC != 0x12345678 {
		t.Fatalf("unexpected symbols: %+v", syms)
	}
}

func TestGetDependencySymbols(t *testing.T) {
	raw := buildELF64LE(t)
	f, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	deps, err := f.GetDependencySymbols()
	if err != nil {
		t.Fatalf("GetDependencySymbols: %v", err)
	}

	var sawBaz, sawStructModule bool
	for _, d := range deps {
		switch d.Symbol {
		case "baz":
			sawBaz = true
			if d.CRC != 0xdeadbeef {
				t.Fatalf("baz CRC = %x, want 0xdeadbeef", d.CRC)
			}
		case "struct_module":
			sawStructModule = true
		}
	}
	if !sawBaz {
		t.Fatalf("missing baz dependency: %+v", deps)
	}
	if !sawStructModule {
		t.Fatalf("missing unvisited struct_module entry: %+v", deps)
	}
}

func TestStripForceModversion(t *testing.T) {
	raw := buildELF64LE(t)
	f, err := New(raw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := f.Strip(ForceModversion)
	if err != nil {
		t.Fatalf("Strip: %v", err)
	}
	stripped, err := New(out)
	if err != nil {
		t.Fatalf("New(stripped): %v", err)
	}
	idx, _, _, err := stripped.GetSection("__versions")
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	hoff, err := stripped.sectionHeaderOffset(uint16(idx))
	if err != nil {
		t.Fatalf("sectionHeaderOffset: %v", err)
	}
	flags := stripped.getUint(hoff+8, 8)
	if flags&shfAlloc != 0 {
		t.Fatalf("SHF_ALLOC still set after Strip(ForceModversion)")
	}
}

func TestStripForceVermagic(t *testing.T) {
	raw := []byte("license=GPL\x00vermagic=5.10.0 SMP mod_unload \x00")
	full := buildELF64LEWithModinfo(t, raw)
	f, err := New(full)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := f.Strip(ForceVermagic)
	if err != nil {
		t.Fatalf("Strip: %v", err)
	}
	stripped, err := New(out)
	if err != nil {
		t.Fatalf("New(stripped): %v", err)
	}
	strs, err := stripped.GetModinfoStrings()
	if err != nil {
		t.Fatalf("GetModinfoStrings: %v", err)
	}
	for _, s := range strs {
		if bytes.HasPrefix([]byte(s), []byte("vermagic=")) {
			t.Fatalf("vermagic entry survived strip: %q", s)
		}
	}
}

// buildELF64LEWithModinfo is a variant of buildELF64LE carrying only the
// .modinfo and .shstrtab sections, for vermagic-stripping tests.
func buildELF64LEWithModinfo(t *testing.T, modinfo []byte) []byte {
	t.Helper()

	shstrtab := []byte{0}
	names := map[string]uint32{}
	add := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(name)...)
		shstrtab = append(shstrtab, 0)
		names[name] = off
		return off
	}
	add(".shstrtab")
	add(".modinfo")

	type sect struct {
		name string
		data []byte
	}
	order := []sect{
		{"", nil},
		{".shstrtab", shstrtab},
		{".modinfo", modinfo},
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
		binary.LittleEndian.PutUint64(sh[24:32], offsets[i])
		binary.LittleEndian.PutUint64(sh[32:40], uint64(len(s.data)))
		buf.Write(sh)
	}
	buf.Write(data.Bytes())

	return buf.Bytes()
}
