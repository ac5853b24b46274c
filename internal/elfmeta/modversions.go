package elfmeta

import "strings"

// GetModVersions parses __versions as a table of fixed-size records: a
// class-sized CRC (u32 on 32-bit, u64 on 64-bit) followed by a name field
// padded to fill a 64-byte record (60 bytes on 32-bit, 56 on 64-bit). A
// leading dot (PowerPC's local-symbol convention) is stripped.
func (f *File) GetModVersions() ([]Symbol, error) {
	verlen, crclen, namlen := f.modversionLengths()

	off := f.sections[secVersions].offset
	size := f.sections[secVersions].size
	if off == 0 {
		return nil, ErrNoData
	}
	if size == 0 {
		return nil, nil
	}
	if size%uint64(verlen) != 0 {
		return nil, ErrTruncated
	}

	count := size / uint64(verlen)
	out := make([]Symbol, 0, count)
	for i := uint64(0); i < count; i++ {
		rec := off + i*uint64(verlen)
		crc := f.getUint(rec, crclen)
		nameBytes := f.data[rec+uint64(crclen) : rec+uint64(crclen)+uint64(namlen)]
		nlen := cstrLen(nameBytes)
		if nlen == namlen {
			return nil, ErrTruncated
		}
		name := string(nameBytes[:nlen])
		name = strings.TrimPrefix(name, ".")
		out = append(out, Symbol{CRC: crc, Bind: BindUndef, Symbol: name})
	}
	return out, nil
}

// crcFind looks up name in the __versions table, returning its CRC and
// record index. The skip condition (full-length name OR mismatched name)
// mirrors kmod_elf_crc_find's `strnlen(symbol, namlen) == namlen ||
// !streq(name, symbol)`: a name occupying the entire fixed-size field has
// no room for a nul terminator and so cannot be meaningfully compared, and
// is skipped before the string comparison runs (not an inverted check).
func (f *File) crcFind(verOff, verSize uint64, name string) (crc uint64, idx int, found bool) {
	if verOff == 0 {
		return 0, -1, false
	}
	verlen, crclen, namlen := f.modversionLengths()
	count := verSize / uint64(verlen)
	for i := uint64(0); i < count; i++ {
		rec := verOff + i*uint64(verlen)
		nameBytes := f.data[rec+uint64(crclen) : rec+uint64(crclen)+uint64(namlen)]
		nlen := cstrLen(nameBytes)
		if nlen == namlen {
			continue
		}
		if string(nameBytes[:nlen]) != name {
			continue
		}
		return f.getUint(rec, crclen), int(i), true
	}
	return 0, -1, false
}
