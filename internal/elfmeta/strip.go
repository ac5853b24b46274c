package elfmeta

import (
	"bytes"
	"errors"
)

// StripFlags controls which in-place modifications Strip applies to a
// heap copy of the module image before it is handed to the kernel
// loader's init_module fallback path.
type StripFlags uint

const (
	// ForceModversion clears __versions' SHF_ALLOC flag, so the kernel
	// does not enforce modversion CRCs.
	ForceModversion StripFlags = 1 << iota
	// ForceVermagic zeroes the "vermagic=" entry in .modinfo.
	ForceVermagic
)

// Strip returns a modified copy of the ELF image; the original is left
// untouched.
func (f *File) Strip(flags StripFlags) ([]byte, error) {
	out := append([]byte(nil), f.data...)

	if flags&ForceModversion != 0 {
		if err := f.stripVersionsSection(out); err != nil {
			return nil, err
		}
	}
	if flags&ForceVermagic != 0 {
		if err := f.stripVermagic(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *File) stripVersionsSection(out []byte) error {
	idx, _, _, err := f.GetSection("__versions")
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil
		}
		return err
	}

	hoff, err := f.sectionHeaderOffset(uint16(idx))
	if err != nil {
		return err
	}

	var flagsOff uint64
	var size int
	if f.x32 {
		flagsOff, size = hoff+8, 4
	} else {
		flagsOff, size = hoff+8, 8
	}

	val := f.getUint(flagsOff, size)
	val &^= shfAlloc
	f.writeUint(out, flagsOff, size, val)
	return nil
}

func (f *File) stripVermagic(out []byte) error {
	off := f.sections[secModinfo].offset
	size := f.sections[secModinfo].size
	if off == 0 {
		return nil
	}

	data := f.data[off : off+size]
	for len(data) > 1 && data[0] == 0 {
		data = data[1:]
		off++
	}
	if len(data) <= 1 {
		return nil
	}

	i := 0
	for i < len(data) {
		if data[i] == 0 {
			i++
			continue
		}
		rest := data[i:]
		end := bytes.IndexByte(rest, 0)
		var str []byte
		if end < 0 {
			str = rest
		} else {
			str = rest[:end]
		}
		if bytes.HasPrefix(str, []byte("vermagic=")) {
			abs := off + uint64(i)
			for j := range str {
				out[abs+uint64(j)] = 0
			}
			return nil
		}
		i += len(str)
	}

	return ErrNoData
}

// writeUint writes a size-byte (<=8) integer into buf at offset honoring
// ELF endianness.
func (f *File) writeUint(buf []byte, offset uint64, size int, value uint64) {
	p := buf[offset : offset+uint64(size)]
	if f.msb {
		for i := size - 1; i >= 0; i-- {
			p[i] = byte(value)
			value >>= 8
		}
	} else {
		for i := 0; i < size; i++ {
			p[i] = byte(value)
			value >>= 8
		}
	}
}
