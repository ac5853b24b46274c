package elfmeta

import "bytes"

// GetModinfoStrings reads .modinfo, splits it on nul bytes (collapsing
// runs of nuls, since modinfo padding can embed extra nul bytes between
// records), skips leading zero padding, and guarantees the final entry is
// treated as complete even if the raw section itself does not end in nul.
func (f *File) GetModinfoStrings() ([]string, error) {
	off := f.sections[secModinfo].offset
	size := f.sections[secModinfo].size
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

	return splitNulRuns(data), nil
}

func splitNulRuns(data []byte) []string {
	var out []string
	i := 0
	for i < len(data) {
		if data[i] == 0 {
			i++
			continue
		}
		start := i
		for i < len(data) && data[i] != 0 {
			i++
		}
		out = append(out, string(data[start:i]))
		for i < len(data) && data[i] == 0 {
			i++
		}
	}
	return out
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func cstrLen(b []byte) int {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return i
	}
	return len(b)
}
