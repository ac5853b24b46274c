package depmod

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// loadBuildOrder reads modules.order: one module relpath per line, in
// the order the kernel build linked them. depmod.c consults this only
// to seed the final module listing's sort order (modules.dep and the
// priority-ordered trie values); a missing file is not an error, it
// just means no such ordering is available and modules fall back to
// sorting by name.
func loadBuildOrder(moduleDir string) (map[string]int, error) {
	f, err := os.Open(filepath.Join(moduleDir, "modules.order"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	order := make(map[string]int)
	idx := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, ok := order[line]; ok {
			continue
		}
		order[line] = idx
		idx++
	}
	return order, sc.Err()
}

// orderedLess reports whether a should sort before b given the
// optional modules.order table: listed modules sort first, in file
// order; unlisted modules keep their relative name order, after all
// listed ones.
func orderedLess(order map[string]int, a, b *Module) bool {
	if len(order) == 0 {
		return a.Name < b.Name
	}
	ai, aok := order[a.RelPath]
	bi, bok := order[b.RelPath]
	switch {
	case aok && bok:
		return ai < bi
	case aok:
		return true
	case bok:
		return false
	default:
		return a.Name < b.Name
	}
}
