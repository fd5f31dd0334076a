package bininfo

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type lineEntry struct {
	addr uint64
	file string
	line int
	stmt bool
	end  bool // first address after a sequence
}

// lineTable is the union of the line number programs of all compile
// units, sorted by address.
type lineTable []lineEntry

func (lt lineTable) sort() {
	sort.SliceStable(lt, func(i, j int) bool { return lt[i].addr < lt[j].addr })
}

// find returns the row describing pc, nil if pc is not covered by any
// sequence.
func (lt lineTable) find(pc uint64) *lineEntry {
	i := sort.Search(len(lt), func(i int) bool { return lt[i].addr > pc })
	if i == 0 {
		return nil
	}
	e := &lt[i-1]
	if e.end {
		return nil
	}
	return e
}

// matchFile returns true if name, as written by the user, refers to
// file: either the same path or a suffix of it starting at a path
// separator.
func matchFile(file, name string) bool {
	if file == name {
		return true
	}
	if filepath.IsAbs(name) {
		return false
	}
	return strings.HasSuffix(file, "/"+name)
}

// LineToPC returns the lowest statement address for file:line.
func (bi *BinaryInfo) LineToPC(file string, line int) (uint64, error) {
	var found, foundAny bool
	var pc, anyPC uint64
	files := map[string]bool{}
	for _, e := range bi.lines {
		if e.end || e.line != line || !matchFile(e.file, file) {
			continue
		}
		files[e.file] = true
		if !foundAny || e.addr < anyPC {
			anyPC, foundAny = e.addr, true
		}
		if e.stmt && (!found || e.addr < pc) {
			pc, found = e.addr, true
		}
	}
	if len(files) > 1 {
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		return 0, fmt.Errorf("%s:%d is ambiguous: %s", file, line, strings.Join(names, ", "))
	}
	switch {
	case found:
		return pc, nil
	case foundAny:
		return anyPC, nil
	}
	return 0, fmt.Errorf("could not find statement at %s:%d, please use a line with a statement", file, line)
}
