// Package bininfo reads the debug information of ELF executables and
// shared libraries: symbols, line tables and call frame information.
package bininfo

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/runctl/pkg/dwarf/frame"
	"github.com/go-delve/runctl/pkg/logflags"
	"github.com/go-delve/runctl/pkg/proc"
	"github.com/go-delve/runctl/pkg/proc/linutil"
)

const (
	ptrSize       = 8
	pcCacheSize   = 4096
	entryFunction = "main"
)

// ErrUnsupportedArch is returned when the executable is not an x86-64
// ELF file.
var ErrUnsupportedArch = errors.New("unsupported executable format, only x86-64 ELF files can be debugged")

// AmbiguousSymbolError is returned by LookupSymbol when a name is not
// defined but is the prefix of several function names.
type AmbiguousSymbolError struct {
	Name       string
	Candidates []string
}

func (err *AmbiguousSymbolError) Error() string {
	return fmt.Sprintf("symbol %q is ambiguous: %s", err.Name, strings.Join(err.Candidates, ", "))
}

// image is an executable or a shared library loaded in the target.
type image struct {
	path string
	bias uint64 // difference between run time and link time addresses

	dynamic, dynamicSize uint64 // run time address of PT_DYNAMIC
	text                 []addrRange
}

type addrRange struct {
	lo, hi uint64
}

// BinaryInfo holds the debug information of the executable and of the
// shared libraries loaded by the target. It implements proc.DebugInfo,
// proc.ImageLoader and proc.Reloader.
type BinaryInfo struct {
	images []*image

	// Functions is the list of all functions, sorted by entry point.
	Functions []*proc.Function
	names     *trie.Trie
	symbols   map[string]uint64
	lines     lineTable
	frames    frame.FrameDescriptionEntries

	pcCache *lru.Cache
}

var (
	_ proc.DebugInfo   = (*BinaryInfo)(nil)
	_ proc.ImageLoader = (*BinaryInfo)(nil)
	_ proc.Reloader    = (*BinaryInfo)(nil)
)

// New returns an empty BinaryInfo.
func New() *BinaryInfo {
	cache, err := lru.New(pcCacheSize)
	if err != nil {
		panic(err)
	}
	return &BinaryInfo{names: trie.New(), symbols: make(map[string]uint64), pcCache: cache}
}

// Load reads the debug information of the executable at path. If pid is
// not zero the executable is running as process pid and the load bias of
// position independent executables is read from its auxiliary vector.
func Load(path string, pid int) (*BinaryInfo, error) {
	bi := New()
	var bias uint64
	if pid != 0 {
		var err error
		bias, err = executableBias(path, pid)
		if err != nil {
			return nil, err
		}
	}
	if err := bi.loadImage(path, bias, true); err != nil {
		return nil, err
	}
	return bi, nil
}

// executableBias returns the load bias of the executable of pid, zero for
// position dependent executables.
func executableBias(path string, pid int) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return 0, nil
	}
	auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %w", err)
	}
	entry := linutil.EntryPointFromAuxv(auxv, ptrSize)
	if entry == 0 {
		return 0, errors.New("no entry point in auxiliary vector")
	}
	return entry - f.Entry, nil
}

// Reload discards all debug information and reads it again from the
// executable currently run by pid, called after an exec.
func (bi *BinaryInfo) Reload(pid int) error {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return err
	}
	nbi, err := Load(path, pid)
	if err != nil {
		return err
	}
	*bi = *nbi
	return nil
}

// LoadImage adds the shared library at path, loaded with bias base.
func (bi *BinaryInfo) LoadImage(path string, base uint64) error {
	for _, img := range bi.images {
		if img.path == path {
			return nil
		}
	}
	return bi.loadImage(path, base, false)
}

// Images returns the paths of the loaded images, the executable first.
func (bi *BinaryInfo) Images() []string {
	r := make([]string, len(bi.images))
	for i, img := range bi.images {
		r[i] = img.path
	}
	return r
}

func (bi *BinaryInfo) loadImage(path string, bias uint64, exe bool) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		return ErrUnsupportedArch
	}

	img := &image{path: path, bias: bias}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Flags&elf.PF_X != 0 {
				img.text = append(img.text, addrRange{prog.Vaddr + bias, prog.Vaddr + prog.Memsz + bias})
			}
		case elf.PT_DYNAMIC:
			img.dynamic = prog.Vaddr + bias
			img.dynamicSize = prog.Memsz
		}
	}
	bi.images = append(bi.images, img)

	bi.loadSymbols(f, bias)
	if err := bi.loadFrames(f, bias); err != nil {
		bi.logf("%s: %v", path, err)
	}
	if dw, err := f.DWARF(); err == nil {
		bi.loadDebugInfo(dw, bias)
	} else {
		bi.logf("%s: no debug information: %v", path, err)
	}

	sort.Slice(bi.Functions, func(i, j int) bool { return bi.Functions[i].Entry < bi.Functions[j].Entry })
	bi.lines.sort()
	bi.pcCache.Purge()
	if logflags.BinInfo() {
		logflags.BinInfoLogger().Debugf("loaded %s bias %#x: %d functions, %d line entries, %d FDEs", path, bias, len(bi.Functions), len(bi.lines), len(bi.frames))
	}
	return nil
}

func (bi *BinaryInfo) logf(format string, args ...interface{}) {
	if logflags.BinInfo() {
		logflags.BinInfoLogger().Debugf(format, args...)
	}
}

func (bi *BinaryInfo) loadSymbols(f *elf.File, bias uint64) {
	syms, _ := f.Symbols()
	dynsyms, _ := f.DynamicSymbols()
	bi.addSymbols(append(syms, dynsyms...), bias)
}

func (bi *BinaryInfo) addSymbols(syms []elf.Symbol, bias uint64) {
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 || sym.Name == "" {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		// STT_LOOS is STT_GNU_IFUNC, debug/elf has no name for it
		case elf.STT_FUNC, elf.STT_LOOS:
			bi.addFunction(sym.Name, sym.Value+bias, sym.Value+sym.Size+bias)
		case elf.STT_OBJECT, elf.STT_NOTYPE:
			if _, ok := bi.symbols[sym.Name]; !ok {
				bi.symbols[sym.Name] = sym.Value + bias
			}
		}
	}
}

// addFunction records a function, the first definition of a name wins so
// that the executable's symbols shadow the ones of shared libraries.
func (bi *BinaryInfo) addFunction(name string, entry, end uint64) {
	if _, ok := bi.symbols[name]; ok {
		return
	}
	fn := &proc.Function{Name: name, Entry: entry, End: end}
	bi.symbols[name] = entry
	bi.names.Add(name, fn)
	bi.Functions = append(bi.Functions, fn)
}

func (bi *BinaryInfo) loadFrames(f *elf.File, bias uint64) error {
	if sec := f.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("could not read .eh_frame: %w", err)
		}
		fdes, err := frame.Parse(data, f.ByteOrder, bias, ptrSize, sec.Addr)
		if err != nil {
			return fmt.Errorf("could not parse .eh_frame: %w", err)
		}
		bi.frames = bi.frames.Append(fdes)
	}
	if sec := f.Section(".debug_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("could not read .debug_frame: %w", err)
		}
		fdes, err := frame.Parse(data, f.ByteOrder, bias, ptrSize, 0)
		if err != nil {
			return fmt.Errorf("could not parse .debug_frame: %w", err)
		}
		bi.frames = bi.frames.Append(fdes)
	}
	return nil
}

// loadDebugInfo reads the line tables and the functions that are not in
// the symbol table, for example static functions of stripped objects.
func (bi *BinaryInfo) loadDebugInfo(dw *dwarf.Data, bias uint64) {
	rdr := dw.Reader()
	for {
		e, err := rdr.Next()
		if err != nil {
			bi.logf("error reading debug_info: %v", err)
			return
		}
		if e == nil {
			return
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			bi.loadLines(dw, e, bias)
		case dwarf.TagSubprogram:
			name, _ := e.Val(dwarf.AttrName).(string)
			lowpc, highpc, ok := pcRange(e)
			if ok && name != "" {
				bi.addFunction(name, lowpc+bias, highpc+bias)
			}
			rdr.SkipChildren()
		}
	}
}

func pcRange(e *dwarf.Entry) (lowpc, highpc uint64, ok bool) {
	lowpc, ok = e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, 0, false
	}
	fld := e.AttrField(dwarf.AttrHighpc)
	if fld == nil {
		return 0, 0, false
	}
	switch v := fld.Val.(type) {
	case uint64:
		highpc = v
	case int64:
		highpc = lowpc + uint64(v)
	default:
		return 0, 0, false
	}
	return lowpc, highpc, true
}

func (bi *BinaryInfo) loadLines(dw *dwarf.Data, cu *dwarf.Entry, bias uint64) {
	lr, err := dw.LineReader(cu)
	if err != nil || lr == nil {
		return
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			return
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		bi.lines = append(bi.lines, lineEntry{addr: le.Address + bias, file: file, line: le.Line, stmt: le.IsStmt, end: le.EndSequence})
	}
}

// PCToLocation resolves pc to the function containing it and its source
// line.
func (bi *BinaryInfo) PCToLocation(pc uint64) proc.Location {
	if v, ok := bi.pcCache.Get(pc); ok {
		return v.(proc.Location)
	}
	loc := proc.Location{PC: pc, Fn: bi.PCToFunc(pc)}
	if e := bi.lines.find(pc); e != nil {
		loc.File, loc.Line = e.file, e.line
	}
	bi.pcCache.Add(pc, loc)
	return loc
}

// PCToFunc returns the function containing pc, or nil.
func (bi *BinaryInfo) PCToFunc(pc uint64) *proc.Function {
	i := sort.Search(len(bi.Functions), func(i int) bool { return bi.Functions[i].Entry > pc })
	for i--; i >= 0; i-- {
		fn := bi.Functions[i]
		if pc < fn.End {
			return fn
		}
		if fn.Entry != fn.End {
			return nil
		}
	}
	return nil
}

// FDEForPC returns the frame description entry covering pc.
func (bi *BinaryInfo) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	return bi.frames.FDEForPC(pc)
}

// LookupSymbol returns the address of name.
func (bi *BinaryInfo) LookupSymbol(name string) (uint64, error) {
	if addr, ok := bi.symbols[name]; ok {
		return addr, nil
	}
	if cands := bi.FunctionsWithPrefix(name); len(cands) > 1 {
		return 0, &AmbiguousSymbolError{Name: name, Candidates: cands}
	} else if len(cands) == 1 && strings.HasPrefix(cands[0], name+"@") {
		// versioned symbol names, e.g. foo@GLIBC_2.2.5
		return bi.symbols[cands[0]], nil
	}
	return 0, proc.SymbolNotFoundError{Name: name}
}

// FunctionsWithPrefix returns the names of the functions starting with
// prefix, sorted.
func (bi *BinaryInfo) FunctionsWithPrefix(prefix string) []string {
	if !bi.names.HasKeysWithPrefix(prefix) {
		return nil
	}
	r := bi.names.PrefixSearch(prefix)
	sort.Strings(r)
	return r
}

// EntryFunction returns the name of the function where stack traces
// stop.
func (bi *BinaryInfo) EntryFunction() string {
	return entryFunction
}

// PlausiblePC returns true if pc is inside an executable segment of a
// loaded image.
func (bi *BinaryInfo) PlausiblePC(pc uint64) bool {
	for _, img := range bi.images {
		for _, r := range img.text {
			if pc >= r.lo && pc < r.hi {
				return true
			}
		}
	}
	return false
}

// RDebugAddr reads the DT_DEBUG entry of the executable's dynamic
// section, returns zero for statically linked executables.
func (bi *BinaryInfo) RDebugAddr(mem proc.MemoryReader) (uint64, error) {
	if len(bi.images) == 0 {
		return 0, errors.New("no executable loaded")
	}
	exe := bi.images[0]
	if exe.dynamic == 0 {
		return 0, nil
	}
	return linutil.DynamicSearchDebug(mem, exe.dynamic, exe.dynamicSize, ptrSize)
}
