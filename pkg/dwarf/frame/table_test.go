package frame

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/go-delve/runctl/pkg/dwarf/dwarfbuilder"
)

func TestEstablishFrameBasic(t *testing.T) {
	cie := NewCommonInformationEntry(1, -4, 16, nil, 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa), uint(7), uint(16),
		byte(DW_CFA_offset|6), uint(2),
		byte(DW_CFA_advance_loc|4)), binary.LittleEndian)

	fctx, err := fde.EstablishFrame(0x1004, 7)
	if err != nil {
		t.Fatal(err)
	}
	if fctx.CFA.Rule != RuleCFA || fctx.CFA.Reg != 7 || fctx.CFA.Offset != 16 {
		t.Errorf("wrong CFA %#v", fctx.CFA)
	}
	if r := fctx.Rule(6); r.Rule != RuleOffset || r.Offset != -8 {
		t.Errorf("wrong rule for R6 %#v", r)
	}
	if fctx.RetAddrReg != 16 {
		t.Errorf("wrong return address register %d", fctx.RetAddrReg)
	}
	if r := fctx.Rule(3); r.Rule != RuleUndefined {
		t.Errorf("expected undefined rule for R3, got %v", r.Rule)
	}
}

func TestEstablishFrameStopsAtPC(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa), uint(7), uint(8),
		byte(DW_CFA_offset|16), uint(1)), 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_advance_loc|1),
		byte(DW_CFA_def_cfa_offset), uint(16),
		byte(DW_CFA_offset|6), uint(2),
		byte(DW_CFA_advance_loc|3),
		byte(DW_CFA_def_cfa_register), uint(6),
		byte(DW_CFA_advance_loc1), byte(0x20),
		byte(DW_CFA_def_cfa), uint(7), uint(8)), binary.LittleEndian)

	for _, tc := range []struct {
		pc     uint64
		cfaReg uint64
		cfaOff int64
		rbp    Rule
	}{
		{0x1000, 7, 8, RuleUndefined},
		{0x1001, 7, 16, RuleOffset},
		{0x1003, 7, 16, RuleOffset},
		{0x1004, 6, 16, RuleOffset},
		{0x1023, 6, 16, RuleOffset},
		{0x1024, 7, 8, RuleOffset},
		{0x10ff, 7, 8, RuleOffset},
	} {
		fctx, err := fde.EstablishFrame(tc.pc, 7)
		if err != nil {
			t.Fatalf("%#x: %v", tc.pc, err)
		}
		if fctx.CFA.Reg != tc.cfaReg || fctx.CFA.Offset != tc.cfaOff {
			t.Errorf("%#x: wrong CFA %#v", tc.pc, fctx.CFA)
		}
		if r := fctx.Rule(6); r.Rule != tc.rbp {
			t.Errorf("%#x: wrong rule for rbp %v", tc.pc, r.Rule)
		}
	}
}

func TestEstablishFrameDeterministic(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa), uint(7), uint(8),
		byte(DW_CFA_offset|16), uint(1)), 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_advance_loc|1),
		byte(DW_CFA_def_cfa_offset), uint(16),
		byte(DW_CFA_offset|3), uint(2),
		byte(DW_CFA_advance_loc|8),
		byte(DW_CFA_def_cfa_offset), uint(32)), binary.LittleEndian)

	a, err := fde.EstablishFrame(0x1005, 7)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fde.EstablishFrame(0x1005, 7)
	if err != nil {
		t.Fatal(err)
	}
	if a.CFA.Reg != b.CFA.Reg || a.CFA.Offset != b.CFA.Offset || !reflect.DeepEqual(a.Regs, b.Regs) {
		t.Errorf("replay is not deterministic: %#v %#v", a, b)
	}

	// pc and pc+1 inside the same advance_loc block describe the same row
	c, err := fde.EstablishFrame(0x1006, 7)
	if err != nil {
		t.Fatal(err)
	}
	if a.CFA.Offset != c.CFA.Offset || !reflect.DeepEqual(a.Regs, c.Regs) {
		t.Errorf("rows differ inside the same block: %#v %#v", a, c)
	}
}

func TestRememberRestoreState(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa), uint(7), uint(8)), 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa_offset), uint(16),
		byte(DW_CFA_offset|6), uint(2),
		byte(DW_CFA_remember_state),
		byte(DW_CFA_advance_loc|4),
		byte(DW_CFA_def_cfa_offset), uint(8),
		byte(DW_CFA_same_value), uint(6),
		byte(DW_CFA_advance_loc|4),
		byte(DW_CFA_restore_state)), binary.LittleEndian)

	fctx, err := fde.EstablishFrame(0x1004, 7)
	if err != nil {
		t.Fatal(err)
	}
	if fctx.CFA.Offset != 8 || fctx.Rule(6).Rule != RuleSameVal {
		t.Errorf("wrong state after epilogue %#v %#v", fctx.CFA, fctx.Rule(6))
	}

	fctx, err = fde.EstablishFrame(0x1008, 7)
	if err != nil {
		t.Fatal(err)
	}
	if fctx.CFA.Offset != 16 || fctx.Rule(6).Rule != RuleOffset {
		t.Errorf("wrong state after restore_state %#v %#v", fctx.CFA, fctx.Rule(6))
	}
}

func TestRestoreToCIEBaseline(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa), uint(7), uint(8),
		byte(DW_CFA_offset|16), uint(1)), 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_offset|16), uint(3),
		byte(DW_CFA_offset|3), uint(2),
		byte(DW_CFA_advance_loc|1),
		byte(DW_CFA_restore|16),
		byte(DW_CFA_restore_extended), uint(3)), binary.LittleEndian)

	fctx, err := fde.EstablishFrame(0x1001, 7)
	if err != nil {
		t.Fatal(err)
	}
	if r := fctx.Rule(16); r.Rule != RuleOffset || r.Offset != -8 {
		t.Errorf("return address not restored to the CIE rule: %#v", r)
	}
	if r := fctx.Rule(3); r.Rule != RuleUndefined {
		t.Errorf("register not described by the CIE should be undefined after restore: %#v", r)
	}
}

func TestValOffsetAndExpressions(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, nil, 8)
	fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, dwarfbuilder.Program(
		byte(DW_CFA_def_cfa_sf), uint(7), int(-2),
		byte(DW_CFA_val_offset), uint(7), uint(0),
		byte(DW_CFA_register), uint(3), uint(12),
		byte(DW_CFA_expression), uint(5), uint(2), byte(0x77), byte(0x08),
		byte(DW_CFA_GNU_args_size), uint(16)), binary.LittleEndian)

	fctx, err := fde.EstablishFrame(0x1000, 7)
	if err != nil {
		t.Fatal(err)
	}
	if fctx.CFA.Reg != 7 || fctx.CFA.Offset != 16 {
		t.Errorf("wrong CFA %#v", fctx.CFA)
	}
	if r := fctx.Rule(7); r.Rule != RuleValOffset || r.Offset != 0 {
		t.Errorf("wrong rule for rsp %#v", r)
	}
	if r := fctx.Rule(3); r.Rule != RuleRegister || r.Reg != 12 {
		t.Errorf("wrong rule for rbx %#v", r)
	}
	if r := fctx.Rule(5); r.Rule != RuleExpression || len(r.Expression) != 2 {
		t.Errorf("wrong rule for rdi %#v", r)
	}
}

func TestDecodeErrors(t *testing.T) {
	cie := NewCommonInformationEntry(1, -8, 16, nil, 8)
	for _, tc := range []struct {
		name string
		prog []byte
	}{
		{"unknown opcode", []byte{0x1c}},
		{"truncated operand", []byte{DW_CFA_def_cfa, 7}},
		{"restore without remember", []byte{DW_CFA_restore_state}},
		{"block too long", []byte{DW_CFA_def_cfa_expression, 10, 0x77}},
	} {
		fde := NewFrameDescriptionEntry(cie, 0x1000, 0x100, tc.prog, binary.LittleEndian)
		_, err := fde.EstablishFrame(0x1000, 7)
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("%s: expected DecodeError, got %v", tc.name, err)
		}
	}

	bad := NewCommonInformationEntry(1, -8, 16, []byte{0x3f}, 8)
	fde := NewFrameDescriptionEntry(bad, 0x1000, 0x100, nil, binary.LittleEndian)
	if _, err := fde.EstablishFrame(0x1000, 7); err == nil {
		t.Errorf("expected error from CIE program")
	}
}
