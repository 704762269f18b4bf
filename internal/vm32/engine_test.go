package vm32

import (
	"bytes"
	"testing"
)

// assemble packs a sequence of instructions into the little-endian byte
// stream LoadImage expects for a raw (magic-less) code image.
func assemble(insts ...Instruction) []byte {
	var buf []byte
	for _, inst := range insts {
		w := Encode(inst)
		buf = append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return buf
}

func newTestEngine(t *testing.T, insts ...Instruction) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{})
	if err := e.loadRaw(assemble(insts...)); err != nil {
		t.Fatalf("loadRaw: %v", err)
	}
	return e
}

func TestProgramCounterAdvancesByFour(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 5, Immediate: 1},
		Instruction{Opcode: OpNOP},
		Instruction{Opcode: OpHALT},
	)
	if f := e.Step(); f != nil {
		t.Fatalf("Step 1: %v", f)
	}
	if e.Reg[RegPC] != CodeBase+4 {
		t.Errorf("PC after LOAD = 0x%04X, want 0x%04X", e.Reg[RegPC], CodeBase+4)
	}
	if f := e.Step(); f != nil {
		t.Fatalf("Step 2: %v", f)
	}
	if e.Reg[RegPC] != CodeBase+8 {
		t.Errorf("PC after NOP = 0x%04X, want 0x%04X", e.Reg[RegPC], CodeBase+8)
	}
}

func TestStackBalancedPushPop(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 5, Immediate: 0xABCD},
		Instruction{Opcode: OpPUSH, Mode: ModeREG, Reg2: 5},
		Instruction{Opcode: OpPOP, Reg1: 6},
		Instruction{Opcode: OpHALT},
	)
	startSP := e.Reg[RegSP]
	if f := e.RunFor(10); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if e.Reg[RegSP] != startSP {
		t.Errorf("SP = 0x%04X after balanced push/pop, want 0x%04X", e.Reg[RegSP], startSP)
	}
	if e.Reg[6] != 0xABCD {
		t.Errorf("R6 = 0x%X, want 0xABCD", e.Reg[6])
	}
}

func TestArithmeticOverflowFlag(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpADD, Mode: ModeIMM, Reg1: 0, Immediate: 1},
		Instruction{Opcode: OpHALT},
	)
	// Immediates are at most 16 bits wide, so INT32_MAX is preset directly.
	e.Reg[0] = 0x7FFFFFFF
	if f := e.RunFor(10); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if !e.flag(FlagOverflow) {
		t.Error("expected Overflow flag after signed overflow")
	}
	if !e.flag(FlagNegative) {
		t.Error("expected Negative flag, result wrapped to a negative value")
	}
}

func TestLEAComputesSameAddressAsDirectAccess(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 1, Immediate: DataBase},
		Instruction{Opcode: OpLEA, Mode: ModeIDX, Reg1: 2, Reg2: 1, Immediate: 4},
		Instruction{Opcode: OpHALT},
	)
	if f := e.RunFor(10); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if e.Reg[2] != DataBase+4 {
		t.Errorf("LEA result = 0x%04X, want 0x%04X", e.Reg[2], DataBase+4)
	}
}

func TestFactorialOfFive(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 5, Immediate: 5}, // pc=0: n=5
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 6, Immediate: 1}, // pc=4: result=1
		Instruction{Opcode: OpMUL, Mode: ModeREG, Reg1: 6, Reg2: 5},       // pc=8: result *= n
		Instruction{Opcode: OpLOOP, Mode: ModeIMM, Reg1: 5, Immediate: 8}, // pc=12: n--; if n!=0 goto pc=8
		Instruction{Opcode: OpHALT},                                      // pc=16
	)
	if f := e.RunFor(100); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if !e.Halted {
		t.Fatal("expected engine to halt")
	}
	if e.Reg[6] != 120 {
		t.Errorf("5! = %d, want 120", e.Reg[6])
	}
}

func TestPrintHello(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: RegAcc, Immediate: DataBase},
		Instruction{Opcode: OpSYSCALL, Mode: ModeIMM, Immediate: SysPrintString},
		Instruction{Opcode: OpHALT},
	)
	msg := "Hello\x00"
	for i := 0; i < len(msg); i++ {
		if f := e.Mem.WriteByte(DataBase+uint32(i), msg[i], PermNone); f != nil {
			t.Fatalf("seeding message: %v", f)
		}
	}
	var out bytes.Buffer
	e.SetConsole(nil, &out)

	if f := e.RunFor(10); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if out.String() != "Hello" {
		t.Errorf("console output = %q, want %q", out.String(), "Hello")
	}
}

func TestHeapRoundTrip(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 0, Immediate: 0x55},
		Instruction{Opcode: OpALLOC, Mode: ModeIMM, Reg1: 7, Immediate: 16},
		Instruction{Opcode: OpPROTECT, Mode: ModeIMM, Reg1: 7, Immediate: PermRead | PermWrite},
		Instruction{Opcode: OpSTORE, Mode: ModeREGM, Reg1: 0, Reg2: 7},
		Instruction{Opcode: OpLOAD, Mode: ModeREGM, Reg1: 1, Reg2: 7},
		Instruction{Opcode: OpFREE, Reg1: 7},
		Instruction{Opcode: OpHALT},
	)
	if f := e.RunFor(20); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if e.Reg[1] != 0x55 {
		t.Errorf("R1 = 0x%X, want 0x55", e.Reg[1])
	}
}

func TestDoubleFreeFaults(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpALLOC, Mode: ModeIMM, Reg1: 7, Immediate: 16},
		Instruction{Opcode: OpFREE, Reg1: 7},
		Instruction{Opcode: OpFREE, Reg1: 7},
		Instruction{Opcode: OpHALT},
	)
	f := e.RunFor(20)
	if f == nil {
		t.Fatal("expected a fault on double free")
	}
	if f.Code != ErrInvalidAddress {
		t.Errorf("Code = %v, want ErrInvalidAddress", f.Code)
	}
}

func TestFreeNonHeapAddressFaults(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 7, Immediate: DataBase},
		Instruction{Opcode: OpFREE, Reg1: 7},
		Instruction{Opcode: OpHALT},
	)
	f := e.RunFor(20)
	if f == nil {
		t.Fatal("expected a fault freeing a non-heap address")
	}
	if f.Code != ErrInvalidAddress {
		t.Errorf("Code = %v, want ErrInvalidAddress", f.Code)
	}
}

func TestAllocationTooLargeFaults(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpALLOC, Mode: ModeIMM, Reg1: 7, Immediate: SegmentSize},
		Instruction{Opcode: OpHALT},
	)
	f := e.RunFor(20)
	if f == nil {
		t.Fatal("expected a fault allocating more than the heap holds")
	}
	if f.Code != ErrMemoryAllocation {
		t.Errorf("Code = %v, want ErrMemoryAllocation", f.Code)
	}
}

func TestProtectionViolationFaults(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpALLOC, Mode: ModeIMM, Reg1: 7, Immediate: 16},
		Instruction{Opcode: OpPROTECT, Mode: ModeIMM, Reg1: 7, Immediate: PermRead},
		Instruction{Opcode: OpSTORE, Mode: ModeREGM, Reg1: 0, Reg2: 7},
		Instruction{Opcode: OpHALT},
	)
	f := e.RunFor(20)
	if f == nil {
		t.Fatal("expected a protection fault")
	}
	if f.Code != ErrProtectionFault {
		t.Errorf("Code = %v, want ErrProtectionFault", f.Code)
	}
}

func TestDivisionByZeroFaults(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 0, Immediate: 10},
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 1, Immediate: 0},
		Instruction{Opcode: OpDIV, Mode: ModeREG, Reg1: 0, Reg2: 1},
		Instruction{Opcode: OpHALT},
	)
	f := e.RunFor(20)
	if f == nil {
		t.Fatal("expected a division-by-zero fault")
	}
	if f.Code != ErrDivisionByZero {
		t.Errorf("Code = %v, want ErrDivisionByZero", f.Code)
	}
}

func TestCallReturn(t *testing.T) {
	e := newTestEngine(t,
		Instruction{Opcode: OpCALL, Mode: ModeIMM, Immediate: CodeBase + 12}, // pc=0: calls the function below
		Instruction{Opcode: OpNOP},                                          // pc=4: return lands here
		Instruction{Opcode: OpHALT},                                         // pc=8
		Instruction{Opcode: OpLOAD, Mode: ModeIMM, Reg1: 9, Immediate: 42},   // pc=12: function body
		Instruction{Opcode: OpRET},                                          // pc=16
	)
	if f := e.RunFor(20); f != nil {
		t.Fatalf("RunFor: %v", f)
	}
	if e.Reg[9] != 42 {
		t.Errorf("R9 = %d, want 42", e.Reg[9])
	}
	if e.Reg[RegPC] != CodeBase+12 {
		t.Errorf("PC after final HALT's fetch = 0x%04X, want 0x%04X", e.Reg[RegPC], CodeBase+12)
	}
}
