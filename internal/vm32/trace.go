package vm32

import (
	"fmt"
	"io"
)

// Tracer writes a per-instruction execution trace to an io.Writer.
// It is attached to at most one Engine and is invoked by Step before and
// after dispatch.
type Tracer struct {
	out      io.Writer
	prevRegs [NumRegisters]uint32
}

// NewTracer creates a tracer writing to out.
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{out: out}
}

func (t *Tracer) preStep(e *Engine, inst Instruction) {
	t.prevRegs = e.Reg
	fmt.Fprintf(t.out, "\n----------------------------------------\n")
	fmt.Fprintf(t.out, "STEP %d  PC=0x%04X  OP=0x%02X %s  MODE=%d  R1=%d R2=%d IMM=0x%X\n",
		e.InstructionCount, e.Reg[RegPC], inst.Opcode, Mnemonic(inst.Opcode),
		inst.Mode, inst.Reg1, inst.Reg2, inst.Immediate)
	fmt.Fprintf(t.out, "REGS BEFORE: %s\n", t.formatRegs(e.Reg))
}

func (t *Tracer) postStep(e *Engine, inst Instruction) {
	changed := false
	for i := range e.Reg {
		if e.Reg[i] != t.prevRegs[i] {
			changed = true
			break
		}
	}
	if changed {
		fmt.Fprintf(t.out, "CHANGED: ")
		for i := range e.Reg {
			if e.Reg[i] != t.prevRegs[i] {
				fmt.Fprintf(t.out, "R%d=0x%08X ", i, e.Reg[i])
			}
		}
		fmt.Fprintf(t.out, "\n")
	}
}

func (t *Tracer) formatRegs(regs [NumRegisters]uint32) string {
	s := ""
	for i, v := range regs {
		s += fmt.Sprintf("R%d=%08X ", i, v)
		if i == 7 {
			s += "\n             "
		}
	}
	return s
}

// TraceFault logs a fault to the trace output, including the stable error
// code so traces remain diffable across runs.
func (t *Tracer) TraceFault(f *Fault) {
	fmt.Fprintf(t.out, "\n*** FAULT: %s\n", f.Error())
}

// Dump renders a full diagnostic snapshot of the engine: registers, flags,
// and the heap block chain. It is used by the interactive
// single-step driver and by fault reporting.
func (e *Engine) Dump(w io.Writer) {
	fmt.Fprintf(w, "PC=0x%04X SP=0x%04X BP=0x%04X SR=0x%02X halted=%v inIRQ=%v\n",
		e.Reg[RegPC], e.Reg[RegSP], e.Reg[RegBP], e.Reg[RegSR]&0xFF, e.Halted, e.InIRQ)
	fmt.Fprintf(w, "flags: Z=%d N=%d C=%d O=%d IE=%d\n",
		boolToInt(e.flag(FlagZero)), boolToInt(e.flag(FlagNegative)),
		boolToInt(e.flag(FlagCarry)), boolToInt(e.flag(FlagOverflow)),
		boolToInt(e.flag(FlagInterruptsEnabled)))
	for i := 0; i < NumRegisters; i += 4 {
		fmt.Fprintf(w, "  R%-2d=%08X  R%-2d=%08X  R%-2d=%08X  R%-2d=%08X\n",
			i, e.Reg[i], i+1, e.Reg[i+1], i+2, e.Reg[i+2], i+3, e.Reg[i+3])
	}
	fmt.Fprintf(w, "instructions executed: %d\n", e.InstructionCount)
	if e.LastError != nil {
		fmt.Fprintf(w, "last error: %s\n", e.LastError.Error())
	}
	fmt.Fprintf(w, "heap:\n%s", e.Mem.DumpHeap())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
