package vm32

// argReg is the conventional register that supplies the third operand
// (the byte count) for the two three-operand memory-management
// instructions, MEMCPY and MEMSET. The encoding only carries a register
// field (reg1) plus one addressing-mode operand, so a third value needs a
// fixed location; this mirrors the syscall convention of fixed argument
// registers rather than inventing a new encoding. See DESIGN.md,
// Open Questions.
const argReg = 6

// Step executes exactly one instruction: fetch, decode, advance PC by 4,
// dispatch. It returns the fault from dispatch, if any; the engine loop
// (Run) is responsible for stopping on error.
func (e *Engine) Step() *Fault {
	if e.Halted {
		return nil
	}
	startPC := e.Reg[RegPC]
	e.ErrorPC = startPC

	word, f := e.Mem.FetchInstruction(startPC)
	if f != nil {
		f.PC = startPC
		e.LastError = f
		return f
	}
	inst := Decode(word)
	e.Reg[RegPC] = startPC + 4

	if e.Tracer != nil {
		e.Tracer.preStep(e, inst)
	}

	f = e.dispatch(inst)
	if f != nil {
		f.PC = startPC
		e.LastError = f
		return f
	}
	e.InstructionCount++

	if e.Tracer != nil {
		e.Tracer.postStep(e, inst)
	}
	return nil
}

// Run executes instructions until the engine halts or a fault occurs.
func (e *Engine) Run() *Fault {
	for !e.Halted {
		if f := e.Step(); f != nil {
			return f
		}
	}
	return nil
}

// RunFor executes at most maxSteps instructions, or until halt/fault. It
// exists so hosts (the CLI and tests) can bound an otherwise-looping guest
// program without any in-band cancellation mechanism.
func (e *Engine) RunFor(maxSteps uint64) *Fault {
	for i := uint64(0); i < maxSteps && !e.Halted; i++ {
		if f := e.Step(); f != nil {
			return f
		}
	}
	return nil
}

// --- operand resolution -------------------------------------------------------

func (e *Engine) maskAddr(addr uint32) uint32 { return addr & 0xFFFF }

// operandAddress computes the 16-bit effective address for the second
// operand, per the seven addressing modes. Only address-producing modes
// are valid here; IMM and REG have no address.
func (e *Engine) operandAddress(inst Instruction) (uint32, *Fault) {
	switch inst.Mode {
	case ModeMEM:
		return e.maskAddr(inst.Immediate), nil
	case ModeREGM:
		return e.maskAddr(e.Reg[inst.Reg2]), nil
	case ModeIDX:
		return e.maskAddr(e.Reg[inst.Reg2] + inst.Immediate), nil
	case ModeSTK:
		return e.maskAddr(e.Reg[RegSP] + inst.Immediate), nil
	case ModeBAS:
		return e.maskAddr(e.Reg[RegBP] + inst.Immediate), nil
	default:
		return 0, fault(ErrInvalidInstruction, "mode %d has no effective address", inst.Mode)
	}
}

// readOperand resolves the second operand's value for the seven
// addressing modes.
func (e *Engine) readOperand(inst Instruction) (uint32, *Fault) {
	switch inst.Mode {
	case ModeIMM:
		return inst.Immediate, nil
	case ModeREG:
		return e.Reg[inst.Reg2], nil
	default:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return 0, f
		}
		return e.Mem.ReadDWord(addr, PermRead)
	}
}

// --- dispatch -------------------------------------------------------------

func (e *Engine) dispatch(inst Instruction) *Fault {
	switch {
	case inst.Opcode >= 0x00 && inst.Opcode <= 0x1F:
		return e.execDataTransfer(inst)
	case inst.Opcode >= 0x20 && inst.Opcode <= 0x3F:
		return e.execArithmetic(inst)
	case inst.Opcode >= 0x40 && inst.Opcode <= 0x5F:
		return e.execLogical(inst)
	case inst.Opcode >= 0x60 && inst.Opcode <= 0x7F:
		return e.execControl(inst)
	case inst.Opcode >= 0x80 && inst.Opcode <= 0x9F:
		return e.execStack(inst)
	case inst.Opcode >= 0xA0 && inst.Opcode <= 0xBF:
		return e.execSystem(inst)
	case inst.Opcode >= 0xC0 && inst.Opcode <= 0xDF:
		return e.execMemoryManagement(inst)
	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}

func (e *Engine) execDataTransfer(inst Instruction) *Fault {
	switch inst.Opcode {
	case OpLOAD:
		v, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = v
		return nil

	case OpSTORE:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		return e.Mem.WriteDWord(addr, e.Reg[inst.Reg1], PermWrite)

	case OpSTOREB:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		return e.Mem.WriteByte(addr, byte(e.Reg[inst.Reg1]), PermWrite)

	case OpSTOREW:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		return e.Mem.WriteWord(addr, uint16(e.Reg[inst.Reg1]), PermWrite)

	case OpLOADB:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		v, f := e.Mem.ReadByte(addr, PermRead)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = uint32(v)
		return nil

	case OpLOADW:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		v, f := e.Mem.ReadWord(addr, PermRead)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = uint32(v)
		return nil

	case OpMOVE:
		e.Reg[inst.Reg1] = e.Reg[inst.Reg2]
		return nil

	case OpLEA:
		addr, f := e.operandAddress(inst)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = addr
		return nil

	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}

func (e *Engine) execArithmetic(inst Instruction) *Fault {
	a := e.Reg[inst.Reg1]
	b, f := e.readOperand(inst)
	if f != nil {
		return f
	}

	switch inst.Opcode {
	case OpADD:
		r := a + b
		e.updateArithFlags(arithAdd, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpADDC:
		carry := uint32(0)
		if e.flag(FlagCarry) {
			carry = 1
		}
		r := a + b + carry
		e.updateArithFlags(arithAdd, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpSUB:
		r := a - b
		e.updateArithFlags(arithSub, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpSUBC:
		borrow := uint32(0)
		if e.flag(FlagCarry) {
			borrow = 1
		}
		r := a - b - borrow
		e.updateArithFlags(arithSub, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpMUL:
		r := a * b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpDIV:
		if b == 0 {
			return fault(ErrDivisionByZero, "division by zero")
		}
		r := a / b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpMOD:
		if b == 0 {
			return fault(ErrDivisionByZero, "division by zero")
		}
		r := a % b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpINC:
		r := a + 1
		e.updateArithFlags(arithAdd, a, 1, r)
		e.Reg[inst.Reg1] = r
	case OpDEC:
		r := a - 1
		e.updateArithFlags(arithSub, a, 1, r)
		e.Reg[inst.Reg1] = r
	case OpCMP:
		r := a - b
		e.updateArithFlags(arithCmp, a, b, r)
	case OpNEG:
		r := uint32(0) - a
		e.updateArithFlags(arithSub, 0, a, r)
		e.Reg[inst.Reg1] = r
	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
	return nil
}

func (e *Engine) execLogical(inst Instruction) *Fault {
	a := e.Reg[inst.Reg1]
	b, f := e.readOperand(inst)
	if f != nil {
		return f
	}

	switch inst.Opcode {
	case OpAND:
		r := a & b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpOR:
		r := a | b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpXOR:
		r := a ^ b
		e.updateArithFlags(arithLogic, a, b, r)
		e.Reg[inst.Reg1] = r
	case OpNOT:
		r := ^a
		e.updateArithFlags(arithLogic, a, 0, r)
		e.Reg[inst.Reg1] = r
	case OpSHL:
		count := b & 0x1F
		var carry bool
		if count > 0 {
			carry = (a>>(32-count))&1 != 0
		}
		r := a << count
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
		e.setFlag(FlagCarry, carry)
		e.Reg[inst.Reg1] = r
	case OpSHR:
		count := b & 0x1F
		var carry bool
		if count > 0 {
			carry = (a>>(count-1))&1 != 0
		}
		r := a >> count
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
		e.setFlag(FlagCarry, carry)
		e.Reg[inst.Reg1] = r
	case OpSAR:
		count := b & 0x1F
		var carry bool
		if count > 0 {
			carry = (a>>(count-1))&1 != 0
		}
		r := uint32(int32(a) >> count)
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
		e.setFlag(FlagCarry, carry)
		e.Reg[inst.Reg1] = r
	case OpROL:
		count := b & 0x1F
		r := (a << count) | (a >> (32 - count))
		if count == 0 {
			r = a
		}
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
		e.setFlag(FlagCarry, r&1 != 0)
		e.Reg[inst.Reg1] = r
	case OpROR:
		count := b & 0x1F
		r := (a >> count) | (a << (32 - count))
		if count == 0 {
			r = a
		}
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
		e.setFlag(FlagCarry, r&0x80000000 != 0)
		e.Reg[inst.Reg1] = r
	case OpTEST:
		r := a & b
		e.setFlag(FlagZero, r == 0)
		e.setFlag(FlagNegative, r&0x80000000 != 0)
	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
	return nil
}

func (e *Engine) execControl(inst Instruction) *Fault {
	branchIf := func(cond bool) *Fault {
		target, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		if cond {
			e.Reg[RegPC] = target
		}
		return nil
	}

	switch inst.Opcode {
	case OpJMP:
		return branchIf(true)
	case OpJZ:
		return branchIf(e.flag(FlagZero))
	case OpJNZ:
		return branchIf(!e.flag(FlagZero))
	case OpJN:
		return branchIf(e.flag(FlagNegative))
	case OpJP:
		return branchIf(!e.flag(FlagNegative) && !e.flag(FlagZero))
	case OpJO:
		return branchIf(e.flag(FlagOverflow))
	case OpJC:
		return branchIf(e.flag(FlagCarry))
	case OpJBE:
		return branchIf(e.flag(FlagCarry) || e.flag(FlagZero))
	case OpJA:
		return branchIf(!e.flag(FlagCarry) && !e.flag(FlagZero))

	case OpLOOP:
		e.Reg[inst.Reg1]--
		return branchIf(e.Reg[inst.Reg1] != 0)

	case OpCALL:
		target, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		if f := e.Push(e.Reg[RegPC]); f != nil {
			return f
		}
		e.Reg[RegPC] = target
		return nil

	case OpRET:
		pc, f := e.Pop()
		if f != nil {
			return f
		}
		e.Reg[RegPC] = pc
		if inst.Immediate != 0 {
			e.Reg[RegSP] += inst.Immediate
		}
		return nil

	case OpINT:
		return e.raiseInterrupt(uint8(inst.Immediate))

	case OpIRET:
		if !e.InIRQ {
			return fault(ErrUnhandledInterrupt, "IRET with no interrupt in progress")
		}
		pc, f := e.Pop()
		if f != nil {
			return f
		}
		flags, f := e.Pop()
		if f != nil {
			return f
		}
		e.Reg[RegPC] = pc
		e.Reg[RegSR] = flags
		e.InIRQ = false
		return nil

	case OpCLI:
		e.setFlag(FlagInterruptsEnabled, false)
		return nil
	case OpSTI:
		e.setFlag(FlagInterruptsEnabled, true)
		return nil

	case OpRESET:
		e.Reset()
		return nil
	case OpHALT:
		e.Halted = true
		return nil
	case OpDEBUG:
		e.DebugMode = true
		return nil
	case OpNOP:
		return nil

	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}

// raiseInterrupt implements INT <vector>: push flags then return PC, clear
// interrupt-enable, and jump to the installed handler.
func (e *Engine) raiseInterrupt(vector uint8) *Fault {
	if e.InIRQ {
		return fault(ErrNestedInterrupt, "nested interrupt while handling vector 0x%02X", vector)
	}
	addr, ok := e.vectorAddr(vector)
	if !ok {
		return fault(ErrUnhandledInterrupt, "no handler installed for vector 0x%02X", vector)
	}
	if f := e.Push(e.Reg[RegSR]); f != nil {
		return f
	}
	if f := e.Push(e.Reg[RegPC]); f != nil {
		return f
	}
	e.setFlag(FlagInterruptsEnabled, false)
	e.InIRQ = true
	e.Reg[RegPC] = addr
	return nil
}

func (e *Engine) execStack(inst Instruction) *Fault {
	switch inst.Opcode {
	case OpPUSH:
		v, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		return e.Push(v)

	case OpPOP:
		v, f := e.Pop()
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = v
		return nil

	case OpPUSHA:
		savedSP := e.Reg[RegSP]
		for i := NumRegisters - 1; i >= 0; i-- {
			v := e.Reg[i]
			if i == RegSP {
				v = savedSP
			}
			if f := e.Push(v); f != nil {
				return f
			}
		}
		return nil

	case OpPOPA:
		for i := 0; i < NumRegisters; i++ {
			v, f := e.Pop()
			if f != nil {
				return f
			}
			if i == RegSP {
				continue // the SP slot is skipped rather than restored
			}
			e.Reg[i] = v
		}
		return nil

	case OpENTER:
		if f := e.Push(e.Reg[RegBP]); f != nil {
			return f
		}
		e.Reg[RegBP] = e.Reg[RegSP]
		newSP := e.Reg[RegSP] - inst.Immediate
		if f := e.checkSP(newSP); f != nil {
			return f
		}
		e.Reg[RegSP] = newSP
		return nil

	case OpLEAVE:
		e.Reg[RegSP] = e.Reg[RegBP]
		bp, f := e.Pop()
		if f != nil {
			return f
		}
		e.Reg[RegBP] = bp
		return nil

	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}

func (e *Engine) execSystem(inst Instruction) *Fault {
	switch inst.Opcode {
	case OpSYSCALL:
		return e.syscall(uint16(inst.Immediate))

	case OpIN:
		port, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = e.portRead(uint16(port))
		return nil

	case OpOUT:
		port, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		e.portWrite(uint16(port), e.Reg[inst.Reg1])
		return nil

	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}

func (e *Engine) execMemoryManagement(inst Instruction) *Fault {
	switch inst.Opcode {
	case OpALLOC:
		size, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		addr, f := e.Mem.Allocate(size)
		if f != nil {
			return f
		}
		e.Reg[inst.Reg1] = addr
		return nil

	case OpFREE:
		return e.Mem.Free(e.Reg[inst.Reg1])

	case OpMEMCPY:
		dst := e.Reg[inst.Reg1]
		src, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		n := e.Reg[argReg]
		return e.Mem.Copy(dst, src, n)

	case OpMEMSET:
		dst := e.Reg[inst.Reg1]
		value, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		n := e.Reg[argReg]
		return e.Mem.Fill(dst, byte(value), n)

	case OpPROTECT:
		flags, f := e.readOperand(inst)
		if f != nil {
			return f
		}
		return e.Mem.Protect(e.Reg[inst.Reg1], byte(flags))

	default:
		return fault(ErrInvalidInstruction, "opcode 0x%02X is not assigned", inst.Opcode)
	}
}
