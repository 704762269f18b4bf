package vm32

import "fmt"

// Memory is the VM's single backing byte array, partitioned into the four
// fixed segments described in the data model, plus a first-fit heap
// allocator over the heap segment. All heap metadata lives inside the byte
// array itself, reached by offset; there is no pointer-based or
// process-global allocator state.
type Memory struct {
	bytes []byte
	size  int
}

// NewMemory allocates a zero-initialized address space of the given size
// and seeds the heap with a single free block spanning the whole segment.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	m := &Memory{bytes: make([]byte, size), size: size}
	m.initHeap()
	return m
}

// Size returns the backing array length in bytes.
func (m *Memory) Size() int { return m.size }

// Reset zeroes the backing array and reseeds the heap. Neither image
// loading nor the RESET instruction calls it.
func (m *Memory) Reset() {
	for i := range m.bytes {
		m.bytes[i] = 0
	}
	m.initHeap()
}

func (m *Memory) initHeap() {
	m.setHeapHeader(HeapBase, SegmentSize, true, PermNone, 0)
}

// --- segment classification -------------------------------------------------

func inSegment(addr uint32, size uint32, base, limit uint32) bool {
	return addr >= base && addr+size <= limit
}

func inHeapSegment(addr, size uint32) bool {
	return inSegment(addr, size, HeapBase, HeapBase+SegmentSize)
}

// --- raw little-endian accessors (no checks) --------------------------------

func (m *Memory) rawByte(addr uint32) byte { return m.bytes[addr] }

func (m *Memory) rawSetByte(addr uint32, v byte) { m.bytes[addr] = v }

func (m *Memory) rawWord(addr uint32) uint16 {
	return uint16(m.bytes[addr]) | uint16(m.bytes[addr+1])<<8
}

func (m *Memory) rawSetWord(addr uint32, v uint16) {
	m.bytes[addr] = byte(v)
	m.bytes[addr+1] = byte(v >> 8)
}

func (m *Memory) rawDWord(addr uint32) uint32 {
	return uint32(m.bytes[addr]) | uint32(m.bytes[addr+1])<<8 |
		uint32(m.bytes[addr+2])<<16 | uint32(m.bytes[addr+3])<<24
}

func (m *Memory) rawSetDWord(addr uint32, v uint32) {
	m.bytes[addr] = byte(v)
	m.bytes[addr+1] = byte(v >> 8)
	m.bytes[addr+2] = byte(v >> 16)
	m.bytes[addr+3] = byte(v >> 24)
}

// --- access checking ---------------------------------------------------------

// checkAccess validates an access to [addr, addr+size) requiring permission
// perm. Code/data/stack segments implicitly grant any permission;
// the heap segment requires the access to lie entirely inside the payload
// of a single allocated block whose protection is a superset of perm.
func (m *Memory) checkAccess(addr, size uint32, perm byte) *Fault {
	if uint64(addr)+uint64(size) > uint64(m.size) {
		return fault(ErrSegmentationFault, "access [0x%04X, 0x%04X) exceeds memory size %d", addr, addr+size, m.size)
	}
	spansHeapBoundary := addr < HeapBase+SegmentSize && addr+size > HeapBase
	fullyInHeap := inHeapSegment(addr, size)
	if spansHeapBoundary && !fullyInHeap {
		return fault(ErrSegmentationFault, "access [0x%04X, 0x%04X) crosses a segment boundary", addr, addr+size)
	}
	if !fullyInHeap {
		// Code/data/stack: implicitly granted.
		return nil
	}
	blk, ok := m.findBlockContaining(addr, size)
	if !ok {
		return fault(ErrSegmentationFault, "access [0x%04X, 0x%04X) does not lie inside a single allocated heap block", addr, addr+size)
	}
	if blk.free {
		return fault(ErrSegmentationFault, "access [0x%04X, 0x%04X) targets a freed block", addr, addr+size)
	}
	if blk.prot&perm != perm {
		return fault(ErrProtectionFault, "access [0x%04X, 0x%04X) requires permission 0x%X, block grants 0x%X", addr, addr+size, perm, blk.prot)
	}
	return nil
}

// ReadByte/ReadWord/ReadDWord read little-endian values after checking perm.
func (m *Memory) ReadByte(addr uint32, perm byte) (byte, *Fault) {
	if f := m.checkAccess(addr, 1, perm); f != nil {
		return 0, f
	}
	return m.rawByte(addr), nil
}

func (m *Memory) ReadWord(addr uint32, perm byte) (uint16, *Fault) {
	if f := m.checkAccess(addr, 2, perm); f != nil {
		return 0, f
	}
	return m.rawWord(addr), nil
}

func (m *Memory) ReadDWord(addr uint32, perm byte) (uint32, *Fault) {
	if f := m.checkAccess(addr, 4, perm); f != nil {
		return 0, f
	}
	return m.rawDWord(addr), nil
}

func (m *Memory) WriteByte(addr uint32, v byte, perm byte) *Fault {
	if f := m.checkAccess(addr, 1, perm); f != nil {
		return f
	}
	m.rawSetByte(addr, v)
	return nil
}

func (m *Memory) WriteWord(addr uint32, v uint16, perm byte) *Fault {
	if f := m.checkAccess(addr, 2, perm); f != nil {
		return f
	}
	m.rawSetWord(addr, v)
	return nil
}

func (m *Memory) WriteDWord(addr uint32, v uint32, perm byte) *Fault {
	if f := m.checkAccess(addr, 4, perm); f != nil {
		return f
	}
	m.rawSetDWord(addr, v)
	return nil
}

// FetchInstruction reads the 32-bit word at addr for decoding.
// Execute-permission enforcement on PC fetch is consistently disabled: the
// code segment (and any other non-heap segment) implicitly grants access.
// See DESIGN.md for the rationale.
func (m *Memory) FetchInstruction(addr uint32) (uint32, *Fault) {
	return m.ReadDWord(addr, PermRead)
}

// Copy implements MEMCPY: n bytes from src to dst, checked for both ends.
func (m *Memory) Copy(dst, src, n uint32) *Fault {
	if f := m.checkAccess(src, n, PermRead); f != nil {
		return f
	}
	if f := m.checkAccess(dst, n, PermWrite); f != nil {
		return f
	}
	copy(m.bytes[dst:dst+n], m.bytes[src:src+n])
	return nil
}

// Fill implements MEMSET: n bytes at dst set to value.
func (m *Memory) Fill(dst uint32, value byte, n uint32) *Fault {
	if f := m.checkAccess(dst, n, PermWrite); f != nil {
		return f
	}
	row := m.bytes[dst : dst+n]
	for i := range row {
		row[i] = value
	}
	return nil
}

// --- heap block header, read through indexed views over the byte array -----

type heapBlock struct {
	offset uint32 // header offset, relative to start of array (absolute address)
	magic  uint16
	size   uint16 // header + payload
	free   bool
	prot   byte
	next   uint16 // offset in bytes from this header to the next header; 0 = terminal
}

func (m *Memory) heapHeaderAt(offset uint32) heapBlock {
	return heapBlock{
		offset: offset,
		magic:  m.rawWord(offset),
		size:   m.rawWord(offset + 2),
		free:   m.rawByte(offset+4) != 0,
		prot:   m.rawByte(offset + 5),
		next:   m.rawWord(offset + 6),
	}
}

func (m *Memory) setHeapHeader(offset uint32, size uint16, free bool, prot byte, next uint16) {
	m.rawSetWord(offset, heapMagic)
	m.rawSetWord(offset+2, size)
	var freeByte byte
	if free {
		freeByte = 1
	}
	m.rawSetByte(offset+4, freeByte)
	m.rawSetByte(offset+5, prot)
	m.rawSetWord(offset+6, next)
}

func (b heapBlock) payloadBase() uint32 { return b.offset + heapHeaderLen }
func (b heapBlock) end() uint32         { return b.offset + uint32(b.size) }

// walkHeap calls visit for every block in the chain, in order, starting at
// HeapBase. It stops (without error) once the terminal block (next == 0)
// has been visited.
func (m *Memory) walkHeap(visit func(heapBlock) bool) {
	offset := uint32(HeapBase)
	for {
		blk := m.heapHeaderAt(offset)
		if !visit(blk) {
			return
		}
		if blk.next == 0 {
			return
		}
		offset = blk.offset + uint32(blk.next)
	}
}

// findBlockContaining returns the single allocated or free block whose
// payload entirely contains [addr, addr+size).
func (m *Memory) findBlockContaining(addr, size uint32) (heapBlock, bool) {
	var found heapBlock
	var ok bool
	m.walkHeap(func(b heapBlock) bool {
		lo, hi := b.payloadBase(), b.end()
		if addr >= lo && addr+size <= hi {
			found, ok = b, true
			return false
		}
		return true
	})
	return found, ok
}

func roundUpPayload(n int) int {
	if n < minPayload {
		n = minPayload
	}
	if rem := n % allocAlign; rem != 0 {
		n += allocAlign - rem
	}
	return n
}

// Allocate implements a first-fit allocator over the heap segment.
func (m *Memory) Allocate(requested uint32) (uint32, *Fault) {
	payload := roundUpPayload(int(requested))
	total := payload + heapHeaderLen
	if total > 0xFFFF {
		return 0, fault(ErrMemoryAllocation, "requested size %d too large", requested)
	}

	var target heapBlock
	found := false
	m.walkHeap(func(b heapBlock) bool {
		if b.free && int(b.size) >= total {
			target = b
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, fault(ErrMemoryAllocation, "no free block large enough for %d bytes", requested)
	}

	remainder := int(target.size) - total
	if remainder >= heapHeaderLen+minPayload {
		newOffset := target.offset + uint32(total)
		var newNext uint16
		if target.next != 0 {
			newNext = target.next - uint16(total)
		}
		m.setHeapHeader(newOffset, uint16(remainder), true, PermNone, newNext)
		m.setHeapHeader(target.offset, uint16(total), false, PermRead|PermWrite|PermExec, uint16(total))
	} else {
		m.setHeapHeader(target.offset, target.size, false, PermRead|PermWrite|PermExec, target.next)
	}
	return target.offset + heapHeaderLen, nil
}

// Free marks the block owning payloadAddr as free.
func (m *Memory) Free(payloadAddr uint32) *Fault {
	blk, ok := m.blockByPayload(payloadAddr)
	if !ok {
		return fault(ErrInvalidAddress, "0x%04X is not the start of any heap block's payload", payloadAddr)
	}
	if blk.free {
		return fault(ErrInvalidAddress, "Double free detected")
	}
	m.setHeapHeader(blk.offset, blk.size, true, PermNone, blk.next)
	return nil
}

// Protect sets the protection bitmask on the block owning payloadAddr.
func (m *Memory) Protect(payloadAddr uint32, prot byte) *Fault {
	blk, ok := m.blockByPayload(payloadAddr)
	if !ok {
		return fault(ErrInvalidAddress, "0x%04X is not the start of any heap block's payload", payloadAddr)
	}
	if blk.free {
		return fault(ErrInvalidAddress, "cannot protect a free block")
	}
	m.setHeapHeader(blk.offset, blk.size, false, prot, blk.next)
	return nil
}

func (m *Memory) blockByPayload(payloadAddr uint32) (heapBlock, bool) {
	var found heapBlock
	var ok bool
	m.walkHeap(func(b heapBlock) bool {
		if b.payloadBase() == payloadAddr {
			found, ok = b, true
			return false
		}
		return true
	})
	return found, ok
}

// DumpHeap renders the block chain for diagnostics, in the teacher's
// fixed-width tabular style (see trace.go).
func (m *Memory) DumpHeap() string {
	s := ""
	m.walkHeap(func(b heapBlock) bool {
		state := "alloc"
		if b.free {
			state = "free"
		}
		s += fmt.Sprintf("  block@0x%04X size=%d %s prot=0x%X next=%d\n", b.offset, b.size, state, b.prot, b.next)
		return true
	})
	return s
}
