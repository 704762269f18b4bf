package vm32

import "fmt"

// Image container layout: a 4-byte magic, a 32-byte header (magic
// included), then the code, data, and symbol segments back to back.
const (
	imageMagic      = "VM32"
	imageHeaderSize = 32
)

// ImageHeader is the parsed header of a VM32 binary image, per §6: magic
// at offset 0, version (u16 major, u16 minor) at offset 4, header length
// (u32) at offset 8, then the five u32 segment descriptors (code base/size,
// data base/size, symbol-table size).
type ImageHeader struct {
	MajorVersion uint16
	MinorVersion uint16
	HeaderSize   uint32
	CodeBase     uint32
	CodeSize     uint32
	DataBase     uint32
	DataSize     uint32
	SymbolSize   uint32
}

// SymbolType distinguishes a symbol-table entry's target segment.
type SymbolType uint8

const (
	SymbolCode SymbolType = 0
	SymbolData SymbolType = 1
)

// Symbol is one entry of the symbol-table's symbol list: a name, its
// address, the segment it targets, and the source location it was
// declared at, used only by external diagnostic tooling.
type Symbol struct {
	Name       string
	Addr       uint32
	Type       SymbolType
	SourceLine uint32
	SourceFile string
}

// LineEntry is one entry of the symbol-table's source-line list, mapping
// an address back to a line of source text for the external debugger.
type LineEntry struct {
	Addr   uint32
	Line   uint32
	Source string
	File   string
}

// SymbolTable is the parsed trailing debug-symbol table described in §6:
// a symbol list followed by a source-line list. It is never consulted by
// the engine itself; it exists to be handed to an external debugger.
type SymbolTable struct {
	Symbols []Symbol
	Lines   []LineEntry
}

// LoadImage loads a binary image into the engine's memory and positions PC
// at the image's code base. If data does not begin with the VM32 magic, it
// falls back to treating the whole buffer as a raw code stream loaded at
// CodeBase, overflowing into the data segment if it doesn't fit. The
// returned table is nil unless the image is a container that carries a
// non-empty trailing symbol segment.
func (e *Engine) LoadImage(data []byte) (*SymbolTable, error) {
	if len(data) >= 4 && string(data[0:4]) == imageMagic {
		return e.loadContainer(data)
	}
	return nil, e.loadRaw(data)
}

func (e *Engine) loadRaw(data []byte) error {
	if len(data) > 2*SegmentSize {
		return fmt.Errorf("raw image too large: %d bytes exceeds code+data capacity %d", len(data), 2*SegmentSize)
	}
	if err := e.blit(CodeBase, data); err != nil {
		return err
	}
	e.Reg[RegPC] = CodeBase
	return nil
}

func (e *Engine) loadContainer(data []byte) (*SymbolTable, error) {
	if len(data) < imageHeaderSize {
		return nil, fmt.Errorf("image too small for header: %d bytes", len(data))
	}
	h := parseHeader(data[4:])

	if int(h.HeaderSize) != imageHeaderSize {
		return nil, fmt.Errorf("unsupported header size %d", h.HeaderSize)
	}
	if h.MajorVersion != 1 {
		return nil, fmt.Errorf("unsupported image major version %d", h.MajorVersion)
	}

	offset := int(h.HeaderSize)
	code, offset, err := slice(data, offset, int(h.CodeSize))
	if err != nil {
		return nil, fmt.Errorf("code segment: %w", err)
	}
	dat, offset, err := slice(data, offset, int(h.DataSize))
	if err != nil {
		return nil, fmt.Errorf("data segment: %w", err)
	}
	symBytes, _, err := slice(data, offset, int(h.SymbolSize))
	if err != nil {
		return nil, fmt.Errorf("symbol segment: %w", err)
	}

	if err := e.blit(h.CodeBase, code); err != nil {
		return nil, fmt.Errorf("code segment: %w", err)
	}
	if err := e.blit(h.DataBase, dat); err != nil {
		return nil, fmt.Errorf("data segment: %w", err)
	}

	e.Reg[RegPC] = h.CodeBase

	if len(symBytes) == 0 {
		return nil, nil
	}
	table, err := parseSymbolTable(symBytes)
	if err != nil {
		return nil, fmt.Errorf("symbol table: %w", err)
	}
	return table, nil
}

func slice(data []byte, offset, size int) ([]byte, int, error) {
	if offset < 0 || size < 0 || offset+size > len(data) {
		return nil, offset, fmt.Errorf("segment [%d, %d) exceeds image length %d", offset, offset+size, len(data))
	}
	return data[offset : offset+size], offset + size, nil
}

func (e *Engine) blit(base uint32, bytes []byte) error {
	for i, b := range bytes {
		addr := base + uint32(i)
		if f := e.Mem.WriteByte(addr, b, PermNone); f != nil {
			return fmt.Errorf("writing image byte at 0x%04X: %w", addr, f)
		}
	}
	return nil
}

// parseHeader reads the version/layout fields that follow the 4-byte magic,
// per §6: major u16, minor u16, header-length u32, then the code and data
// base/size pairs and the symbol-table size, all u32.
func parseHeader(b []byte) ImageHeader {
	u16 := func(o int) uint16 { return uint16(b[o]) | uint16(b[o+1])<<8 }
	u32 := func(o int) uint32 {
		return uint32(b[o]) | uint32(b[o+1])<<8 | uint32(b[o+2])<<16 | uint32(b[o+3])<<24
	}
	return ImageHeader{
		MajorVersion: u16(0),
		MinorVersion: u16(2),
		HeaderSize:   u32(4),
		CodeBase:     u32(8),
		CodeSize:     u32(12),
		DataBase:     u32(16),
		DataSize:     u32(20),
		SymbolSize:   u32(24),
	}
}

// symbolReader sequentially consumes the little-endian fields of the §6
// symbol-table format, faulting on truncation rather than silently
// accepting a malformed table.
type symbolReader struct {
	b   []byte
	pos int
}

func (r *symbolReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return fmt.Errorf("truncated symbol table at offset %d, need %d more bytes", r.pos, n)
	}
	return nil
}

func (r *symbolReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *symbolReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := uint16(r.b[r.pos]) | uint16(r.b[r.pos+1])<<8
	r.pos += 2
	return v, nil
}

func (r *symbolReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := uint32(r.b[r.pos]) | uint32(r.b[r.pos+1])<<8 | uint32(r.b[r.pos+2])<<16 | uint32(r.b[r.pos+3])<<24
	r.pos += 4
	return v, nil
}

func (r *symbolReader) bytes(n uint16) (string, error) {
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// parseSymbolTable parses the §6 symbol-table format: a leading symbol
// count and list, followed by a source-line count and list.
func parseSymbolTable(b []byte) (*SymbolTable, error) {
	r := &symbolReader{b: b}

	symCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	syms := make([]Symbol, 0, symCount)
	for i := uint32(0); i < symCount; i++ {
		nameLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes(nameLen)
		if err != nil {
			return nil, err
		}
		addr, err := r.u32()
		if err != nil {
			return nil, err
		}
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		line, err := r.u32()
		if err != nil {
			return nil, err
		}
		fileLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		file, err := r.bytes(fileLen)
		if err != nil {
			return nil, err
		}
		syms = append(syms, Symbol{
			Name:       name,
			Addr:       addr,
			Type:       SymbolType(kind),
			SourceLine: line,
			SourceFile: file,
		})
	}

	lineCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	lines := make([]LineEntry, 0, lineCount)
	for i := uint32(0); i < lineCount; i++ {
		addr, err := r.u32()
		if err != nil {
			return nil, err
		}
		lineNum, err := r.u32()
		if err != nil {
			return nil, err
		}
		srcLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		src, err := r.bytes(srcLen)
		if err != nil {
			return nil, err
		}
		fileLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		file, err := r.bytes(fileLen)
		if err != nil {
			return nil, err
		}
		lines = append(lines, LineEntry{Addr: addr, Line: lineNum, Source: src, File: file})
	}

	return &SymbolTable{Symbols: syms, Lines: lines}, nil
}
