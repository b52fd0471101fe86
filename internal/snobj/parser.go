// Package snobj implements the SN object-file parser (spec §4.1): a
// binary record-stream decoder that turns one relocatable object file,
// produced by a 65816 cross-assembler, into a model.Unit.
package snobj

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/sn2omf/sn2omf/internal/model"
)

const magic = "LNK\x02"

// Top-level SN record opcodes (spec.md §4.1).
const (
	opTerminator     = 0x00
	opDataBlock      = 0x02
	opSelectSection  = 0x06
	opReserveBSS     = 0x08
	opReloc          = 0x0a
	opGlobalSymbol   = 0x0c
	opExternSymbol   = 0x0e
	opSectionDef     = 0x10
	opLocalSymbol    = 0x12
	opGroupDef       = 0x14
	opRegHint1       = 0x16
	opRegHint2       = 0x18
	opFileName       = 0x1c
	opSetLine        = 0x1e
	opIncLine        = 0x22
	opIncLineN       = 0x24
	opLocalSymbolRef = 0x28
	opUnknownZ       = 0x2c
	opRegHint3       = 0x2a
)

// binary operators that may appear in a relocation expression token stream.
func isExprBinaryOp(op uint8) bool {
	switch uint32(op) {
	case model.OpEq, model.OpNe, model.OpLe, model.OpLt, model.OpGe, model.OpGt,
		model.OpAdd, model.OpSub, model.OpMul, model.OpDiv, model.OpAnd, model.OpOr,
		model.OpXor, model.OpLShift, model.OpRShift, model.OpMod:
		return true
	}
	return false
}

// terminal variants whose wire payload is a single u16 (a section, extern
// or group/section-query id) as opposed to V_CONST's u32.
func isExprU16Terminal(op uint8) bool {
	switch uint32(op) {
	case model.VExtern, model.VSection, model.VFnSect, model.VFnGroup,
		model.VFnSectEnd, model.VFnGroupEnd:
		return true
	}
	return false
}

// ParseFile memory-maps path read-only, parses it as an SN object file and
// returns the resulting Unit. The mapping is released before returning;
// all parsed data is copied into owned structures (spec.md §5).
func ParseFile(path string) (*model.Unit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewFatal(model.Location{Path: path, Offset: -1}, "opening %s: %v", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, model.NewFatal(model.Location{Path: path, Offset: -1}, "stat %s: %v", path, err)
	}
	if fi.Size() == 0 {
		return nil, model.NewFatal(model.Location{Path: path, Offset: -1}, "%s: empty file", path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, model.NewFatal(model.Location{Path: path, Offset: -1}, "mmap %s: %v", path, err)
	}
	defer m.Unmap()

	return Parse(path, []byte(m))
}

// Parse decodes an already-resident byte slice as an SN object file. It is
// the mmap-independent core used by ParseFile and by tests.
func Parse(path string, data []byte) (*model.Unit, error) {
	c := newCursor(path, data)

	magicBytes, err := c.bytes(4)
	if err != nil {
		return nil, err
	}
	if string(magicBytes) != magic {
		return nil, c.fatalf("missing SN magic (got %q)", magicBytes)
	}
	if err := c.skip(2); err != nil {
		return nil, err
	}

	unit := &model.Unit{Filename: path}
	p := &parseState{c: c, unit: unit}
	if err := p.run(); err != nil {
		return nil, err
	}
	return unit, nil
}

type parseState struct {
	c    *cursor
	unit *model.Unit

	currentSectionID uint16
	haveSection      bool
	currentFile      uint16
	currentLine      uint
}

func (p *parseState) currentSection() *model.Section {
	if !p.haveSection {
		return nil
	}
	return p.unit.FindSection(p.currentSectionID)
}

func (p *parseState) run() error {
	for {
		if p.c.eof() {
			return p.c.fatalf("unexpected end of stream (missing terminator)")
		}
		op, err := p.c.u8()
		if err != nil {
			return err
		}

		switch op {
		case opTerminator:
			if p.c.eof() {
				return nil
			}
			return p.c.fatalf("terminator opcode mid-stream")

		case opDataBlock:
			if err := p.parseDataBlock(); err != nil {
				return err
			}

		case opSelectSection:
			if err := p.parseSelectSection(); err != nil {
				return err
			}

		case opReserveBSS:
			if err := p.parseReserveBSS(); err != nil {
				return err
			}

		case opReloc:
			if err := p.parseReloc(); err != nil {
				return err
			}

		case opGlobalSymbol:
			sym, err := p.parseGlobalSymbol()
			if err != nil {
				return err
			}
			p.unit.Globals = append(p.unit.Globals, sym)

		case opExternSymbol:
			sym, err := p.parseSymbolNameOnly()
			if err != nil {
				return err
			}
			p.unit.Externs = append(p.unit.Externs, sym)

		case opSectionDef:
			if err := p.parseSectionDef(); err != nil {
				return err
			}

		case opLocalSymbol:
			sym, err := p.parseLocalSymbol()
			if err != nil {
				return err
			}
			p.unit.Locals = append(p.unit.Locals, sym)

		case opGroupDef:
			if err := p.parseGroupDef(); err != nil {
				return err
			}

		case opRegHint1, opRegHint2, opRegHint3:
			if err := p.c.skip(7); err != nil {
				return err
			}

		case opFileName:
			if err := p.parseFileName(); err != nil {
				return err
			}

		case opSetLine:
			fid, err := p.c.u16()
			if err != nil {
				return err
			}
			line, err := p.c.u32()
			if err != nil {
				return err
			}
			p.currentFile = fid
			p.currentLine = uint(line)

		case opIncLine:
			p.currentLine++

		case opIncLineN:
			delta, err := p.c.u8()
			if err != nil {
				return err
			}
			p.currentLine += uint(delta)

		case opLocalSymbolRef:
			if err := p.skipLocalSymbolRef(); err != nil {
				return err
			}

		case opUnknownZ:
			if err := p.c.skip(3); err != nil {
				return err
			}

		default:
			return p.c.fatalf("unknown opcode $%02x", op)
		}
	}
}

func (p *parseState) parseDataBlock() error {
	sect := p.currentSection()
	if sect == nil {
		return p.c.fatalf("data block with no active section")
	}
	size, err := p.c.u16()
	if err != nil {
		return err
	}
	b, err := p.c.bytes(int(size))
	if err != nil {
		return err
	}
	sect.Data = append(sect.Data, b...)
	return nil
}

func (p *parseState) parseSelectSection() error {
	id, err := p.c.u16()
	if err != nil {
		return err
	}
	p.currentSectionID = id
	p.haveSection = true
	if p.unit.FindSection(id) == nil {
		return p.c.fatalf("select section: no active section $%04x", id)
	}
	return nil
}

// parseReserveBSS implements the "extend data with zeros" BSS policy
// (spec.md §9 open question; resolved per original_source/sn.cpp).
func (p *parseState) parseReserveBSS() error {
	sect := p.currentSection()
	if sect == nil {
		return p.c.fatalf("reserve (bss) with no active section")
	}
	size, err := p.c.u32()
	if err != nil {
		return err
	}
	sect.Data = append(sect.Data, make([]byte, size)...)
	return nil
}

func (p *parseState) parseReloc() error {
	sect := p.currentSection()
	if sect == nil {
		return p.c.fatalf("relocation with no active section")
	}

	typ, err := p.c.u8()
	if err != nil {
		return err
	}
	addr, err := p.c.u16()
	if err != nil {
		return err
	}

	expr, err := p.parseExprTokens()
	if err != nil {
		return err
	}

	sect.Relocs = append(sect.Relocs, model.Reloc{
		Type:    typ,
		Address: uint32(addr),
		FileID:  p.currentFile,
		Line:    p.currentLine,
		Expr:    expr,
	})
	return nil
}

// parseExprTokens reads the pre-order flattened expression tree. The
// token count is driven by an operand counter, starting at 1: each
// binary operator consumes one slot and produces two (net +1), each
// terminal consumes one slot and produces none (net -1).
func (p *parseState) parseExprTokens() ([]model.ExprToken, error) {
	tokens := 1
	var out []model.ExprToken

	for tokens > 0 {
		tokens--
		op, err := p.c.u8()
		if err != nil {
			return nil, err
		}

		switch {
		case isExprBinaryOp(op):
			out = append(out, model.ExprToken{Op: uint32(op)})
			tokens += 2

		case op == model.VConst:
			v, err := p.c.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, model.ExprToken{Op: uint32(op), Value: v})

		case isExprU16Terminal(op):
			v, err := p.c.u16()
			if err != nil {
				return nil, err
			}
			out = append(out, model.ExprToken{Op: uint32(op), Value: uint32(v)})

		default:
			return nil, p.c.fatalf("unknown relocation expression opcode $%02x", op)
		}
	}
	return out, nil
}

func (p *parseState) parseGlobalSymbol() (model.Symbol, error) {
	id, err := p.c.u16()
	if err != nil {
		return model.Symbol{}, err
	}
	sect, err := p.c.u16()
	if err != nil {
		return model.Symbol{}, err
	}
	val, err := p.c.u32()
	if err != nil {
		return model.Symbol{}, err
	}
	name, err := p.c.pstring()
	if err != nil {
		return model.Symbol{}, err
	}
	return model.Symbol{SymbolID: id, SectionID: sect, Value: val, Name: name}, nil
}

// parseLocalSymbol reads opcode 0x12's payload: u16 sect_id, u32 value,
// pstring name. Unlike global/extern symbols, local symbols carry no
// wire-level symbol id.
func (p *parseState) parseLocalSymbol() (model.Symbol, error) {
	sect, err := p.c.u16()
	if err != nil {
		return model.Symbol{}, err
	}
	val, err := p.c.u32()
	if err != nil {
		return model.Symbol{}, err
	}
	name, err := p.c.pstring()
	if err != nil {
		return model.Symbol{}, err
	}
	return model.Symbol{SectionID: sect, Value: val, Name: name}, nil
}

func (p *parseState) parseSymbolNameOnly() (model.Symbol, error) {
	id, err := p.c.u16()
	if err != nil {
		return model.Symbol{}, err
	}
	name, err := p.c.pstring()
	if err != nil {
		return model.Symbol{}, err
	}
	return model.Symbol{SymbolID: id, Name: name}, nil
}

func (p *parseState) parseSectionDef() error {
	id, err := p.c.u16()
	if err != nil {
		return err
	}
	group, err := p.c.u16()
	if err != nil {
		return err
	}
	flags, err := p.c.u8()
	if err != nil {
		return err
	}
	name, err := p.c.pstring()
	if err != nil {
		return err
	}
	p.unit.Sections = append(p.unit.Sections, model.Section{
		SectionID: id,
		GroupID:   group,
		Flags:     flags,
		Name:      name,
	})
	return nil
}

func (p *parseState) parseGroupDef() error {
	id, err := p.c.u16()
	if err != nil {
		return err
	}
	flags, err := p.c.u8()
	if err != nil {
		return err
	}
	name, err := p.c.pstring()
	if err != nil {
		return err
	}
	p.unit.Groups = append(p.unit.Groups, model.Group{GroupID: id, Flags: flags, Name: name})
	return nil
}

func (p *parseState) parseFileName() error {
	id, err := p.c.u16()
	if err != nil {
		return err
	}
	name, err := p.c.pstring()
	if err != nil {
		return err
	}
	p.unit.Files = append(p.unit.Files, model.SourceFile{FileID: id, Name: name})
	return nil
}

func (p *parseState) skipLocalSymbolRef() error {
	if err := p.c.skip(2); err != nil { // u16
		return err
	}
	if err := p.c.skip(4); err != nil { // u32
		return err
	}
	_, err := p.c.pstring()
	return err
}
