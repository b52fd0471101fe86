package snobj

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sn2omf/sn2omf/internal/model"
)

// ---- SN record stream builder ----------------------------------------------

// snBuilder assembles a minimal SN object byte stream for tests. Call
// methods in wire order, then build() to get the full file, magic and
// terminator included.
type snBuilder struct {
	buf []byte
}

func newSNBuilder() *snBuilder {
	return &snBuilder{buf: append([]byte(magic), 0, 0)}
}

func (b *snBuilder) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *snBuilder) u16(v uint16) { b.buf = append(b.buf, byte(v), byte(v>>8)) }
func (b *snBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *snBuilder) pstring(s string) {
	b.u8(uint8(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *snBuilder) sectionDef(id, group uint16, flags uint8, name string) {
	b.u8(opSectionDef)
	b.u16(id)
	b.u16(group)
	b.u8(flags)
	b.pstring(name)
}

func (b *snBuilder) selectSection(id uint16) {
	b.u8(opSelectSection)
	b.u16(id)
}

func (b *snBuilder) dataBlock(data []byte) {
	b.u8(opDataBlock)
	b.u16(uint16(len(data)))
	b.buf = append(b.buf, data...)
}

func (b *snBuilder) reserveBSS(n uint32) {
	b.u8(opReserveBSS)
	b.u32(n)
}

func (b *snBuilder) globalSymbol(id, sect uint16, value uint32, name string) {
	b.u8(opGlobalSymbol)
	b.u16(id)
	b.u16(sect)
	b.u32(value)
	b.pstring(name)
}

func (b *snBuilder) localSymbol(sect uint16, value uint32, name string) {
	b.u8(opLocalSymbol)
	b.u16(sect)
	b.u32(value)
	b.pstring(name)
}

func (b *snBuilder) externSymbol(id uint16, name string) {
	b.u8(opExternSymbol)
	b.u16(id)
	b.pstring(name)
}

func (b *snBuilder) groupDef(id uint16, flags uint8, name string) {
	b.u8(opGroupDef)
	b.u16(id)
	b.u8(flags)
	b.pstring(name)
}

func (b *snBuilder) fileName(id uint16, name string) {
	b.u8(opFileName)
	b.u16(id)
	b.pstring(name)
}

// relocConst emits a relocation whose expression is a bare V_CONST.
func (b *snBuilder) relocConst(typ uint8, addr uint16, value uint32) {
	b.u8(opReloc)
	b.u8(typ)
	b.u16(addr)
	b.u8(model.VConst)
	b.u32(value)
}

// relocExternPlusConst emits `extern(id) + CONST(value)`.
func (b *snBuilder) relocExternPlusConst(typ uint8, addr uint16, externID uint16, value uint32) {
	b.u8(opReloc)
	b.u8(typ)
	b.u16(addr)
	b.u8(uint8(model.OpAdd))
	b.u8(model.VExtern)
	b.u16(externID)
	b.u8(model.VConst)
	b.u32(value)
}

func (b *snBuilder) terminator() { b.u8(opTerminator) }

func (b *snBuilder) bytes() []byte { return b.buf }

func writeTempSN(t *testing.T, b *snBuilder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.l")
	require.NoError(t, os.WriteFile(path, b.bytes(), 0644))
	return path
}

// ---- magic / framing --------------------------------------------------------

func TestParse_BadMagic(t *testing.T) {
	data := append([]byte("XXXX"), 0, 0, opTerminator)
	_, err := Parse("bad.l", data)
	assert.Error(t, err)
}

func TestParse_EmptyFile(t *testing.T) {
	_, err := ParseFile(writeTempSN(t, &snBuilder{}))
	assert.Error(t, err)
}

func TestParse_MissingTerminator(t *testing.T) {
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "CODE")
	_, err := Parse("trunc.l", b.bytes())
	require.Error(t, err)
	var fe *model.FatalError
	assert.ErrorAs(t, err, &fe)
}

func TestParse_Truncated(t *testing.T) {
	b := newSNBuilder()
	b.u8(opSectionDef)
	b.u16(1) // id only; group/flags/name missing
	_, err := Parse("trunc2.l", b.bytes())
	assert.Error(t, err)
}

// ---- happy path -------------------------------------------------------------

func TestParse_SectionWithDataAndSymbols(t *testing.T) {
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "CODE")
	b.selectSection(1)
	b.fileName(1, "main.s")
	b.dataBlock([]byte{0xa9, 0x00, 0x60})
	b.globalSymbol(1, 1, 0, "START")
	b.localSymbol(1, 1, ".L1")
	b.externSymbol(2, "PRINTF")
	b.groupDef(1, 0, "MAIN")
	b.terminator()

	unit, err := Parse("t.l", b.bytes())
	require.NoError(t, err)

	require.Len(t, unit.Sections, 1)
	assert.Equal(t, "CODE", unit.Sections[0].Name)
	assert.Equal(t, []byte{0xa9, 0x00, 0x60}, unit.Sections[0].Data)

	require.Len(t, unit.Globals, 1)
	assert.Equal(t, "START", unit.Globals[0].Name)
	assert.Equal(t, uint16(1), unit.Globals[0].SectionID)

	require.Len(t, unit.Locals, 1)
	assert.Equal(t, ".L1", unit.Locals[0].Name)
	assert.Equal(t, uint16(0), unit.Locals[0].SymbolID, "local symbols carry no wire symbol id")

	require.Len(t, unit.Externs, 1)
	assert.Equal(t, "PRINTF", unit.Externs[0].Name)

	require.Len(t, unit.Groups, 1)
	assert.Equal(t, "MAIN", unit.Groups[0].Name)

	require.Len(t, unit.Files, 1)
	assert.Equal(t, "main.s", unit.Files[0].Name)
}

func TestParse_LocalSymbolHasNoSymbolIDField(t *testing.T) {
	// A local symbol record is 2 bytes shorter on the wire than a global
	// one (no symbol_id): confirm the parser doesn't misalign trailing
	// records by reading it as if it did.
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "CODE")
	b.selectSection(1)
	b.localSymbol(1, 0x1234, "LOCAL1")
	b.globalSymbol(9, 1, 0x5678, "GLOBAL1")
	b.terminator()

	unit, err := Parse("t.l", b.bytes())
	require.NoError(t, err)
	require.Len(t, unit.Locals, 1)
	require.Len(t, unit.Globals, 1)
	assert.Equal(t, uint32(0x1234), unit.Locals[0].Value)
	assert.Equal(t, "GLOBAL1", unit.Globals[0].Name)
	assert.Equal(t, uint32(0x5678), unit.Globals[0].Value)
}

func TestParse_ReserveBSSZeroExtendsData(t *testing.T) {
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "BSS")
	b.selectSection(1)
	b.dataBlock([]byte{1, 2, 3})
	b.reserveBSS(4)
	b.terminator()

	unit, err := Parse("t.l", b.bytes())
	require.NoError(t, err)
	require.Len(t, unit.Sections, 1)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0}, unit.Sections[0].Data, "BSS is zero-extended into Data, not tracked separately")
}

func TestParse_DataBlockWithoutSectionIsFatal(t *testing.T) {
	b := newSNBuilder()
	b.dataBlock([]byte{1})
	b.terminator()
	_, err := Parse("t.l", b.bytes())
	assert.Error(t, err)
}

// ---- relocation expressions --------------------------------------------------

func TestParse_RelocConstExpr(t *testing.T) {
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "CODE")
	b.selectSection(1)
	b.dataBlock([]byte{0, 0})
	b.relocConst(model.Reloc2, 0, 0xcafebabe)
	b.terminator()

	unit, err := Parse("t.l", b.bytes())
	require.NoError(t, err)
	require.Len(t, unit.Sections[0].Relocs, 1)
	r := unit.Sections[0].Relocs[0]
	require.Len(t, r.Expr, 1)
	assert.True(t, r.Expr[0].IsConst())
	assert.Equal(t, uint32(0xcafebabe), r.Expr[0].Value)
}

func TestParse_RelocExternPlusConstExpr(t *testing.T) {
	b := newSNBuilder()
	b.sectionDef(1, 0, 0, "CODE")
	b.selectSection(1)
	b.dataBlock([]byte{0, 0})
	b.externSymbol(5, "FOO")
	b.relocExternPlusConst(model.Reloc2, 0, 5, 2)
	b.terminator()

	unit, err := Parse("t.l", b.bytes())
	require.NoError(t, err)
	r := unit.Sections[0].Relocs[0]
	require.Len(t, r.Expr, 3)
	assert.True(t, r.Expr[0].IsOp())
	assert.Equal(t, uint32(model.OpAdd), r.Expr[0].Tag())
	assert.Equal(t, uint32(model.VExtern), r.Expr[1].Tag())
	assert.Equal(t, uint32(5), r.Expr[1].Value)
	assert.True(t, r.Expr[2].IsConst())
	assert.Equal(t, uint32(2), r.Expr[2].Value)
}

func TestParse_UnknownOpcodeIsFatal(t *testing.T) {
	b := newSNBuilder()
	b.u8(0xfe)
	_, err := Parse("t.l", b.bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown opcode")
}

func TestParse_SelectUndeclaredSectionIsFatal(t *testing.T) {
	b := newSNBuilder()
	b.selectSection(99)
	b.terminator()
	_, err := Parse("t.l", b.bytes())
	assert.Error(t, err)
}
