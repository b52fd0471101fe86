package reloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sn2omf/sn2omf/internal/model"
)

func unitSectionSeg(relocs []model.Reloc, data []byte) (*model.Unit, *model.Program) {
	sect := model.Section{SectionID: 1, Name: "CODE", Data: data, Relocs: relocs, PlacedSegnum: 1}
	u := &model.Unit{Filename: "t.l", Sections: []model.Section{sect}}
	seg := &model.Segment{Segnum: 1, Data: append([]byte(nil), data...)}
	prog := &model.Program{Segments: []*model.Segment{seg}}
	return u, prog
}

func TestResolve_ConstPatchesLittleEndian(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc2, Address: 0, Expr: []model.ExprToken{{Op: model.VConst, Value: 0x1234}}},
	}, []byte{0, 0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	assert.Equal(t, []byte{0x34, 0x12}, prog.Segments[0].Data)
	assert.Empty(t, r.Warnings)
}

func TestResolve_SingleOmfTokenEmitsIntraSegmentReloc(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc2, Address: 4, Expr: []model.ExprToken{model.NewOmfToken(1, 0x100)}},
	}, []byte{0, 0, 0, 0, 0, 0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	require.Len(t, prog.Segments[0].Relocs, 1)
	rl := prog.Segments[0].Relocs[0]
	assert.EqualValues(t, 0, rl.Shift)
	assert.Equal(t, uint32(4), rl.Offset)
	assert.Equal(t, uint32(0x100), rl.Value)
}

func TestResolve_DifferentSegmentEmitsInterseg(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc2, Address: 0, Expr: []model.ExprToken{model.NewOmfToken(2, 0x50)}},
	}, []byte{0, 0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	require.Len(t, prog.Segments[0].Intersegs, 1)
	assert.Equal(t, uint16(2), prog.Segments[0].Intersegs[0].Segment)
	assert.Equal(t, uint32(0x50), prog.Segments[0].Intersegs[0].SegmentOffset)
}

func TestResolve_RShiftAppliesNegativeShift(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc1, Address: 0, Expr: []model.ExprToken{
			{Op: model.OpRShift}, {Op: model.VConst, Value: 16}, model.NewOmfToken(1, 0x123456),
		}},
	}, []byte{0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	require.Len(t, prog.Segments[0].Relocs, 1)
	assert.EqualValues(t, -16, prog.Segments[0].Relocs[0].Shift)
}

func TestResolve_BankCheckShapeElidesAndWarnsOnMismatch(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc2, Address: 0, Expr: []model.ExprToken{
			{Op: model.OpSub}, {Op: model.OpAnd}, {Op: model.VConst, Value: 0xff0000},
			model.NewOmfToken(1, 0x200), model.NewOmfToken(2, 0x300),
		}},
	}, []byte{0, 0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	require.Len(t, prog.Segments[0].Intersegs, 1)
	assert.Equal(t, uint32(0x300), prog.Segments[0].Intersegs[0].SegmentOffset)
	require.Len(t, r.Warnings, 1, "jsr operand crossing banks should warn")
}

func TestResolve_TooComplexShapeIsFatal(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc2, Address: 0, Expr: []model.ExprToken{
			{Op: model.OpAdd}, {Op: model.VConst, Value: 1}, {Op: model.VConst, Value: 2}, {Op: model.VConst, Value: 3},
		}},
	}, []byte{0, 0})

	var r Resolver
	err := r.ResolveUnit(u, prog, 1)
	assert.Error(t, err)
}

func TestResolve_PCRelSameSegmentPatchesDelta(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.RelocPCRel1, Address: 0x20, Expr: []model.ExprToken{model.NewOmfToken(1, 0x25)}},
	}, make([]byte, 0x30))

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	assert.Equal(t, byte(0x04), prog.Segments[0].Data[0x20], "delta = 0x25 - 0x20 - 1")
	assert.Empty(t, r.Warnings)
}

func TestResolve_PCRelCrossSegmentWarns(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.RelocPCRel1, Address: 0, Expr: []model.ExprToken{model.NewOmfToken(2, 0x25)}},
	}, []byte{0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	assert.NotEmpty(t, r.Warnings)
}

func TestResolve_TruncationStripDowngradesWarnType(t *testing.T) {
	u, prog := unitSectionSeg([]model.Reloc{
		{Type: model.Reloc1Warn, Address: 0, Expr: []model.ExprToken{
			{Op: model.OpAnd}, {Op: model.VConst, Value: 0xff}, model.NewOmfToken(1, 0x100),
		}},
	}, []byte{0})

	var r Resolver
	require.NoError(t, r.ResolveUnit(u, prog, 1))
	require.Len(t, prog.Segments[0].Relocs, 1)
	assert.Equal(t, uint32(0x100), prog.Segments[0].Relocs[0].Value)
	assert.Empty(t, r.Warnings, "truncation-strip should have downgraded the _WARN type before overflow checking")
}

func TestSortSegment_OrdersByOffset(t *testing.T) {
	seg := &model.Segment{
		Relocs: []model.OmfReloc{{Offset: 0x30}, {Offset: 0x10}, {Offset: 0x20}},
	}
	SortSegment(seg)
	require.Len(t, seg.Relocs, 3)
	assert.Equal(t, uint32(0x10), seg.Relocs[0].Offset)
	assert.Equal(t, uint32(0x20), seg.Relocs[1].Offset)
	assert.Equal(t, uint32(0x30), seg.Relocs[2].Offset)
}
