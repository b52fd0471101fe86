// Package reloc implements the relocation resolver (spec.md §4.4): it
// pattern-matches a simplified relocation expression's shape against the
// handful of forms the linker knows how to emit, patches constants and
// PC-relative deltas directly into segment data, and appends OmfReloc /
// OmfInterseg records for everything else.
package reloc

import (
	"fmt"
	"sort"

	"github.com/sn2omf/sn2omf/internal/expr"
	"github.com/sn2omf/sn2omf/internal/model"
)

// widthOf and pcRelOf classify a relocation type tag (spec.md §4.4 table).
func widthOf(typ uint8) (int, bool) {
	switch typ {
	case model.Reloc1, model.Reloc1Warn, model.RelocPCRel1:
		return 1, true
	case model.Reloc2, model.Reloc2Warn, model.RelocPCRel2:
		return 2, true
	case model.Reloc3, model.Reloc3Warn:
		return 3, true
	case model.Reloc4:
		return 4, true
	}
	return 0, false
}

func isWarn(typ uint8) bool {
	switch typ {
	case model.Reloc1Warn, model.Reloc2Warn, model.Reloc3Warn:
		return true
	}
	return false
}

func isPCRel(typ uint8) bool {
	return typ == model.RelocPCRel1 || typ == model.RelocPCRel2
}

// Resolver accumulates warnings while resolving every relocation in a
// program's segments.
type Resolver struct {
	Warnings []model.Warning
}

func (r *Resolver) warnf(loc model.Location, format string, args ...any) {
	r.Warnings = append(r.Warnings, model.Warning{Loc: loc, Msg: fmt.Sprintf(format, args...)})
}

// ResolveUnit resolves every relocation belonging to sections of u,
// patching into their owning segment (looked up via prog) and appending
// OMF relocation records. Call after linker.Merge, which has already run
// expr.Simplify on every expression; ResolveUnit applies
// expr.StripTruncation itself before matching each expression's shape.
func (r *Resolver) ResolveUnit(u *model.Unit, prog *model.Program, fileTag uint16) error {
	for i := range u.Sections {
		sect := &u.Sections[i]
		seg := prog.FindSegment(sect.PlacedSegnum)
		if seg == nil {
			return model.NewFatal(model.Location{Path: u.Filename, Offset: -1}, "section %q: placed segment %d not found", sect.Name, sect.PlacedSegnum)
		}
		for j := range sect.Relocs {
			rl := &sect.Relocs[j]
			loc := model.Location{File: u.FindFile(rl.FileID), Line: rl.Line, Offset: -1}
			width, ok := widthOf(rl.Type)
			if !ok {
				return model.NewFatal(loc, "relocation: unknown type $%02x", rl.Type)
			}

			warn := isWarn(rl.Type)
			if stripped, fired := expr.StripTruncation(rl.Expr, width); fired {
				rl.Expr = stripped
				warn = false
			}

			if err := r.resolveOne(rl, width, warn, isPCRel(rl.Type), seg, loc, fileTag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resolver) resolveOne(rl *model.Reloc, width int, warn, pcrel bool, seg *model.Segment, loc model.Location, fileTag uint16) error {
	e := rl.Expr

	switch {
	case len(e) == 1 && e[0].IsConst():
		return r.patchConst(rl, e[0].Value, width, warn, pcrel, seg, loc)

	case len(e) == 1 && e[0].IsOmf():
		if pcrel {
			return r.patchPCRel(rl, e[0], width, seg, loc)
		}
		r.emitOmfTarget(seg, uint32(rl.Address), width, 0, e[0], fileTag)
		return nil

	case len(e) == 3 && e[0].Tag() == model.OpRShift && e[1].IsConst() && e[2].IsOmf():
		r.emitOmfTarget(seg, uint32(rl.Address), width, -int8(e[1].Value), e[2], fileTag)
		return nil

	case len(e) == 3 && e[0].Tag() == model.OpLShift && e[1].IsConst() && e[2].IsOmf():
		r.emitOmfTarget(seg, uint32(rl.Address), width, int8(e[1].Value), e[2], fileTag)
		return nil

	case len(e) == 5 && e[0].Tag() == model.OpSub && e[1].Tag() == model.OpAnd &&
		e[2].IsConst() && e[2].Value == 0xff0000 && e[3].IsOmf() && e[4].IsOmf():
		if e[3].OmfSegment() != e[4].OmfSegment() {
			r.warnf(loc, "jsr operand crosses banks (segment %d vs %d)", e[3].OmfSegment(), e[4].OmfSegment())
		}
		r.emitOmfTarget(seg, uint32(rl.Address), width, 0, e[4], fileTag)
		return nil
	}

	return model.NewFatal(loc, "relocation too complex (%d tokens)", len(e))
}

// patchConst patches a literal value directly into segment data.
func (r *Resolver) patchConst(rl *model.Reloc, value uint32, width int, warn, pcrel bool, seg *model.Segment, loc model.Location) error {
	if pcrel {
		r.warnf(loc, "PC-relative relocation with a constant target is nonsensical")
	}
	if warn && width < 4 {
		limit := uint32(1) << uint(8*width)
		if value >= limit {
			r.warnf(loc, "relocation value $%x overflows %d-byte width", value, width)
		}
	}
	return patchLE(loc, seg.Data, int(rl.Address), width, value)
}

// patchPCRel patches an in-place PC-relative delta when target and site
// share a segment; cross-segment PC-rel is not representable and warns.
func (r *Resolver) patchPCRel(rl *model.Reloc, target model.ExprToken, width int, seg *model.Segment, loc model.Location) error {
	if target.OmfSegment() != seg.Segnum {
		r.warnf(loc, "PC-relative relocation crosses segments (target segment %d)", target.OmfSegment())
		return nil
	}
	delta := int64(target.Value) - int64(rl.Address) - int64(width)
	if width == 1 && (delta < -128 || delta > 127) {
		r.warnf(loc, "PC-relative branch out of range (delta %d)", delta)
	}
	return patchLE(loc, seg.Data, int(rl.Address), width, uint32(int32(delta)))
}

func patchLE(loc model.Location, data []byte, offset, width int, value uint32) error {
	if offset+width > len(data) {
		return model.NewFatal(loc, "relocation patch at offset %d width %d exceeds segment data (len %d)", offset, width, len(data))
	}
	for i := 0; i < width; i++ {
		data[offset+i] = byte(value >> (8 * uint(i)))
	}
	return nil
}

// emitOmfTarget appends an OmfReloc (same segment as seg) or an
// OmfInterseg (different segment), sized per width.
func (r *Resolver) emitOmfTarget(seg *model.Segment, offset uint32, width int, shift int8, target model.ExprToken, fileTag uint16) {
	if target.OmfSegment() == seg.Segnum {
		seg.Relocs = append(seg.Relocs, model.OmfReloc{
			Size: uint8(width), Shift: shift, Offset: offset, Value: target.Value,
		})
		return
	}
	seg.Intersegs = append(seg.Intersegs, model.OmfInterseg{
		Size: uint8(width), Shift: shift, Offset: offset,
		File: fileTag, Segment: uint16(target.OmfSegment()), SegmentOffset: target.Value,
	})
}

// SortSegment sorts a segment's relocs/intersegs by offset, ascending and
// stable, as required before super-record packing (spec.md §4.4).
func SortSegment(seg *model.Segment) {
	sort.SliceStable(seg.Relocs, func(i, j int) bool { return seg.Relocs[i].Offset < seg.Relocs[j].Offset })
	sort.SliceStable(seg.Intersegs, func(i, j int) bool { return seg.Intersegs[i].Offset < seg.Intersegs[j].Offset })
}
