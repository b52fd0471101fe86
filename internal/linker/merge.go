// Package linker implements the merge stage (spec.md §4.3): section
// placement into output segments under one of three link types, program-
// wide symbol table construction, and relocation-expression rewriting of
// externs and group/section query operators.
package linker

import (
	"fmt"

	"github.com/sn2omf/sn2omf/internal/expr"
	"github.com/sn2omf/sn2omf/internal/model"
)

// LinkType selects how sections are grouped into output segments.
type LinkType int

const (
	L0 LinkType = iota // one segment for everything
	L1                 // one segment per group (default)
	L2                 // one segment per (group, section-name)
)

func (lt LinkType) String() string {
	switch lt {
	case L0:
		return "L0"
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return "?"
	}
}

const anonymousGroup = "" // synthetic name for group_id == 0

// segKey identifies one output segment under the active link type.
type segKey struct {
	group   string
	section string // empty under L0/L1
}

// Merge places every section from units into output segments, builds the
// program-wide symbol table, and rewrites query-operator and extern
// tokens in every relocation expression. It returns the built Program
// plus any non-fatal diagnostics (duplicate mismatched absolute
// symbols); callers still owe each relocation a pass through
// internal/reloc.
func Merge(units []*model.Unit, lt LinkType) (*model.Program, []model.Warning, error) {
	m := &merger{lt: lt, segByKey: map[segKey]*model.Segment{}}

	groupOrder, groupSections := m.collectOrder(units)

	for _, g := range groupOrder {
		for _, secName := range groupSections[g] {
			for _, u := range units {
				for i := range u.Sections {
					sect := &u.Sections[i]
					if sectionGroupName(u, sect) != g || sect.Name != secName {
						continue
					}
					m.place(sect, g, secName)
				}
			}
		}
	}

	prog := &model.Program{Segments: m.orderedSegments(), Symbols: map[string]model.ResolvedSym{}}

	if err := m.buildSymbolTable(units, prog); err != nil {
		return nil, nil, err
	}

	for _, u := range units {
		for i := range u.Sections {
			sect := &u.Sections[i]
			for j := range sect.Relocs {
				rl := &sect.Relocs[j]
				loc := model.Location{Path: u.Filename, File: u.FindFile(rl.FileID), Line: rl.Line, Offset: -1}
				if err := m.rewriteQueryOps(u, rl.Expr, loc); err != nil {
					return nil, nil, err
				}
				if err := m.rewriteExterns(u, rl.Expr, prog, loc); err != nil {
					return nil, nil, err
				}
				rl.Expr = expr.Simplify(rl.Expr)
			}
		}
	}

	return prog, m.warnings, nil
}

type merger struct {
	lt       LinkType
	segByKey map[segKey]*model.Segment
	segOrder []segKey
	nextSeg  uint32
	warnings []model.Warning

	// spans[key] records {segnum, start, end} for a placed (group,section)
	// pair; groupSpans[group] records the same for the whole group.
	spans      map[segKey]model.Span
	groupSpans map[string]model.Span
}

func sectionGroupName(u *model.Unit, s *model.Section) string {
	if s.GroupID == 0 {
		return anonymousGroup
	}
	if g := u.FindGroup(s.GroupID); g != nil {
		return g.Name
	}
	return anonymousGroup
}

// collectOrder gathers the union of group names (first-seen order, with an
// anonymous entry if needed) and, per group, the union of section names.
func (m *merger) collectOrder(units []*model.Unit) ([]string, map[string][]string) {
	var groupOrder []string
	seenGroup := map[string]bool{}
	sectionsByGroup := map[string][]string{}
	seenSection := map[segKey]bool{}

	for _, u := range units {
		for i := range u.Sections {
			s := &u.Sections[i]
			g := sectionGroupName(u, s)
			if !seenGroup[g] {
				seenGroup[g] = true
				groupOrder = append(groupOrder, g)
			}
			key := segKey{group: g, section: s.Name}
			if !seenSection[key] {
				seenSection[key] = true
				sectionsByGroup[g] = append(sectionsByGroup[g], s.Name)
			}
		}
	}
	return groupOrder, sectionsByGroup
}

// segmentKeyFor maps a (group, section) pair to the key identifying its
// output segment under the active link type.
func (m *merger) segmentKeyFor(group, section string) segKey {
	switch m.lt {
	case L0:
		return segKey{}
	case L2:
		return segKey{group: group, section: section}
	default: // L1
		return segKey{group: group}
	}
}

func (m *merger) segmentFor(key segKey, displayName string) *model.Segment {
	if seg, ok := m.segByKey[key]; ok {
		return seg
	}
	m.nextSeg++
	seg := &model.Segment{
		Segnum:   m.nextSeg,
		SegName:  displayName,
		LoadName: padLoadName(displayName),
		Kind:     model.SegKindCode,
		BankSize: 0x10000,
	}
	m.segByKey[key] = seg
	m.segOrder = append(m.segOrder, key)
	return seg
}

func padLoadName(name string) string {
	if len(name) > 10 {
		name = name[:10]
	}
	for len(name) < 10 {
		name += " "
	}
	return name
}

func (m *merger) orderedSegments() []*model.Segment {
	out := make([]*model.Segment, 0, len(m.segOrder))
	for _, k := range m.segOrder {
		out = append(out, m.segByKey[k])
	}
	return out
}

// place appends sect's data to its output segment, records placed_segnum/
// placed_offset, and shifts the section's relocation addresses to be
// segment-relative.
func (m *merger) place(sect *model.Section, group, section string) {
	key := m.segmentKeyFor(group, section)
	displayName := group
	if m.lt == L2 {
		displayName = section
	}
	if displayName == anonymousGroup {
		displayName = "ANON"
	}
	seg := m.segmentFor(key, displayName)

	offset := uint32(len(seg.Data))
	sect.PlacedSegnum = seg.Segnum
	sect.PlacedOffset = offset
	seg.Data = append(seg.Data, sect.Data...)

	for i := range sect.Relocs {
		sect.Relocs[i].Address += offset
	}

	m.recordSpan(group, section, seg.Segnum, offset, offset+uint32(len(sect.Data)))
}

func (m *merger) recordSpan(group, section string, segnum, start, end uint32) {
	if m.spans == nil {
		m.spans = map[segKey]model.Span{}
	}
	if m.groupSpans == nil {
		m.groupSpans = map[string]model.Span{}
	}

	key := segKey{group: group, section: section}
	if sp, ok := m.spans[key]; ok {
		if start < sp.Start {
			sp.Start = start
		}
		if end > sp.End {
			sp.End = end
		}
		m.spans[key] = sp
	} else {
		m.spans[key] = model.Span{Segnum: segnum, Start: start, End: end}
	}

	if sp, ok := m.groupSpans[group]; ok {
		if start < sp.Start {
			sp.Start = start
		}
		if end > sp.End {
			sp.End = end
		}
		m.groupSpans[group] = sp
	} else {
		m.groupSpans[group] = model.Span{Segnum: segnum, Start: start, End: end}
	}
}

// rewriteQueryOps resolves V_SECTION/V_FN_SECT/V_FN_SECT_END/V_FN_GROUP/
// V_FN_GROUP_END tokens against the span dictionary built during
// placement (spec.md §4.3 step 5). Section/group ids are scoped to the
// unit owning the expression, so each id is first translated to a name
// through u's own section/group lists before the span lookup.
func (m *merger) rewriteQueryOps(u *model.Unit, tokens []model.ExprToken, loc model.Location) error {
	for i := range tokens {
		t := tokens[i]
		switch t.Tag() {
		case model.VSection, model.VFnSect, model.VFnSectEnd:
			sect := u.FindSection(uint16(t.Value))
			if sect == nil {
				return model.NewFatal(loc, "query operator: unknown section id %d in %s", t.Value, u.Filename)
			}
			sp, ok := m.spans[segKey{group: sectionGroupName(u, sect), section: sect.Name}]
			if !ok {
				return model.NewFatal(loc, "query operator: section %q was never placed", sect.Name)
			}
			off := sp.Start
			if t.Tag() == model.VFnSectEnd {
				off = sp.End
			}
			tokens[i] = model.NewOmfToken(sp.Segnum, off)

		case model.VFnGroup, model.VFnGroupEnd:
			group := u.FindGroup(uint16(t.Value))
			name := anonymousGroup
			if group != nil {
				name = group.Name
			}
			sp, ok := m.groupSpans[name]
			if !ok {
				return model.NewFatal(loc, "query operator: group id %d was never placed", t.Value)
			}
			off := sp.Start
			if t.Tag() == model.VFnGroupEnd {
				off = sp.End
			}
			tokens[i] = model.NewOmfToken(sp.Segnum, off)
		}
	}
	return nil
}

// rewriteExterns resolves every V_EXTERN token in tokens against u's
// extern list and prog's program-wide symbol table (spec.md §4.3 step 7).
func (m *merger) rewriteExterns(u *model.Unit, tokens []model.ExprToken, prog *model.Program, loc model.Location) error {
	for i := range tokens {
		t := tokens[i]
		if t.Tag() != model.VExtern {
			continue
		}
		ext := u.FindExtern(uint16(t.Value))
		if ext == nil {
			return model.NewFatal(loc, "relocation references unknown extern id %d in %s", t.Value, u.Filename)
		}
		sym, ok := prog.Symbols[ext.Name]
		if !ok {
			return model.NewFatal(loc, "undefined symbol %q (referenced in %s)", ext.Name, u.Filename)
		}
		if sym.Abs {
			tokens[i] = model.ExprToken{Op: model.VConst, Value: sym.AbsVal}
		} else {
			tokens[i] = model.NewOmfToken(sym.Segnum, sym.Offset)
		}
	}
	return nil
}

// buildSymbolTable inserts every unit's global symbols into prog.Symbols
// (spec.md §4.3 step 6). A duplicate definition is an error unless both
// are absolute equates: matching values are fine, mismatched values keep
// the first definition and warn.
func (m *merger) buildSymbolTable(units []*model.Unit, prog *model.Program) error {
	for _, u := range units {
		loc := model.Location{Path: u.Filename, Offset: -1}
		for _, sym := range u.Globals {
			resolved := model.ResolvedSym{Name: sym.Name}
			if sym.SectionID == 0 {
				resolved.Abs = true
				resolved.AbsVal = sym.Value
			} else {
				sect := u.FindSection(sym.SectionID)
				if sect == nil {
					return model.NewFatal(loc, "global %q: unknown section id %d in %s", sym.Name, sym.SectionID, u.Filename)
				}
				resolved.Segnum = sect.PlacedSegnum
				resolved.Offset = sect.PlacedOffset + sym.Value
			}

			if existing, ok := prog.Symbols[sym.Name]; ok {
				if !(existing.Abs && resolved.Abs) {
					return model.NewFatal(loc, "symbol %q defined in multiple object files", sym.Name)
				}
				if existing.AbsVal != resolved.AbsVal {
					m.warnings = append(m.warnings, model.Warning{Loc: loc, Msg: fmt.Sprintf(
						"duplicate absolute symbol %q ($%x vs $%x), keeping the first", sym.Name, existing.AbsVal, resolved.AbsVal)})
				}
				continue
			}
			prog.Symbols[sym.Name] = resolved
		}
	}
	return nil
}
