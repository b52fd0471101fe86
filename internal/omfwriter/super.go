package omfwriter

import (
	"io"
	"sort"

	"github.com/sn2omf/sn2omf/internal/model"
)

// Super-record kinds. Kind 0 and 1 cover intra-segment relocs; kinds
// 2..37 are SUPER_INTERSEG1..36. The two families this writer produces
// from 2-byte intersegs are keyed by target segment: shift 0 lands on
// SUPER_INTERSEG12+N (kinds 14..25), shift -16 on SUPER_INTERSEG24+N
// (kinds 26..37), N the segment number 1..12.
const (
	superReloc2     = 0
	superReloc3     = 1
	superInterseg1  = 2
	superInterseg12 = 13
	superInterseg24 = 25
	superKindCount  = 38
)

type superItem struct {
	offset uint32
	value  uint32
}

// packSuper pulls super-eligible items out of seg's reloc/interseg lists
// and patches their values directly into data (the OMF loader recovers
// the addend by reading the existing bytes, so the patch is what makes
// the compact encoding possible). Items must already be offset-sorted.
// Only items that would also fit a compressed record are eligible,
// matching the writer's rule that super-packing is a refinement of
// compression; with compression inhibited nothing is packed. Returns the
// produced kinds in ascending order plus the leftover items.
func packSuper(data []byte, seg *model.Segment, compress bool) (kinds []uint8, buckets map[uint8][]superItem, remainingRelocs []model.OmfReloc, remainingIntersegs []model.OmfInterseg) {
	buckets = map[uint8][]superItem{}

	for _, r := range seg.Relocs {
		kind, ok := 0, false
		if compress && canCompressReloc(r) {
			kind, ok = relocSuperKind(r, seg.Segnum)
		}
		if !ok {
			remainingRelocs = append(remainingRelocs, r)
			continue
		}
		buckets[uint8(kind)] = append(buckets[uint8(kind)], superItem{offset: r.Offset, value: r.Value})
		patchSuper(data, uint8(kind), r.Offset, r.Value, 0)
	}

	for _, r := range seg.Intersegs {
		kind, ok := 0, false
		if compress && canCompressInterseg(r) {
			kind, ok = intersegSuperKind(r)
		}
		if !ok {
			remainingIntersegs = append(remainingIntersegs, r)
			continue
		}
		buckets[uint8(kind)] = append(buckets[uint8(kind)], superItem{offset: r.Offset, value: r.SegmentOffset})
		patchSuper(data, uint8(kind), r.Offset, r.SegmentOffset, r.Segment)
	}

	for k := range buckets {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds, buckets, remainingRelocs, remainingIntersegs
}

// relocSuperKind classifies an intra-segment reloc. A 2-byte shift -16
// reloc piggybacks on the interseg shift family keyed by the segment's
// own number, when that number fits.
func relocSuperKind(r model.OmfReloc, segnum uint32) (int, bool) {
	if r.Shift == 0 && r.Size == 2 {
		return superReloc2, true
	}
	if r.Shift == 0 && r.Size == 3 {
		return superReloc3, true
	}
	if r.Shift == -16 && r.Size == 2 && segnum >= 1 && segnum <= 12 {
		return superInterseg24 + int(segnum), true
	}
	return 0, false
}

func intersegSuperKind(r model.OmfInterseg) (int, bool) {
	if r.Shift == 0 && r.Size == 3 {
		return superInterseg1, true
	}
	if r.Size != 2 || r.Segment < 1 || r.Segment > 12 {
		return 0, false
	}
	switch r.Shift {
	case 0:
		return superInterseg12 + int(r.Segment), true
	case -16:
		return superInterseg24 + int(r.Segment), true
	}
	return 0, false
}

// patchSuper writes the bytes the loader will read back for one super
// item: SUPER_RELOC3 always covers 3 bytes regardless of the original
// size, SUPER_INTERSEG1 stores the target segment in the third byte, and
// the 2-byte families store the low 16 bits of the value.
func patchSuper(data []byte, kind uint8, offset, value uint32, segment uint16) {
	switch {
	case kind == superReloc3:
		putBytes(data, offset, value, 3)
	case kind == superInterseg1:
		putBytes(data, offset, value, 2)
		if int(offset)+2 < len(data) {
			data[offset+2] = uint8(segment)
		}
	default:
		putBytes(data, offset, value, 2)
	}
}

func putBytes(data []byte, offset, value uint32, n int) {
	for i := 0; i < n && int(offset)+i < len(data); i++ {
		data[int(offset)+i] = byte(value >> (8 * uint(i)))
	}
}

// writeSuperRecord emits one SUPER record: opcode, u32 (payload length+1),
// u8 kind, then the delta-encoded payload (spec.md §4.5).
func writeSuperRecord(w io.Writer, kind uint8, items []superItem) error {
	payload := encodeSuperPayload(items)
	if err := packField(w, uint8(recSUPER)); err != nil {
		return err
	}
	if err := packField(w, uint32(len(payload)+1)); err != nil {
		return err
	}
	if err := packField(w, kind); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// encodeSuperPayload implements the page/offset delta run-length
// encoding (spec.md §4.5 / §9 "Super-record page-skip"). items must
// already be sorted by offset. Page tracking starts at page 0 with an
// empty run (mirroring the reference encoder's initial state), and the
// skip marker is only emitted when the skip count is nonzero: advancing
// to the very next page after a run that emitted at least one entry
// costs nothing, which is why the skip is decremented once whenever the
// previous page was non-empty.
func encodeSuperPayload(items []superItem) []byte {
	var out []byte
	page := uint32(0)
	count := 0
	countIdx := -1

	for _, it := range items {
		p := it.offset >> 8
		if p != page {
			skip := int64(p) - int64(page)
			if count != 0 {
				skip--
			}
			for skip >= 0x80 {
				out = append(out, 0xff)
				skip -= 0x7f
			}
			if skip > 0 {
				out = append(out, 0x80|byte(skip))
			}
			page = p
			count = 0
		}
		if count == 0 {
			countIdx = len(out)
			out = append(out, 0) // placeholder for count-1
		} else {
			out[countIdx] = byte(count)
		}
		out = append(out, byte(it.offset&0xff))
		count++
	}
	return out
}
