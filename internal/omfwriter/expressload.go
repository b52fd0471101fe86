package omfwriter

import (
	"bytes"

	"github.com/sn2omf/sn2omf/internal/model"
)

const expressLoadName = "~ExpressLoad"

// expressEntrySize is one table entry in the ExpressLoad LCONST: the four
// u32 marks plus the 32-byte header tail (a 44-byte header with its
// byte-count/reserved/length words replaced by the marks).
const expressEntrySize = 16 + 32

// buildExpressLoadSegment synthesizes the ExpressLoad pre-segment
// (segnum 1). Its LCONST carries, per real segment: a directory entry, a
// segnum word, and a table entry holding the absolute file offsets of
// the segment's LCONST data and relocation areas plus a copy of its
// header fields and names (spec.md §4.5). rendered must already reflect
// the post-renumbering segnums and be in final file order.
func buildExpressLoadSegment(rendered []renderedSegment) ([]byte, error) {
	n := len(rendered)
	base := expressLoadSize(rendered)

	var table bytes.Buffer
	entryOffsets := make([]int, n)
	for i, rs := range rendered {
		entryOffsets[i] = table.Len()

		lconstMark := uint32(base + rs.lconstOff)
		relocMark := uint32(base + rs.relocOff)
		if rs.lconstSize == 0 {
			lconstMark = 0
		}
		if rs.relocSize == 0 {
			relocMark = 0
		}
		for _, v := range []uint32{lconstMark, rs.lconstSize, relocMark, rs.relocSize} {
			if err := packField(&table, v); err != nil {
				return nil, err
			}
		}

		h := buildHeader(rs.seg, 2, uint32(len(rs.seg.Data)), rs.seg.ReservedSpace)
		if err := writeHeaderTail(&table, h); err != nil {
			return nil, err
		}
		table.Write(padLoadName(""))
		if err := writePString(&table, rs.seg.SegName); err != nil {
			return nil, err
		}

		base += len(rs.buf)
	}

	// The LCONST payload: a reserved word, the segment count (minus one),
	// a directory of 8-byte entries pointing at the table entries, the
	// segnum list, then the table itself.
	var payload bytes.Buffer
	if err := packField(&payload, uint32(0)); err != nil {
		return nil, err
	}
	if err := packField(&payload, uint16(n-1)); err != nil {
		return nil, err
	}
	fudge := 10 * n
	for _, off := range entryOffsets {
		if err := packField(&payload, uint16(fudge+off)); err != nil {
			return nil, err
		}
		if err := packField(&payload, uint16(0)); err != nil {
			return nil, err
		}
		if err := packField(&payload, uint32(0)); err != nil {
			return nil, err
		}
		fudge -= 8
	}
	for _, rs := range rendered {
		if err := packField(&payload, uint16(rs.seg.Segnum)); err != nil {
			return nil, err
		}
	}
	payload.Write(table.Bytes())

	var body bytes.Buffer
	body.Write(padLoadName(""))
	if err := writePString(&body, expressLoadName); err != nil {
		return nil, err
	}
	if err := writeLCONST(&body, payload.Bytes(), 0); err != nil {
		return nil, err
	}
	if err := writeEnd(&body); err != nil {
		return nil, err
	}

	h := segmentHeader{
		ByteCount: uint32(headerSize + body.Len()),
		Length:    uint32(payload.Len()),
		NumLen:    4,
		Version:   2,
		BankSize:  0x10000,
		Kind:      model.SegKindDynamic | model.SegKindData,
		SegNum:    1,
		DispName:  headerSize,
		DispData:  headerSize + 10 + 1 + uint16(len(expressLoadName)),
	}

	var out bytes.Buffer
	if err := writeHeader(&out, h); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// expressLoadSize predicts the ExpressLoad segment's total byte size,
// which depends only on the segment count and segname lengths, so it can
// be computed before the absolute offsets it will itself contain.
func expressLoadSize(rendered []renderedSegment) int {
	size := headerSize + 10 + 1 + len(expressLoadName) // header + loadname + segname
	size += 5 + 1                                      // LCONST opcode/length + END
	size += 4 + 2                                      // reserved word + count
	for _, rs := range rendered {
		size += 8 + 2 // directory entry + segnum
		size += expressEntrySize + 10 + 1 + len(rs.seg.SegName)
	}
	return size
}
