package omfwriter

import (
	"bytes"
	"io"

	"github.com/sn2omf/sn2omf/internal/model"
)

// renderedSegment is one segment's complete on-disk record stream plus
// the layout marks ExpressLoad needs: where the LCONST data starts
// within the buffer, where the relocation record area starts, and their
// sizes.
type renderedSegment struct {
	seg        *model.Segment
	buf        []byte
	lconstOff  int // offset of the LCONST payload within buf
	lconstSize uint32
	relocOff   int // offset of the first relocation record within buf
	relocSize  uint32
}

// Write serializes prog as a complete OMF load file to w. It mutates
// prog's segments in place (renumbering for ExpressLoad, extracting
// super-eligible relocations) since this is the terminal stage of the
// pipeline. Each segment's record bytes are built into a buffer first so
// their exact lengths are known, then the ExpressLoad pre-segment —
// whose table needs those lengths — is rendered, and everything is
// written to w strictly in forward order.
func Write(w io.Writer, prog *model.Program, opt Options) error {
	if opt.Version == 1 {
		opt.InhibitExpressLoad = true
		opt.InhibitSuper = true
	}
	express := !opt.InhibitExpressLoad

	if express {
		renumberForExpressLoad(prog)
	}

	rendered := make([]renderedSegment, len(prog.Segments))
	for i, seg := range prog.Segments {
		rs, err := buildSegmentRecordBytes(seg, opt, express)
		if err != nil {
			return err
		}
		rendered[i] = rs
	}

	written := 0
	if express {
		elBuf, err := buildExpressLoadSegment(rendered)
		if err != nil {
			return err
		}
		if _, err := w.Write(elBuf); err != nil {
			return err
		}
		written = len(elBuf)
	}

	for i, rs := range rendered {
		if _, err := w.Write(rs.buf); err != nil {
			return err
		}
		written += len(rs.buf)

		// version 1 needs 512-byte padding for all but the final segment.
		if opt.Version == 1 && i != len(rendered)-1 {
			if pad := written % 512; pad != 0 {
				if _, err := w.Write(make([]byte, 512-pad)); err != nil {
					return err
				}
				written += 512 - pad
			}
		}
	}
	return nil
}

// renumberForExpressLoad shifts every real segment's segnum up by one (to
// make room for the ExpressLoad pre-segment at segnum 1) and bumps every
// INTERSEG target segment field to match (spec.md §4.5).
func renumberForExpressLoad(prog *model.Program) {
	for _, seg := range prog.Segments {
		seg.Segnum++
		for i := range seg.Intersegs {
			seg.Intersegs[i].Segment++
		}
	}
}

// buildSegmentRecordBytes renders one segment's complete on-disk record
// stream: header, loadname, segname, LCONST, relocation records (super-
// packed where eligible), END. Under ExpressLoad the reserved space is
// folded into the LCONST as zeros and cleared from the header, so the
// loader finds the whole memory image in one run of file bytes.
func buildSegmentRecordBytes(seg *model.Segment, opt Options, express bool) (renderedSegment, error) {
	reservedInHeader := seg.ReservedSpace
	reservedInLconst := uint32(0)
	if express {
		reservedInHeader, reservedInLconst = 0, seg.ReservedSpace
	}

	// Super-pack before serializing the LCONST: packSuper patches each
	// packed item's resolved value into seg.Data, and those bytes are the
	// only place the loader can recover the value from.
	relocs, intersegs := seg.Relocs, seg.Intersegs
	var kinds []uint8
	var buckets map[uint8][]superItem
	if !opt.InhibitSuper {
		kinds, buckets, relocs, intersegs = packSuper(seg.Data, seg, !opt.InhibitCompression)
	}

	var body bytes.Buffer
	body.Write(padLoadName(seg.LoadName))
	if err := writePString(&body, seg.SegName); err != nil {
		return renderedSegment{}, err
	}

	lconstOff := headerSize + body.Len() + 5 // LCONST opcode + u32 length
	if err := writeLCONST(&body, seg.Data, reservedInLconst); err != nil {
		return renderedSegment{}, err
	}

	relocOff := headerSize + body.Len()
	for _, r := range relocs {
		if err := writeReloc(&body, r, opt); err != nil {
			return renderedSegment{}, err
		}
	}
	for _, r := range intersegs {
		if err := writeInterseg(&body, r, opt); err != nil {
			return renderedSegment{}, err
		}
	}
	for _, k := range kinds {
		if err := writeSuperRecord(&body, k, buckets[k]); err != nil {
			return renderedSegment{}, err
		}
	}
	relocSize := uint32(headerSize + body.Len() - relocOff)

	if err := writeEnd(&body); err != nil {
		return renderedSegment{}, err
	}

	h := buildHeader(seg, opt.Version, uint32(len(seg.Data)), reservedInHeader)
	h.Length = uint32(len(seg.Data)) + seg.ReservedSpace
	h.ByteCount = uint32(headerSize + body.Len())

	var out bytes.Buffer
	if err := writeHeader(&out, h); err != nil {
		return renderedSegment{}, err
	}
	out.Write(body.Bytes())

	buf := out.Bytes()
	if opt.Version == 1 {
		convertToV1(buf)
	}
	return renderedSegment{
		seg:        seg,
		buf:        buf,
		lconstOff:  lconstOff,
		lconstSize: uint32(len(seg.Data)) + reservedInLconst,
		relocOff:   relocOff,
		relocSize:  relocSize,
	}, nil
}

// convertToV1 rewrites a rendered segment's header in place: version
// becomes 1, the byte count becomes a 512-byte block count, and the kind
// moves into the first unused byte with the kind word zeroed (spec.md
// §4.5 "V1 conversion").
func convertToV1(buf []byte) {
	if len(buf) < headerSize {
		return
	}
	byteCount := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	blocks := (byteCount + 511) >> 9

	putU32(buf[0:4], blocks)
	buf[12] = buf[20] // kind byte into the unused header byte
	buf[15] = 1       // version
	buf[20] = 0       // kind word zeroed
	buf[21] = 0
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
