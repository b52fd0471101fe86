package omfwriter

import (
	"io"

	"github.com/sn2omf/sn2omf/internal/model"
)

// Options controls which OMF encodings the writer is allowed to use.
type Options struct {
	Version            uint8 // 1 or 2
	InhibitCompression bool
	InhibitSuper       bool
	InhibitExpressLoad bool
}

// canCompressReloc reports whether r fits the cRELOC record's 16-bit
// offset/value fields.
func canCompressReloc(r model.OmfReloc) bool {
	return r.Offset <= 0xffff && r.Value <= 0xffff
}

// canCompressInterseg reports whether r fits cINTERSEG: 16-bit offset and
// segment offset, 8-bit segment, and file 1 (the only file this linker
// references).
func canCompressInterseg(r model.OmfInterseg) bool {
	return r.Offset <= 0xffff && r.Segment <= 0xff && r.SegmentOffset <= 0xffff && r.File == 1
}

// writeLCONST emits an LCONST record: opcode, u32 length, the data bytes,
// then extraZeros zero bytes. The length covers both. Under ExpressLoad
// the segment's reserved space rides inside the LCONST as zeros (and the
// header's reserved-space word is cleared); otherwise the loader expands
// reserved space itself and extraZeros is 0.
func writeLCONST(w io.Writer, data []byte, extraZeros uint32) error {
	if err := packField(w, uint8(recLCONST)); err != nil {
		return err
	}
	if err := packField(w, uint32(len(data))+extraZeros); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if extraZeros > 0 {
		if _, err := w.Write(make([]byte, extraZeros)); err != nil {
			return err
		}
	}
	return nil
}

// writeReloc emits one relocation record, choosing the compressed form
// when eligible and not inhibited.
func writeReloc(w io.Writer, r model.OmfReloc, opt Options) error {
	if !opt.InhibitCompression && canCompressReloc(r) {
		if err := packField(w, uint8(recCRELOC)); err != nil {
			return err
		}
		if err := packField(w, r.Size); err != nil {
			return err
		}
		if err := packField(w, r.Shift); err != nil {
			return err
		}
		if err := packField(w, uint16(r.Offset)); err != nil {
			return err
		}
		return packField(w, uint16(r.Value))
	}

	if err := packField(w, uint8(recRELOC)); err != nil {
		return err
	}
	if err := packField(w, r.Size); err != nil {
		return err
	}
	if err := packField(w, r.Shift); err != nil {
		return err
	}
	if err := packField(w, r.Offset); err != nil {
		return err
	}
	return packField(w, r.Value)
}

// writeInterseg emits one cross-segment relocation record, choosing the
// compressed form when eligible and not inhibited.
func writeInterseg(w io.Writer, r model.OmfInterseg, opt Options) error {
	if !opt.InhibitCompression && canCompressInterseg(r) {
		if err := packField(w, uint8(recCINTERSEG)); err != nil {
			return err
		}
		if err := packField(w, r.Size); err != nil {
			return err
		}
		if err := packField(w, r.Shift); err != nil {
			return err
		}
		if err := packField(w, uint16(r.Offset)); err != nil {
			return err
		}
		if err := packField(w, uint8(r.Segment)); err != nil {
			return err
		}
		return packField(w, uint16(r.SegmentOffset))
	}

	if err := packField(w, uint8(recINTERSEG)); err != nil {
		return err
	}
	if err := packField(w, r.Size); err != nil {
		return err
	}
	if err := packField(w, r.Shift); err != nil {
		return err
	}
	if err := packField(w, r.Offset); err != nil {
		return err
	}
	if err := packField(w, r.File); err != nil {
		return err
	}
	if err := packField(w, r.Segment); err != nil {
		return err
	}
	return packField(w, r.SegmentOffset)
}

func writeEnd(w io.Writer) error {
	return packField(w, uint8(recEnd))
}
