// Package omfwriter serializes a linked, relocated model.Program into an
// Apple IIgs OMF load file: segment headers, LCONST data, relocation
// records (full and compressed), an optional super-record packer, and an
// optional ExpressLoad pre-segment (spec.md §4.5).
package omfwriter

import (
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/sn2omf/sn2omf/internal/model"
)

// Record opcodes (spec.md §4.5).
const (
	recEnd       = 0x00
	recLCONST    = 0xf2
	recRELOC     = 0xe2
	recINTERSEG  = 0xe3
	recCRELOC    = 0xf5
	recCINTERSEG = 0xf6
	recSUPER     = 0xf7
)

var packOpts = &struc.Options{Order: binary.LittleEndian}

func packField(w io.Writer, v any) error {
	return struc.PackWithOptions(w, v, packOpts)
}

// segmentHeader holds the 44-byte OMF segment header fields in their
// on-disk order. ByteCount covers the entire segment in the file,
// header included; Length is the memory footprint (data plus reserved
// space). The kind word is 16 bits in version 2.
type segmentHeader struct {
	ByteCount uint32
	ResSpace  uint32
	Length    uint32
	Unused1   uint8
	LabLen    uint8
	NumLen    uint8
	Version   uint8
	BankSize  uint32
	Kind      uint16
	Unused2   uint16
	Org       uint32
	Align     uint32
	NumSex    uint8
	Unused3   uint8
	SegNum    uint16
	Entry     uint32
	DispName  uint16
	DispData  uint16
}

const headerSize = 44

// writeHeader serializes h field-by-field, little-endian, in wire order.
func writeHeader(w io.Writer, h segmentHeader) error {
	fields := []any{
		h.ByteCount, h.ResSpace, h.Length, h.Unused1, h.LabLen, h.NumLen,
		h.Version, h.BankSize, h.Kind, h.Unused2, h.Org, h.Align, h.NumSex,
		h.Unused3, h.SegNum, h.Entry, h.DispName, h.DispData,
	}
	for _, f := range fields {
		if err := packField(w, f); err != nil {
			return err
		}
	}
	return nil
}

// buildHeader computes a segment's header from its contents. ByteCount is
// left zero; callers fill it in once the segment's full record stream is
// rendered. loadname is 10 space-padded bytes (spec.md §4.5 "Names");
// dispdata follows the loadname+segname bytes after the header.
func buildHeader(seg *model.Segment, version uint8, dataLen, reservedSpace uint32) segmentHeader {
	bank := uint32(0x10000)
	if dataLen > 0xffff {
		bank = 0
	}
	return segmentHeader{
		ResSpace: reservedSpace,
		Length:   dataLen + reservedSpace,
		LabLen:   0,
		NumLen:   4,
		Version:  version,
		BankSize: bank,
		Kind:     seg.Kind,
		Org:      seg.Org,
		Align:    seg.Alignment,
		NumSex:   0,
		SegNum:   uint16(seg.Segnum),
		Entry:    0,
		DispName: headerSize,
		DispData: headerSize + 10 + 1 + uint16(len(seg.SegName)),
	}
}

func padLoadName(name string) []byte {
	b := make([]byte, 10)
	copy(b, name)
	for i := range b {
		if b[i] == 0 {
			b[i] = ' '
		}
	}
	return b
}

func writePString(w io.Writer, s string) error {
	if err := packField(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// writeHeaderTail serializes the header fields from Unused1 through
// DispData (32 bytes): the portion an ExpressLoad table entry carries in
// place of the byte-count/reserved/length words it replaces with its own
// four marks.
func writeHeaderTail(w io.Writer, h segmentHeader) error {
	fields := []any{
		h.Unused1, h.LabLen, h.NumLen, h.Version, h.BankSize, h.Kind,
		h.Unused2, h.Org, h.Align, h.NumSex, h.Unused3, h.SegNum, h.Entry,
		h.DispName, h.DispData,
	}
	for _, f := range fields {
		if err := packField(w, f); err != nil {
			return err
		}
	}
	return nil
}
