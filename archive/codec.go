package archive

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
)

// Row values are length-prefixed little-endian fields in a fixed order.
// There is no per-field tagging and no codec version marker, in the rows
// or in the metadata sidecar.

func appendBytes(dst, b []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	dst = append(dst, n[:]...)
	return append(dst, b...)
}

func consumeBytes(src []byte) ([]byte, []byte, error) {
	if len(src) < 4 {
		return nil, nil, errors.E(errors.Integrity, "truncated table row")
	}
	n := int(binary.LittleEndian.Uint32(src))
	src = src[4:]
	if len(src) < n {
		return nil, nil, errors.E(errors.Integrity, "truncated table row")
	}
	return src[:n:n], src[n:], nil
}

func marshalSpot(s *Spot) []byte {
	dst := make([]byte, 0, 64+len(s.Read)+len(s.CmpRead)+len(s.Quality))
	dst = appendBytes(dst, []byte(s.Name))
	dst = appendBytes(dst, []byte(s.SpotGroup))
	dst = appendBytes(dst, s.Read)
	if s.HasCmpRead {
		dst = append(dst, 1)
		dst = appendBytes(dst, s.CmpRead)
	} else {
		dst = append(dst, 0)
	}
	dst = appendBytes(dst, s.Quality)
	dst = append(dst, byte(len(s.ReadLen)))
	for _, l := range s.ReadLen {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], l)
		dst = append(dst, b[:]...)
	}
	dst = append(dst, byte(len(s.ReadType)))
	dst = append(dst, s.ReadType...)
	dst = append(dst, byte(len(s.PrimAligID)))
	for _, id := range s.PrimAligID {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], id)
		dst = append(dst, b[:]...)
	}
	return dst
}

func unmarshalSpot(row uint64, src []byte, s *Spot) error {
	var (
		b   []byte
		err error
	)
	s.Row = row
	if b, src, err = consumeBytes(src); err != nil {
		return err
	}
	s.Name = string(b)
	if b, src, err = consumeBytes(src); err != nil {
		return err
	}
	s.SpotGroup = string(b)
	if s.Read, src, err = consumeBytes(src); err != nil {
		return err
	}
	if len(src) < 1 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	s.HasCmpRead = src[0] != 0
	src = src[1:]
	s.CmpRead = nil
	if s.HasCmpRead {
		if s.CmpRead, src, err = consumeBytes(src); err != nil {
			return err
		}
	}
	if s.Quality, src, err = consumeBytes(src); err != nil {
		return err
	}
	if len(src) < 1 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	nReads := int(src[0])
	src = src[1:]
	if len(src) < nReads*4 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	s.ReadLen = s.ReadLen[:0]
	for i := 0; i < nReads; i++ {
		s.ReadLen = append(s.ReadLen, binary.LittleEndian.Uint32(src[i*4:]))
	}
	src = src[nReads*4:]
	if len(src) < 1 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	nTypes := int(src[0])
	src = src[1:]
	if len(src) < nTypes {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	s.ReadType = append(s.ReadType[:0], src[:nTypes]...)
	src = src[nTypes:]
	if len(src) < 1 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	nAlig := int(src[0])
	src = src[1:]
	if len(src) < nAlig*8 {
		return errors.E(errors.Integrity, "truncated spot row")
	}
	s.PrimAligID = s.PrimAligID[:0]
	for i := 0; i < nAlig; i++ {
		s.PrimAligID = append(s.PrimAligID, binary.LittleEndian.Uint64(src[i*8:]))
	}
	return nil
}

func marshalAlignment(al *Alignment) []byte {
	dst := make([]byte, 0, 16+len(al.RawRead))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], al.SpotID)
	dst = append(dst, b[:]...)
	var r [4]byte
	binary.LittleEndian.PutUint32(r[:], al.ReadID)
	dst = append(dst, r[:]...)
	if al.Reverse {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return appendBytes(dst, al.RawRead)
}

func unmarshalAlignment(row uint64, src []byte, al *Alignment) error {
	if len(src) < 13 {
		return errors.E(errors.Integrity, "truncated alignment row")
	}
	al.Row = row
	al.SpotID = binary.LittleEndian.Uint64(src)
	al.ReadID = binary.LittleEndian.Uint32(src[8:])
	al.Reverse = src[12] != 0
	var err error
	if al.RawRead, _, err = consumeBytes(src[13:]); err != nil {
		return err
	}
	return nil
}
