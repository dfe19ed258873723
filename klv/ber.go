package klv

import (
	"github.com/eluv-io/errors-go"
)

var (
	errShort     = errors.E("klv.ber", errors.K.Invalid, "reason", "need more data")
	errBadLength = errors.E("klv.ber", errors.K.Invalid, "reason", "bad BER length")
	errBadTag    = errors.E("klv.ber", errors.K.Invalid, "reason", "bad BER-OID tag")
)

// maxLengthBytes bounds the long form of a BER length. ST 0601 packets are
// far below 2^32 bytes so longer encodings are treated as corruption.
const maxLengthBytes = 4

// readLength decodes a BER length at the start of b, returning the length and
// the number of bytes consumed.
func readLength(b []byte) (length int, n int, err error) {
	if len(b) == 0 {
		return 0, 0, errShort
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, nil
	}
	count := int(b[0] & 0x7f)
	if count == 0 || count > maxLengthBytes {
		return 0, 0, errBadLength
	}
	if len(b) < 1+count {
		return 0, 0, errShort
	}
	for _, c := range b[1 : 1+count] {
		length = length<<8 | int(c)
	}
	return length, 1 + count, nil
}

// appendLength appends the BER encoding of length, short form when possible.
func appendLength(b []byte, length int) []byte {
	if length < 0x80 {
		return append(b, byte(length))
	}
	var tmp [maxLengthBytes]byte
	i := len(tmp)
	for length > 0 && i > 0 {
		i--
		tmp[i] = byte(length)
		length >>= 8
	}
	b = append(b, 0x80|byte(len(tmp)-i))
	return append(b, tmp[i:]...)
}

// readTag decodes a BER-OID encoded local set tag.
func readTag(b []byte) (tag uint64, n int, err error) {
	for n < len(b) {
		c := b[n]
		n++
		tag = tag<<7 | uint64(c&0x7f)
		if c&0x80 == 0 {
			return tag, n, nil
		}
		if n >= 9 {
			return 0, 0, errBadTag
		}
	}
	return 0, 0, errShort
}

// appendTag appends the BER-OID encoding of tag.
func appendTag(b []byte, tag uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(tag & 0x7f)
	tag >>= 7
	for tag > 0 {
		i--
		tmp[i] = byte(tag&0x7f) | 0x80
		tag >>= 7
	}
	return append(b, tmp[i:]...)
}
