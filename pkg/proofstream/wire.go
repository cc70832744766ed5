package proofstream

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode is wrapped by every wire decoding failure.
var ErrDecode = errors.New("proofstream: decode")

// fieldFunc handles one field. It returns the number of bytes consumed from
// b, which starts at the field value.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates the fields of an encoded message. Fields fn does not
// recognise must be skipped by returning skip(num, typ, b).
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %w", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 || m > len(b) {
			return fmt.Errorf("%w: field %d overruns message", ErrDecode, num)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %w", ErrDecode, num, protowire.ParseError(n))
	}
	return n, nil
}

func varint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: field %d: want varint, got wire type %d", ErrDecode, num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: field %d: %w", ErrDecode, num, protowire.ParseError(n))
	}
	return v, n, nil
}

func bytesField(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: field %d: want bytes, got wire type %d", ErrDecode, num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: field %d: %w", ErrDecode, num, protowire.ParseError(n))
	}
	return v, n, nil
}

func hashField(num protowire.Number, typ protowire.Type, b []byte) (merkle.Hash, int, error) {
	v, n, err := bytesField(num, typ, b)
	if err != nil {
		return merkle.Hash{}, 0, err
	}
	h, err := merkle.HashFromBytes(v)
	if err != nil {
		return merkle.Hash{}, 0, fmt.Errorf("%w: field %d: %w", ErrDecode, num, err)
	}
	return h, n, nil
}

func addressField(num protowire.Number, typ protowire.Type, b []byte) (merkle.Address, int, error) {
	h, n, err := hashField(num, typ, b)
	return merkle.Address(h), n, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	return appendBytes(b, num, []byte(v))
}

// appendHash always writes the field so that zero digests survive a round trip.
func appendHash(b []byte, num protowire.Number, h merkle.Hash) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, h[:])
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}
