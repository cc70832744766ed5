package proofstream

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the codec is registered under.
const CodecName = "accountproof"

// Marshaler is implemented by every message of the service.
type Marshaler interface {
	MarshalWire() ([]byte, error)
}

// Unmarshaler is implemented by pointers to every message of the service.
type Unmarshaler interface {
	UnmarshalWire([]byte) error
}

// Codec implements encoding.Codec for the service's messages.
type Codec struct{}

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Marshaler)
	if !ok {
		return nil, fmt.Errorf("proofstream: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	u, ok := v.(Unmarshaler)
	if !ok {
		return fmt.Errorf("proofstream: cannot unmarshal into %T", v)
	}
	return u.UnmarshalWire(data)
}

// Name returns CodecName.
func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
