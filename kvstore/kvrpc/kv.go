// Package kvrpc holds the wire protocol of the halakv.KvService: request and
// response messages in protobuf wire format, the gRPC codec that carries
// them, and the service descriptor shared by servers and senders.
package kvrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
)

// KvRequest addresses one key. Value is only meaningful for set.
type KvRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// KvResponse carries a gRPC status code, a human readable message and, on a
// successful get or remove, the value.
type KvResponse struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"msg"`
	Value   string     `json:"value,omitempty"`
}

func NewResponse(code codes.Code, msg string) *KvResponse {
	return &KvResponse{Code: code, Message: msg}
}

func (m *KvRequest) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(m.Key)+len(m.Value)+8)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Key)
	if m.Value != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Value)
	}
	return b, nil
}

func (m *KvRequest) Unmarshal(b []byte) error {
	*m = KvRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.Key)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.Value)
		}
		return -1, nil
	})
}

func (m *KvResponse) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(m.Message)+len(m.Value)+12)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Code))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Message)
	if m.Value != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.Value)
	}
	return b, nil
}

func (m *KvResponse) Unmarshal(b []byte) error {
	*m = KvResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Code = codes.Code(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.Message)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &m.Value)
		}
		return -1, nil
	})
}

// consumeFields walks b field by field. field returns the number of bytes it
// consumed, or -1 to have the field skipped as unknown.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}
