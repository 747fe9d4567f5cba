/*
Package transport is responsible for carrying Paxos messages between processes, using a single gRPC method whose payload is the message in protobuf wire format
*/
package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"synod/paxos"
)

// Name is the codec name, also used as the gRPC content-subtype
const Name = "synod"

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrMalformed       = errors.New("malformed message")
)

// message fields
const (
	fieldKind          protowire.Number = 1
	fieldSender        protowire.Number = 2
	fieldProposalID    protowire.Number = 3
	fieldProposalValue protowire.Number = 4
	fieldAcceptedID    protowire.Number = 5
	fieldAcceptedValue protowire.Number = 6
)

// proposal ID fields
const (
	fieldCounter protowire.Number = 1
	fieldNode    protowire.Number = 2
)

func init() {
	encoding.RegisterCodec(codec{})
}

// codec encodes paxos messages by hand and defers to proto for everything else, like the Empty reply
type codec struct{}

func (codec) Name() string {
	return Name
}

func (codec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case *paxos.Message:
		return MarshalMessage(*v), nil
	case proto.Message:
		return proto.Marshal(v)
	}
	return nil, fmt.Errorf("marshaling %T: %w", v, ErrUnsupportedType)
}

func (codec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case *paxos.Message:
		msg, err := UnmarshalMessage(data)
		if err != nil {
			return err
		}
		*v = msg
		return nil
	case proto.Message:
		return proto.Unmarshal(data, v)
	}
	return fmt.Errorf("unmarshaling %T: %w", v, ErrUnsupportedType)
}

// MarshalMessage encodes msg, absent IDs and values are omitted while present empty values are kept
func MarshalMessage(msg paxos.Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	b = protowire.AppendTag(b, fieldSender, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Sender))
	b = appendProposalID(b, fieldProposalID, msg.ProposalID)
	b = appendValue(b, fieldProposalValue, msg.ProposalValue)
	b = appendProposalID(b, fieldAcceptedID, msg.AcceptedID)
	b = appendValue(b, fieldAcceptedValue, msg.AcceptedValue)
	return b
}

func appendProposalID(b []byte, field protowire.Number, id paxos.ProposalID) []byte {
	if id.IsZero() {
		return b
	}
	var nested []byte
	nested = protowire.AppendTag(nested, fieldCounter, protowire.VarintType)
	nested = protowire.AppendVarint(nested, id.Counter)
	nested = protowire.AppendTag(nested, fieldNode, protowire.VarintType)
	nested = protowire.AppendVarint(nested, uint64(id.Node))
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, nested)
}

func appendValue(b []byte, field protowire.Number, value []byte) []byte {
	if value == nil {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

// UnmarshalMessage decodes and validates a message, unknown fields are skipped
func UnmarshalMessage(b []byte) (paxos.Message, error) {
	var msg paxos.Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return paxos.Message{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case (num == fieldKind || num == fieldSender) && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if num == fieldKind {
				if v > 0xff {
					return paxos.Message{}, fmt.Errorf("%w: kind %d", paxos.ErrUnknownKind, v)
				}
				msg.Kind = paxos.Kind(v)
			} else {
				msg.Sender = paxos.NodeID(v)
			}
		case (num == fieldProposalID || num == fieldAcceptedID) && typ == protowire.BytesType:
			var nested []byte
			nested, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var id paxos.ProposalID
				id, err = unmarshalProposalID(nested)
				if num == fieldProposalID {
					msg.ProposalID = id
				} else {
					msg.AcceptedID = id
				}
			}
		case (num == fieldProposalValue || num == fieldAcceptedValue) && typ == protowire.BytesType:
			var value []byte
			value, n = protowire.ConsumeBytes(b)
			// the input buffer is reused by gRPC, present values never alias it and never decode to nil
			value = append([]byte{}, value...)
			if num == fieldProposalValue {
				msg.ProposalValue = value
			} else {
				msg.AcceptedValue = value
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return paxos.Message{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		if err != nil {
			return paxos.Message{}, err
		}
		b = b[n:]
	}
	if err := msg.Validate(); err != nil {
		return paxos.Message{}, err
	}
	return msg, nil
}

func unmarshalProposalID(b []byte) (paxos.ProposalID, error) {
	var id paxos.ProposalID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return paxos.ProposalID{}, fmt.Errorf("%w: proposal ID: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == fieldCounter || num == fieldNode) {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if num == fieldCounter {
				id.Counter = v
			} else {
				id.Node = paxos.NodeID(v)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return paxos.ProposalID{}, fmt.Errorf("%w: proposal ID: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return id, nil
}
