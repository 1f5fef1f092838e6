package pbft

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-engine/types"
)

// Peer messages travel as protobuf-compatible bytes:
//
//	envelope      { 1: msg_type varint, 2: body bytes }
//	MessageInfo   { 1: msg_type, 2: view, 3: seq_num, 4: signer_id bytes }
//	Block         { 1: block_id, 2: block_num, 3: signer_id, 4: previous_id, 5: summary }
//	PbftMessage   { 1: info, 2: block }
//	ViewChange    { 1: info, 2: repeated PbftMessage checkpoint_messages }
//	NetworkChange { 1: repeated peers, 2: head Block, 3: tentative bool, 4: signer_id }
//
// Unknown fields are skipped on decode and never become part of a message's identity.

const (
	envelopeTypeField protowire.Number = 1
	envelopeBodyField protowire.Number = 2
)

// EncodeMessage serializes msg for the host to broadcast.
func EncodeMessage(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case *PbftMessage:
		body = appendPbftMessage(nil, m)
	case *ViewChangeMessage:
		body = appendViewChange(nil, m)
	case *NetworkChangeMessage:
		body = appendNetworkChange(nil, m)
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}

	b := protowire.AppendTag(nil, envelopeTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Info().MsgType))
	b = protowire.AppendTag(b, envelopeBodyField, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// DecodeMessage parses bytes produced by EncodeMessage. Malformed input yields ErrInvalidMessage.
func DecodeMessage(data []byte) (Message, error) {
	var (
		msgType MessageType
		body    []byte
		hasBody bool
	)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envelopeTypeField:
			v, n, err := consumeVarint(typ, b)
			msgType = MessageType(v)
			return n, err
		case envelopeBodyField:
			v, n, err := consumeBytes(typ, b)
			body, hasBody = v, true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, wrapInvalidMessagef("decode envelope: %v", err)
	}
	if !hasBody {
		return nil, wrapInvalidMessagef("decode envelope: missing body")
	}

	var msg Message
	switch msgType {
	case PrePrepare, Prepare, Commit:
		var m *PbftMessage
		m, err = decodePbftMessage(body)
		msg = m
	case ViewChange:
		var m *ViewChangeMessage
		m, err = decodeViewChange(body)
		msg = m
	case NetworkChange:
		var m *NetworkChangeMessage
		m, err = decodeNetworkChange(body)
		msg = m
	default:
		return nil, wrapInvalidMessagef("unknown message type %d", msgType)
	}
	if err != nil {
		return nil, wrapInvalidMessagef("decode %s: %v", msgType, err)
	}
	if msg.Info().MsgType != msgType {
		return nil, wrapInvalidMessagef("envelope type %s does not match body type %s", msgType, msg.Info().MsgType)
	}
	return msg, nil
}

func appendInfo(b []byte, info MessageInfo) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.MsgType))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, info.View)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, info.SeqNum)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(info.SignerID))
}

func appendBlock(b []byte, block types.Block) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(block.BlockID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, block.BlockNum)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(block.SignerID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(block.PreviousID))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	return protowire.AppendBytes(b, block.Summary)
}

func appendPbftMessage(b []byte, m *PbftMessage) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendInfo(nil, m.MessageInfo))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, appendBlock(nil, m.Block))
}

func appendViewChange(b []byte, m *ViewChangeMessage) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendInfo(nil, m.MessageInfo))
	for _, cp := range m.CheckpointMessages {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPbftMessage(nil, cp))
	}
	for _, pm := range m.PreparedMessages {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPbftMessage(nil, pm))
	}
	return b
}

func appendNetworkChange(b []byte, m *NetworkChangeMessage) []byte {
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(p))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendBlock(nil, m.Head))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Tentative))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(m.SignerID))
}

func decodeInfo(data []byte) (MessageInfo, error) {
	var info MessageInfo
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			info.MsgType = MessageType(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			info.View = v
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			info.SeqNum = v
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			info.SignerID = types.PeerID(v)
			return n, err
		}
		return 0, nil
	})
	return info, err
}

func decodeBlock(data []byte) (types.Block, error) {
	var block types.Block
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			block.BlockID = types.BlockID(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			block.BlockNum = v
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			block.SignerID = types.PeerID(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			block.PreviousID = types.BlockID(v)
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			block.Summary = append([]byte(nil), v...)
			return n, err
		}
		return 0, nil
	})
	return block, err
}

func decodePbftMessage(data []byte) (*PbftMessage, error) {
	m := &PbftMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.MessageInfo, err = decodeInfo(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.Block, err = decodeBlock(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	switch m.MsgType {
	case PrePrepare, Prepare, Commit:
	default:
		return nil, fmt.Errorf("phase message carries type %s", m.MsgType)
	}
	return m, nil
}

func decodeViewChange(data []byte) (*ViewChangeMessage, error) {
	m := &ViewChangeMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.MessageInfo, err = decodeInfo(v)
			return n, err
		case 2, 3:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			pm, err := decodePbftMessage(v)
			if err != nil {
				return n, err
			}
			if num == 2 {
				m.CheckpointMessages = append(m.CheckpointMessages, pm)
			} else {
				m.PreparedMessages = append(m.PreparedMessages, pm)
			}
			return n, nil
		}
		return 0, nil
	})
	return m, err
}

func decodeNetworkChange(data []byte) (*NetworkChangeMessage, error) {
	m := &NetworkChangeMessage{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			m.Peers = append(m.Peers, types.PeerID(v))
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			m.Head, err = decodeBlock(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.Tentative = protowire.DecodeBool(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			m.SignerID = types.PeerID(v)
			return n, err
		}
		return 0, nil
	})
	return m, err
}

// consumeFields walks the fields of a message. fn returns the number of bytes it consumed,
// or zero to have the field skipped as unknown.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// EncodeSeal serializes the commit certificate of the previous block. The primary hands it
// to the host when finalizing so the proof travels with the chain.
func EncodeSeal(cert []*PbftMessage) []byte {
	var b []byte
	for _, m := range cert {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPbftMessage(nil, m))
	}
	return b
}

// DecodeSeal parses a seal produced by EncodeSeal.
func DecodeSeal(data []byte) ([]*PbftMessage, error) {
	var cert []*PbftMessage
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		m, err := decodePbftMessage(v)
		if err != nil {
			return n, err
		}
		cert = append(cert, m)
		return n, nil
	})
	if err != nil {
		return nil, wrapInvalidMessagef("decode seal: %v", err)
	}
	return cert, nil
}
