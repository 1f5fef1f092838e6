package pbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahwlsqja/pbft-engine/types"
)

func TestEncodeDecodeMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"pre-prepare", NewPbftMessage(PrePrepare, 3, 7, "a", block1)},
		{"commit", NewPbftMessage(Commit, 0, 1, "b", block1)},
		{"view change", NewViewChangeMessage(4, 1, "c", commitCert(block1, 0, "a", "b", "c"))},
		{"empty view change", NewViewChangeMessage(4, 0, "c", nil)},
		{"view change with prepared block", votePrepared(NewViewChangeMessage(4, 1, "c",
			commitCert(block1, 0, "a", "b", "c")), prepareCert(block2, 2, "a", "b", "d"))},
		{"network change", &NetworkChangeMessage{
			Peers: []types.PeerID{"a", "b", "c", "d", "e"}, Head: block1, Tentative: true, SignerID: "a",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeMessage(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodeMessage(payload)
			require.NoError(t, err)
			assert.True(t, tt.msg.Equal(decoded), "decoded %v", decoded)
			assert.Equal(t, tt.msg.Hash(), decoded.Hash())
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	msg := NewPbftMessage(Prepare, 1, 1, "a", block1)
	body := appendPbftMessage(nil, msg)
	// trailing unknown fields of every wire type
	body = protowire.AppendTag(body, 99, protowire.VarintType)
	body = protowire.AppendVarint(body, 12345)
	body = protowire.AppendTag(body, 100, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("metadata"))
	body = protowire.AppendTag(body, 101, protowire.Fixed64Type)
	body = protowire.AppendFixed64(body, 1)

	payload := protowire.AppendTag(nil, envelopeTypeField, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(Prepare))
	payload = protowire.AppendTag(payload, envelopeBodyField, protowire.BytesType)
	payload = protowire.AppendBytes(payload, body)

	decoded, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.True(t, msg.Equal(decoded))
	assert.Equal(t, msg.Hash(), decoded.Hash())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := EncodeMessage(NewPbftMessage(Commit, 0, 1, "a", block1))
	require.NoError(t, err)

	mismatched := protowire.AppendTag(nil, envelopeTypeField, protowire.VarintType)
	mismatched = protowire.AppendVarint(mismatched, uint64(ViewChange))
	mismatched = protowire.AppendTag(mismatched, envelopeBodyField, protowire.BytesType)
	mismatched = protowire.AppendBytes(mismatched, appendPbftMessage(nil, NewPbftMessage(Commit, 0, 1, "a", block1)))

	wrongWireType := protowire.AppendTag(nil, envelopeTypeField, protowire.BytesType)
	wrongWireType = protowire.AppendBytes(wrongWireType, []byte("x"))

	tests := []struct {
		name    string
		payload []byte
	}{
		{"truncated", valid[:len(valid)-3]},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"missing body", protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 1)},
		{"unknown type", protowire.AppendBytes(protowire.AppendTag(
			protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 42),
			2, protowire.BytesType), nil)},
		{"body type mismatch", mismatched},
		{"wrong wire type", wrongWireType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.payload)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestSealRoundTrip(t *testing.T) {
	cert := commitCert(block1, 2, "a", "b", "c")

	decoded, err := DecodeSeal(EncodeSeal(cert))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i := range cert {
		assert.True(t, cert[i].Equal(decoded[i]))
	}

	empty, err := DecodeSeal(EncodeSeal(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
