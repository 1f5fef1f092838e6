package transport

import (
	"fmt"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/types"
)

// Peer and block ids are opaque bytes, so every id crosses the wire as []byte (base64 in
// JSON) rather than as a string that may not be valid UTF-8.

type Empty struct{}

type Block struct {
	BlockID    []byte `json:"block_id"`
	BlockNum   uint64 `json:"block_num"`
	SignerID   []byte `json:"signer_id"`
	PreviousID []byte `json:"previous_id"`
	Summary    []byte `json:"summary,omitempty"`
}

type StartupResponse struct {
	ChainHead Block    `json:"chain_head"`
	Peers     [][]byte `json:"peers"`
	LocalPeer []byte   `json:"local_peer"`
}

type PayloadRequest struct {
	Peer    []byte `json:"peer,omitempty"`
	Payload []byte `json:"payload"`
}

type BlockIDRequest struct {
	BlockID []byte `json:"block_id"`
}

type BlockIDsRequest struct {
	BlockIDs [][]byte `json:"block_ids"`
}

type FinalizeRequest struct {
	Data []byte `json:"data"`
}

type SettingsRequest struct {
	BlockID []byte   `json:"block_id"`
	Keys    []string `json:"keys"`
}

type SettingsResponse struct {
	Settings map[string]string `json:"settings"`
}

// Update kinds carried by the Updates stream.
const (
	KindBlockNew         = "block_new"
	KindBlockValid       = "block_valid"
	KindBlockInvalid     = "block_invalid"
	KindBlockCommit      = "block_commit"
	KindPeerMessage      = "peer_message"
	KindPeerConnected    = "peer_connected"
	KindPeerDisconnected = "peer_disconnected"
	KindShutdown         = "shutdown"
)

type Update struct {
	Kind    string `json:"kind"`
	Block   *Block `json:"block,omitempty"`
	BlockID []byte `json:"block_id,omitempty"`
	Peer    []byte `json:"peer,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func blockToWire(b types.Block) Block {
	return Block{
		BlockID:    []byte(b.BlockID),
		BlockNum:   b.BlockNum,
		SignerID:   []byte(b.SignerID),
		PreviousID: []byte(b.PreviousID),
		Summary:    b.Summary,
	}
}

func blockFromWire(b Block) types.Block {
	return types.Block{
		BlockID:    types.BlockID(b.BlockID),
		BlockNum:   b.BlockNum,
		SignerID:   types.PeerID(b.SignerID),
		PreviousID: types.BlockID(b.PreviousID),
		Summary:    b.Summary,
	}
}

func startupToWire(s pbft.StartupState) *StartupResponse {
	resp := &StartupResponse{
		ChainHead: blockToWire(s.ChainHead),
		LocalPeer: []byte(s.LocalPeerInfo.PeerID),
	}
	for _, p := range s.Peers {
		resp.Peers = append(resp.Peers, []byte(p.PeerID))
	}
	return resp
}

func startupFromWire(resp *StartupResponse) pbft.StartupState {
	s := pbft.StartupState{
		ChainHead:     blockFromWire(resp.ChainHead),
		LocalPeerInfo: pbft.PeerInfo{PeerID: types.PeerID(resp.LocalPeer)},
	}
	for _, p := range resp.Peers {
		s.Peers = append(s.Peers, pbft.PeerInfo{PeerID: types.PeerID(p)})
	}
	return s
}

func updateToWire(u pbft.Update) (*Update, error) {
	switch v := u.(type) {
	case pbft.BlockNew:
		b := blockToWire(v.Block)
		return &Update{Kind: KindBlockNew, Block: &b}, nil
	case pbft.BlockValid:
		return &Update{Kind: KindBlockValid, BlockID: []byte(v.BlockID)}, nil
	case pbft.BlockInvalid:
		return &Update{Kind: KindBlockInvalid, BlockID: []byte(v.BlockID)}, nil
	case pbft.BlockCommit:
		return &Update{Kind: KindBlockCommit, BlockID: []byte(v.BlockID)}, nil
	case pbft.PeerMessage:
		return &Update{Kind: KindPeerMessage, Peer: []byte(v.SenderID), Payload: v.Payload}, nil
	case pbft.PeerConnected:
		return &Update{Kind: KindPeerConnected, Peer: []byte(v.Info.PeerID)}, nil
	case pbft.PeerDisconnected:
		return &Update{Kind: KindPeerDisconnected, Peer: []byte(v.PeerID)}, nil
	case pbft.Shutdown:
		return &Update{Kind: KindShutdown}, nil
	}
	return nil, fmt.Errorf("unsupported update %T", u)
}

func updateFromWire(u *Update) (pbft.Update, error) {
	switch u.Kind {
	case KindBlockNew:
		if u.Block == nil {
			return nil, fmt.Errorf("block_new update without block")
		}
		return pbft.BlockNew{Block: blockFromWire(*u.Block)}, nil
	case KindBlockValid:
		return pbft.BlockValid{BlockID: types.BlockID(u.BlockID)}, nil
	case KindBlockInvalid:
		return pbft.BlockInvalid{BlockID: types.BlockID(u.BlockID)}, nil
	case KindBlockCommit:
		return pbft.BlockCommit{BlockID: types.BlockID(u.BlockID)}, nil
	case KindPeerMessage:
		return pbft.PeerMessage{Payload: u.Payload, SenderID: types.PeerID(u.Peer)}, nil
	case KindPeerConnected:
		return pbft.PeerConnected{Info: pbft.PeerInfo{PeerID: types.PeerID(u.Peer)}}, nil
	case KindPeerDisconnected:
		return pbft.PeerDisconnected{PeerID: types.PeerID(u.Peer)}, nil
	case KindShutdown:
		return pbft.Shutdown{}, nil
	}
	return nil, fmt.Errorf("unknown update kind %q", u.Kind)
}
