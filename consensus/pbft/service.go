package pbft

import (
	"github.com/ahwlsqja/pbft-engine/types"
)

// Service is the host validator as seen by the engine. Every call is synchronous and made
// from the engine loop only. Results of CheckBlocks and CommitBlock arrive later as updates.
type Service interface {
	// Broadcast sends an encoded message to every connected peer. It does not loop back.
	Broadcast(payload []byte) error
	// SendTo sends an encoded message to a single peer.
	SendTo(peer types.PeerID, payload []byte) error

	// InitializeBlock starts building a block on top of previousID.
	InitializeBlock(previousID types.BlockID) error
	// FinalizeBlock seals the block under construction. ErrBlockNotReady means nothing to seal yet.
	FinalizeBlock(data []byte) (types.BlockID, error)
	// CancelBlock abandons the block under construction.
	CancelBlock() error

	// CheckBlocks requests validation; answered by BlockValid or BlockInvalid.
	CheckBlocks(ids []types.BlockID) error
	// CommitBlock requests a commit; answered by BlockCommit.
	CommitBlock(id types.BlockID) error
	// FailBlock marks a block as rejected.
	FailBlock(id types.BlockID) error

	GetChainHead() (types.Block, error)
	GetSettings(blockID types.BlockID, keys []string) (map[string]string, error)
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	PeerID types.PeerID `json:"peer_id"`
}

// StartupState is what the host reports when the engine registers.
type StartupState struct {
	ChainHead     types.Block `json:"chain_head"`
	Peers         []PeerInfo  `json:"peers"`
	LocalPeerInfo PeerInfo    `json:"local_peer_info"`
}

// Update is an event delivered by the host. The set of updates is closed.
type Update interface {
	isUpdate()
}

type (
	// BlockNew announces a candidate block.
	BlockNew struct{ Block types.Block }
	// BlockValid answers CheckBlocks positively.
	BlockValid struct{ BlockID types.BlockID }
	// BlockInvalid answers CheckBlocks negatively.
	BlockInvalid struct{ BlockID types.BlockID }
	// BlockCommit confirms CommitBlock.
	BlockCommit struct{ BlockID types.BlockID }
	// PeerMessage carries an encoded message and the peer that delivered it.
	PeerMessage struct {
		Payload  []byte
		SenderID types.PeerID
	}
	// PeerConnected reports a new peer connection.
	PeerConnected struct{ Info PeerInfo }
	// PeerDisconnected reports a lost peer connection.
	PeerDisconnected struct{ PeerID types.PeerID }
	// Shutdown asks the engine to stop.
	Shutdown struct{}
)

func (BlockNew) isUpdate()         {}
func (BlockValid) isUpdate()       {}
func (BlockInvalid) isUpdate()     {}
func (BlockCommit) isUpdate()      {}
func (PeerMessage) isUpdate()      {}
func (PeerConnected) isUpdate()    {}
func (PeerDisconnected) isUpdate() {}
func (Shutdown) isUpdate()         {}

// UpdateName returns a short label for logs and metrics.
func UpdateName(u Update) string {
	switch u.(type) {
	case BlockNew:
		return "block_new"
	case BlockValid:
		return "block_valid"
	case BlockInvalid:
		return "block_invalid"
	case BlockCommit:
		return "block_commit"
	case PeerMessage:
		return "peer_message"
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
