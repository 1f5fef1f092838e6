// Package pbft implements the Practical Byzantine Fault Tolerance consensus algorithm.
package pbft

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/ahwlsqja/pbft-engine/types"
)

// MessageType represents the type of PBFT message.
type MessageType int

const (
	// PrePrepare is sent by the primary to propose a block for (view, seq_num).
	PrePrepare MessageType = iota + 1
	// Prepare is sent by every node once it accepted the pre-prepare.
	Prepare
	// Commit is sent after the block was prepared and validated.
	Commit
	// ViewChange votes to move to a new view.
	ViewChange
	// NetworkChange proposes or confirms a membership change.
	NetworkChange
)

// String returns the string representation of MessageType.
func (mt MessageType) String() string {
	switch mt {
	case PrePrepare:
		return "PRE-PREPARE"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	case ViewChange:
		return "VIEW-CHANGE"
	case NetworkChange:
		return "NETWORK-CHANGE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether mt is one of the known message types.
func (mt MessageType) Valid() bool {
	return mt >= PrePrepare && mt <= NetworkChange
}

// Identity field lists. Equality and hashing use exactly these fields in this order;
// anything else a decoder might carry (unknown wire fields) never participates.
var (
	MessageInfoIdentityFields   = []string{"MsgType", "View", "SeqNum", "SignerID"}
	PbftMessageIdentityFields   = []string{"MessageInfo", "Block"}
	ViewChangeIdentityFields    = []string{"MessageInfo", "CheckpointMessages", "PreparedMessages"}
	NetworkChangeIdentityFields = []string{"Peers", "Head", "Tentative", "SignerID"}
)

// MessageInfo identifies the phase, round and signer a message belongs to.
type MessageInfo struct {
	MsgType  MessageType  `json:"msg_type"`
	View     uint64       `json:"view"`
	SeqNum   uint64       `json:"seq_num"`
	SignerID types.PeerID `json:"signer_id"`
}

// Equal reports whether every identity field matches.
func (i MessageInfo) Equal(other MessageInfo) bool {
	return i.MsgType == other.MsgType &&
		i.View == other.View &&
		i.SeqNum == other.SeqNum &&
		i.SignerID == other.SignerID
}

// Hash returns the identity hash of the info.
func (i MessageInfo) Hash() uint64 {
	d := xxhash.New()
	i.hashInto(d)
	return d.Sum64()
}

func (i MessageInfo) hashInto(d *xxhash.Digest) {
	types.WriteUint64(d, uint64(i.MsgType))
	types.WriteUint64(d, i.View)
	types.WriteUint64(d, i.SeqNum)
	types.WriteBytes(d, []byte(i.SignerID))
}

func (i MessageInfo) String() string {
	return fmt.Sprintf("%s(view %d, seq %d, signer %s)", i.MsgType, i.View, i.SeqNum, i.SignerID)
}

// Message is the closed set of peer messages exchanged by the protocol:
// *PbftMessage, *ViewChangeMessage and *NetworkChangeMessage.
type Message interface {
	// Info returns the common info fields.
	Info() MessageInfo
	// Equal reports whether both messages carry identical identity fields.
	Equal(other Message) bool
	// Hash returns the identity hash.
	Hash() uint64

	isMessage()
}

// PbftMessage is one peer's pre-prepare, prepare or commit vote on a block.
type PbftMessage struct {
	MessageInfo
	Block types.Block `json:"block"`
}

// NewPbftMessage creates a phase message.
func NewPbftMessage(msgType MessageType, view, seqNum uint64, signer types.PeerID, block types.Block) *PbftMessage {
	return &PbftMessage{
		MessageInfo: MessageInfo{MsgType: msgType, View: view, SeqNum: seqNum, SignerID: signer},
		Block:       block,
	}
}

func (m *PbftMessage) isMessage() {}

// Info returns the message info.
func (m *PbftMessage) Info() MessageInfo {
	return m.MessageInfo
}

// Equal reports whether other is a PbftMessage with the same info and block.
func (m *PbftMessage) Equal(other Message) bool {
	o, ok := other.(*PbftMessage)
	if !ok || m == nil || o == nil {
		return ok && m == nil && o == nil
	}
	return m.MessageInfo.Equal(o.MessageInfo) && m.Block.Equal(o.Block)
}

// Hash returns the identity hash of the message.
func (m *PbftMessage) Hash() uint64 {
	d := xxhash.New()
	m.hashInto(d)
	return d.Sum64()
}

func (m *PbftMessage) hashInto(d *xxhash.Digest) {
	m.MessageInfo.hashInto(d)
	m.Block.HashInto(d)
}

func (m *PbftMessage) String() string {
	return fmt.Sprintf("%s for block %s", m.MessageInfo, m.Block.BlockID)
}

// ViewChangeMessage votes for a new view. CheckpointMessages is the signer's proof of the
// highest block it saw committed: a quorum of matching commit messages, or empty.
// PreparedMessages proves the block the signer prepared for the next sequence number: a
// quorum of matching prepares (or commits) from an earlier view, or empty.
type ViewChangeMessage struct {
	MessageInfo
	CheckpointMessages []*PbftMessage `json:"checkpoint_messages"`
	PreparedMessages   []*PbftMessage `json:"prepared_messages"`
}

// NewViewChangeMessage creates a view change vote for view.
func NewViewChangeMessage(view, seqNum uint64, signer types.PeerID, checkpoint []*PbftMessage) *ViewChangeMessage {
	return &ViewChangeMessage{
		MessageInfo:        MessageInfo{MsgType: ViewChange, View: view, SeqNum: seqNum, SignerID: signer},
		CheckpointMessages: checkpoint,
	}
}

func (m *ViewChangeMessage) isMessage() {}

// Info returns the message info.
func (m *ViewChangeMessage) Info() MessageInfo {
	return m.MessageInfo
}

// Equal compares info and both ordered certificates.
func (m *ViewChangeMessage) Equal(other Message) bool {
	o, ok := other.(*ViewChangeMessage)
	if !ok || m == nil || o == nil {
		return ok && m == nil && o == nil
	}
	return m.MessageInfo.Equal(o.MessageInfo) &&
		equalCerts(m.CheckpointMessages, o.CheckpointMessages) &&
		equalCerts(m.PreparedMessages, o.PreparedMessages)
}

func equalCerts(a, b []*PbftMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Hash returns the identity hash of the message.
func (m *ViewChangeMessage) Hash() uint64 {
	d := xxhash.New()
	m.MessageInfo.hashInto(d)
	for _, cert := range [][]*PbftMessage{m.CheckpointMessages, m.PreparedMessages} {
		types.WriteUint64(d, uint64(len(cert)))
		for _, cp := range cert {
			cp.hashInto(d)
		}
	}
	return d.Sum64()
}

// CheckpointSeqNum returns the sequence number certified by the checkpoint, zero when empty.
func (m *ViewChangeMessage) CheckpointSeqNum() uint64 {
	if len(m.CheckpointMessages) == 0 {
		return 0
	}
	return m.CheckpointMessages[0].SeqNum
}

// NetworkChangeMessage proposes (Tentative) or confirms a membership anchored at Head.
type NetworkChangeMessage struct {
	Peers     []types.PeerID `json:"peers"`
	Head      types.Block    `json:"head"`
	Tentative bool           `json:"tentative"`
	SignerID  types.PeerID   `json:"signer_id"`
}

func (m *NetworkChangeMessage) isMessage() {}

// Info synthesizes the common fields: the round of a network change is the head it is
// anchored to.
func (m *NetworkChangeMessage) Info() MessageInfo {
	return MessageInfo{MsgType: NetworkChange, SeqNum: m.Head.BlockNum, SignerID: m.SignerID}
}

// Equal compares the ordered peer list, head, tentative flag and signer.
func (m *NetworkChangeMessage) Equal(other Message) bool {
	o, ok := other.(*NetworkChangeMessage)
	if !ok || m == nil || o == nil {
		return ok && m == nil && o == nil
	}
	return m.sameProposal(o) && m.Tentative == o.Tentative && m.SignerID == o.SignerID
}

// sameProposal reports whether both messages are about the same membership and head.
func (m *NetworkChangeMessage) sameProposal(o *NetworkChangeMessage) bool {
	if len(m.Peers) != len(o.Peers) || !m.Head.Equal(o.Head) {
		return false
	}
	for i := range m.Peers {
		if m.Peers[i] != o.Peers[i] {
			return false
		}
	}
	return true
}

// Hash returns the identity hash of the message.
func (m *NetworkChangeMessage) Hash() uint64 {
	d := xxhash.New()
	m.hashProposal(d)
	if m.Tentative {
		types.WriteUint64(d, 1)
	} else {
		types.WriteUint64(d, 0)
	}
	types.WriteBytes(d, []byte(m.SignerID))
	return d.Sum64()
}

// ProposalHash identifies the (peers, head) pair regardless of signer and tentative flag.
func (m *NetworkChangeMessage) ProposalHash() uint64 {
	d := xxhash.New()
	m.hashProposal(d)
	return d.Sum64()
}

func (m *NetworkChangeMessage) hashProposal(d *xxhash.Digest) {
	types.WriteUint64(d, uint64(len(m.Peers)))
	for _, p := range m.Peers {
		types.WriteBytes(d, []byte(p))
	}
	m.Head.HashInto(d)
}
