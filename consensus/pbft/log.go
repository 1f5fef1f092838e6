package pbft

import (
	"sort"

	"github.com/ahwlsqja/pbft-engine/types"
)

// logKey identifies one phase of one round.
type logKey struct {
	view    uint64
	seqNum  uint64
	msgType MessageType
}

// signerSet keeps at most one message per signer, in arrival order.
type signerSet[M Message] struct {
	bySigner map[types.PeerID]M
	order    []types.PeerID
}

func newSignerSet[M Message]() *signerSet[M] {
	return &signerSet[M]{bySigner: make(map[types.PeerID]M)}
}

// add stores msg for signer. An identical duplicate is a no-op (added=false); a different
// message from the same signer is equivocation and is not stored.
func (s *signerSet[M]) add(signer types.PeerID, msg M) (added bool, err error) {
	if existing, ok := s.bySigner[signer]; ok {
		// 같은 메시지 중복 수신은 무시
		if existing.Equal(msg) {
			return false, nil
		}
		return false, wrapEquivocationf("signer %s sent %s and %s", signer, existing.Info(), msg.Info())
	}
	s.bySigner[signer] = msg
	s.order = append(s.order, signer)
	return true, nil
}

func (s *signerSet[M]) messages() []M {
	out := make([]M, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.bySigner[id])
	}
	return out
}

// MessageLog stores received protocol messages keyed by (view, seq_num, msg_type, signer).
// It answers quorum questions and is pruned below checkpoints. Not safe for concurrent use.
type MessageLog struct {
	phases map[logKey]*signerSet[*PbftMessage]

	// target view -> signer -> vote
	viewChanges map[uint64]*signerSet[*ViewChangeMessage]

	// head block num -> tentative flag -> signer -> proposal
	networkChanges map[uint64]map[bool]*signerSet[*NetworkChangeMessage]
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		phases:         make(map[logKey]*signerSet[*PbftMessage]),
		viewChanges:    make(map[uint64]*signerSet[*ViewChangeMessage]),
		networkChanges: make(map[uint64]map[bool]*signerSet[*NetworkChangeMessage]),
	}
}

// Record stores a phase message. Identical duplicates are accepted silently and counted once;
// a different message from the same signer for the same key fails with ErrEquivocation and
// leaves the first one in place.
func (l *MessageLog) Record(msg *PbftMessage) error {
	_, err := l.record(msg)
	return err
}

func (l *MessageLog) record(msg *PbftMessage) (bool, error) {
	key := logKey{view: msg.View, seqNum: msg.SeqNum, msgType: msg.MsgType}
	set, ok := l.phases[key]
	if !ok {
		set = newSignerSet[*PbftMessage]()
		l.phases[key] = set
	}
	return set.add(msg.SignerID, msg)
}

// Messages returns the stored messages for a key in arrival order.
func (l *MessageLog) Messages(view, seqNum uint64, msgType MessageType) []*PbftMessage {
	set, ok := l.phases[logKey{view: view, seqNum: seqNum, msgType: msgType}]
	if !ok {
		return nil
	}
	return set.messages()
}

// MessagesForBlock returns the stored messages for a key that carry exactly block.
func (l *MessageLog) MessagesForBlock(view, seqNum uint64, msgType MessageType, block types.Block) []*PbftMessage {
	var out []*PbftMessage
	for _, m := range l.Messages(view, seqNum, msgType) {
		if m.Block.Equal(block) {
			out = append(out, m)
		}
	}
	return out
}

// blockTally counts the signers voting for one block value.
type blockTally struct {
	block types.Block
	count int
}

func (l *MessageLog) tally(view, seqNum uint64, msgType MessageType) []*blockTally {
	var tallies []*blockTally
	byHash := make(map[uint64][]*blockTally)
	for _, m := range l.Messages(view, seqNum, msgType) {
		h := m.Block.Hash()
		var found *blockTally
		for _, t := range byHash[h] {
			if t.block.Equal(m.Block) {
				found = t
				break
			}
		}
		if found == nil {
			found = &blockTally{block: m.Block}
			byHash[h] = append(byHash[h], found)
			tallies = append(tallies, found)
		}
		found.count++
	}
	return tallies
}

// QuorumFor groups the messages for a key by block value and returns the first block, in
// order of first appearance, backed by at least required distinct signers.
func (l *MessageLog) QuorumFor(view, seqNum uint64, msgType MessageType, required int) (types.Block, bool) {
	for _, t := range l.tally(view, seqNum, msgType) {
		if t.count >= required {
			return t.block, true
		}
	}
	return types.Block{}, false
}

// Quorums returns every block reaching required. More than one means peers certified
// conflicting blocks, which honest majorities cannot produce.
func (l *MessageLog) Quorums(view, seqNum uint64, msgType MessageType, required int) []types.Block {
	var out []types.Block
	for _, t := range l.tally(view, seqNum, msgType) {
		if t.count >= required {
			out = append(out, t.block)
		}
	}
	return out
}

// CountFor returns how many distinct signers voted for block.
func (l *MessageLog) CountFor(view, seqNum uint64, msgType MessageType, block types.Block) int {
	return len(l.MessagesForBlock(view, seqNum, msgType, block))
}

// PruneBelow drops phase messages and network changes for sequence numbers below seqNum.
func (l *MessageLog) PruneBelow(seqNum uint64) int {
	pruned := 0
	for key, set := range l.phases {
		if key.seqNum < seqNum {
			pruned += len(set.order)
			delete(l.phases, key)
		}
	}
	for head, byFlag := range l.networkChanges {
		if head < seqNum {
			for _, set := range byFlag {
				pruned += len(set.order)
			}
			delete(l.networkChanges, head)
		}
	}
	return pruned
}

// Len returns the number of stored phase messages.
func (l *MessageLog) Len() int {
	n := 0
	for _, set := range l.phases {
		n += len(set.order)
	}
	return n
}

// RecordViewChange stores a view change vote keyed by (target view, signer).
func (l *MessageLog) RecordViewChange(msg *ViewChangeMessage) (bool, error) {
	set, ok := l.viewChanges[msg.View]
	if !ok {
		set = newSignerSet[*ViewChangeMessage]()
		l.viewChanges[msg.View] = set
	}
	return set.add(msg.SignerID, msg)
}

// ViewChanges returns the votes for target view in arrival order.
func (l *MessageLog) ViewChanges(view uint64) []*ViewChangeMessage {
	set, ok := l.viewChanges[view]
	if !ok {
		return nil
	}
	return set.messages()
}

// ViewChangeTargets returns the target views with at least one vote, ascending.
func (l *MessageLog) ViewChangeTargets() []uint64 {
	views := make([]uint64, 0, len(l.viewChanges))
	for v := range l.viewChanges {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}

// PruneViewChanges drops votes for target views at or below view.
func (l *MessageLog) PruneViewChanges(view uint64) {
	for v := range l.viewChanges {
		if v <= view {
			delete(l.viewChanges, v)
		}
	}
}

// RecordNetworkChange stores a membership proposal or confirmation. A signer may propose
// and confirm once per head; a second, different one is equivocation.
func (l *MessageLog) RecordNetworkChange(msg *NetworkChangeMessage) (bool, error) {
	head := msg.Head.BlockNum
	byFlag, ok := l.networkChanges[head]
	if !ok {
		byFlag = make(map[bool]*signerSet[*NetworkChangeMessage])
		l.networkChanges[head] = byFlag
	}
	set, ok := byFlag[msg.Tentative]
	if !ok {
		set = newSignerSet[*NetworkChangeMessage]()
		byFlag[msg.Tentative] = set
	}
	return set.add(msg.SignerID, msg)
}

// NetworkChanges returns the proposals (tentative) or confirmations recorded at head, in
// arrival order.
func (l *MessageLog) NetworkChanges(head uint64, tentative bool) []*NetworkChangeMessage {
	set, ok := l.networkChanges[head][tentative]
	if !ok {
		return nil
	}
	return set.messages()
}

// NetworkChangeConfirmations counts confirmations (tentative=false) for the same peers and
// head as proposal.
func (l *MessageLog) NetworkChangeConfirmations(proposal *NetworkChangeMessage) int {
	set, ok := l.networkChanges[proposal.Head.BlockNum][false]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range set.messages() {
		if m.sameProposal(proposal) {
			n++
		}
	}
	return n
}
