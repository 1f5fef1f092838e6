package pbft

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-engine/types"
)

// StartViewChange votes for the view after the one this node is currently targeting.
// Repeated calls without an adopted view target successively higher views.
func (n *Node) StartViewChange() error {
	s := n.state
	return n.voteForView(s.View + s.ViewChangeRound + 1)
}

// voteForView broadcasts a vote for target carrying the node's checkpoint certificate and
// the certificate of the block it prepared for the next sequence number, if any.
func (n *Node) voteForView(target uint64) error {
	s := n.state
	vote := NewViewChangeMessage(target, s.LastCommitted.BlockNum, s.ID, s.Checkpoint)
	vote.PreparedMessages = n.prepared
	if err := n.broadcast(vote); err != nil {
		return err
	}

	if s.Mode == Normal {
		n.logger.Info("starting view change", n.fields(zap.Uint64("target_view", target))...)
	} else {
		n.logger.Info("moving view change target", n.fields(zap.Uint64("target_view", target))...)
	}
	s.Mode = ViewChanging
	s.ViewChangeRound = target - s.View
	s.IdleTimeout.Start()
	n.metrics.IncrementViewChanges()

	if _, err := n.msgLog.RecordViewChange(vote); err != nil {
		return err
	}
	return n.checkViewChangeQuorum(target)
}

func (n *Node) handleViewChange(msg *ViewChangeMessage, sender types.PeerID) error {
	if err := n.checkSigner(msg.SignerID, sender); err != nil {
		return err
	}
	s := n.state
	if msg.View <= s.View {
		n.logger.Debug("dropping stale view change", n.fields(zap.Stringer("msg", msg.Info()))...)
		return nil
	}
	if err := n.validateCheckpoint(msg); err != nil {
		return err
	}
	if err := n.validatePrepared(msg); err != nil {
		return err
	}

	added, err := n.msgLog.RecordViewChange(msg)
	if err != nil || !added {
		return err
	}

	// f+1 표 중 최소 하나는 정직한 노드 -> 합류
	if msg.View > s.TargetView() {
		votes := len(n.msgLog.ViewChanges(msg.View))
		if votes >= s.F()+1 {
			return n.voteForView(msg.View)
		}
		return wrongNumMessages(ViewChange, s.Quorum(), s.F()+1, votes)
	}
	return n.checkViewChangeQuorum(msg.View)
}

// validateCheckpoint accepts an empty certificate or 2f+1 distinct member commits for one
// block at the vote's sequence number.
func (n *Node) validateCheckpoint(msg *ViewChangeMessage) error {
	cert := msg.CheckpointMessages
	if len(cert) == 0 {
		return nil
	}
	if cert[0].SeqNum != msg.SeqNum {
		return wrapInvalidMessagef("checkpoint at seq_num %d in view change for seq_num %d", cert[0].SeqNum, msg.SeqNum)
	}
	return n.validateQuorumCert("checkpoint", cert, Commit)
}

// validatePrepared accepts an empty certificate or 2f+1 distinct member prepares (or
// commits) for one block at the sequence number after the vote's, from an earlier view.
func (n *Node) validatePrepared(msg *ViewChangeMessage) error {
	cert := msg.PreparedMessages
	if len(cert) == 0 {
		return nil
	}
	first := cert[0]
	if first.SeqNum != msg.SeqNum+1 {
		return wrapInvalidMessagef("prepared certificate at seq_num %d in view change for seq_num %d", first.SeqNum, msg.SeqNum)
	}
	if first.View >= msg.View {
		return wrapInvalidMessagef("prepared certificate from view %d in vote for view %d", first.View, msg.View)
	}
	return n.validateQuorumCert("prepared certificate", cert, first.MsgType, Prepare, Commit)
}

// validateQuorumCert checks that cert holds messages of type want for a single block,
// view and sequence number from at least 2f+1 distinct members. allowed limits want.
func (n *Node) validateQuorumCert(kind string, cert []*PbftMessage, want MessageType, allowed ...MessageType) error {
	if len(allowed) > 0 && !containsType(allowed, want) {
		return wrapInvalidMessagef("%s contains %s", kind, want)
	}
	first := cert[0]
	s := n.state
	signers := make(map[types.PeerID]struct{}, len(cert))
	for _, m := range cert {
		if m.MsgType != want {
			return wrapInvalidMessagef("%s contains %s", kind, m.MsgType)
		}
		if m.View != first.View || m.SeqNum != first.SeqNum || !m.Block.Equal(first.Block) {
			return wrapInvalidMessagef("%s mixes %s and %s", kind, first.Info(), m.Info())
		}
		if m.Block.BlockNum != m.SeqNum {
			return wrapInvalidMessagef("%s carries block at height %d for seq_num %d", kind, m.Block.BlockNum, m.SeqNum)
		}
		if !s.Peers.Contains(m.SignerID) {
			return wrapInvalidMessagef("%s signer %s is not a member", kind, m.SignerID)
		}
		if _, dup := signers[m.SignerID]; dup {
			return wrapInvalidMessagef("%s repeats signer %s", kind, m.SignerID)
		}
		signers[m.SignerID] = struct{}{}
	}
	if len(signers) < s.Quorum() {
		return wrapInvalidMessagef("%s has %d signers, need %d", kind, len(signers), s.Quorum())
	}
	return nil
}

func containsType(set []MessageType, t MessageType) bool {
	for _, mt := range set {
		if mt == t {
			return true
		}
	}
	return false
}

func (n *Node) checkViewChangeQuorum(target uint64) error {
	s := n.state
	votes := n.msgLog.ViewChanges(target)
	if len(votes) < s.Quorum() {
		return wrongNumMessages(ViewChange, s.Quorum(), s.Quorum(), len(votes))
	}
	return n.adoptView(target, votes)
}

// highestPrepared returns the block prepared in the highest view at seqNum among votes.
// Two different blocks prepared in the same view need f+1 equivocators and are reported.
func highestPrepared(votes []*ViewChangeMessage, seqNum uint64) (*types.Block, error) {
	var best *PbftMessage
	for _, v := range votes {
		cert := v.PreparedMessages
		if len(cert) == 0 || cert[0].SeqNum != seqNum {
			continue
		}
		first := cert[0]
		// 가장 높은 뷰에서 prepare된 블록이 우선
		switch {
		case best == nil || first.View > best.View:
			best = first
		case first.View == best.View && !first.Block.Equal(best.Block):
			return nil, fmt.Errorf("%w: seq_num %d prepared as both %s and %s in view %d",
				ErrConflictingCertificate, seqNum, best.Block.BlockID, first.Block.BlockID, first.View)
		}
	}
	if best == nil {
		return nil, nil
	}
	block := best.Block
	return &block, nil
}

// bestCheckpoint returns the highest certificate among votes. Two certificates for
// different blocks at the same sequence number are reported, never resolved locally.
func bestCheckpoint(votes []*ViewChangeMessage) ([]*PbftMessage, error) {
	var best []*PbftMessage
	bySeq := make(map[uint64]types.Block)
	for _, v := range votes {
		cert := v.CheckpointMessages
		if len(cert) == 0 {
			continue
		}
		seq, block := cert[0].SeqNum, cert[0].Block
		if prev, ok := bySeq[seq]; ok && !prev.Equal(block) {
			return nil, fmt.Errorf("%w: seq_num %d certified as both %s and %s",
				ErrConflictingCertificate, seq, prev.BlockID, block.BlockID)
		}
		bySeq[seq] = block
		// 가장 높은 체크포인트 선택
		if best == nil || seq > best[0].SeqNum {
			best = cert
		}
	}
	return best, nil
}

func (n *Node) adoptView(target uint64, votes []*ViewChangeMessage) error {
	best, err := bestCheckpoint(votes)
	if err != nil {
		return err
	}
	locked, err := highestPrepared(votes, n.state.SeqNum)
	if err != nil {
		return err
	}

	s := n.state
	if n.building && !s.IsPrimaryAt(target) {
		if err := n.service.CancelBlock(); err != nil {
			return wrapService("cancel block", err)
		}
		n.building = false
	}

	s.View = target
	s.ViewChangeRound = 0
	s.Mode = Normal
	// 커밋 요청한 블록(Finishing)은 뷰가 바뀌어도 유지
	if s.Phase != Finishing {
		s.Phase = NotStarted
		s.Working = nil
	}
	s.IdleTimeout.Start()
	n.msgLog.PruneViewChanges(target)
	n.metrics.SetCurrentView(target)
	n.logger.Info("view change complete", n.fields(zap.Stringer("primary", s.Primary()))...)

	var errs error
	if best != nil {
		errs = n.resumeFromCheckpoint(best)
	}
	if s.Phase != Finishing {
		n.locked = locked
		if locked != nil {
			n.logger.Info("new view keeps prepared block", n.fields(zap.Stringer("block_id", locked.BlockID))...)
		}
	}
	if s.IsPrimary() && s.Phase == NotStarted && !n.building && n.locked == nil {
		if _, ok := n.candidate(""); !ok {
			errs = multierr.Append(errs, n.initializeBlock())
		}
	}
	return multierr.Append(errs, n.advance())
}

// resumeFromCheckpoint commits a certified block the network agreed on while this node
// had not finished it yet.
func (n *Node) resumeFromCheckpoint(cert []*PbftMessage) error {
	s := n.state
	seq, block := cert[0].SeqNum, cert[0].Block
	switch {
	case seq < s.SeqNum || s.Phase == Finishing:
		return nil
	case seq > s.SeqNum:
		n.logger.Warn("network checkpoint is ahead of the local chain",
			n.fields(zap.Uint64("checkpoint_seq_num", seq), zap.Stringer("block_id", block.BlockID))...)
		return nil
	}

	local, ok := n.known[block.BlockID]
	if !ok || !local.Equal(block) {
		n.logger.Warn("certified block is not known locally", n.fields(zap.Stringer("block_id", block.BlockID))...)
		return nil
	}
	_, err := n.requestCommit(block, cert)
	return err
}
