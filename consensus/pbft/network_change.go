package pbft

import (
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-engine/types"
)

// OnPeerChange tracks connectivity. Connectivity never changes the quorum arithmetic by
// itself: a connected non-member makes the primary propose a membership change, and a
// disconnect only stops the peer from counting as reachable. A connect may also make a
// pending proposal confirmable.
func (n *Node) OnPeerChange(peer types.PeerID, connected bool) error {
	s := n.state
	// 연결이 끊겨도 멤버에서 제거하지 않음
	if !connected {
		delete(n.connected, peer)
		n.logger.Info("peer disconnected, membership unchanged", n.fields(zap.Stringer("peer", peer))...)
		return nil
	}

	n.connected[peer] = true
	if s.Peers.Contains(peer) || peer == s.ID || !s.IsPrimary() || s.Mode != Normal {
		return n.confirmPending()
	}

	proposal := &NetworkChangeMessage{
		Peers:     append(s.Peers.Clone(), peer),
		Head:      s.LastCommitted,
		Tentative: true,
		SignerID:  s.ID,
	}
	n.logger.Info("proposing membership change", n.fields(zap.Stringer("peer", peer))...)
	if err := n.broadcast(proposal); err != nil {
		return err
	}
	if _, err := n.msgLog.RecordNetworkChange(proposal); err != nil {
		return err
	}
	return n.confirmNetworkChange(proposal)
}

func (n *Node) handleNetworkChange(msg *NetworkChangeMessage, sender types.PeerID) error {
	if err := n.checkSigner(msg.SignerID, sender); err != nil {
		return err
	}
	s := n.state
	switch {
	case msg.Head.BlockNum < s.LastCommitted.BlockNum:
		n.logger.Debug("dropping stale network change", n.fields(zap.Stringer("msg", msg.Info()))...)
		return nil
	case msg.Head.BlockNum > s.LastCommitted.BlockNum:
		return notReadyf("network change anchored at %d, head is %d", msg.Head.BlockNum, s.LastCommitted.BlockNum)
	case !msg.Head.Equal(s.LastCommitted):
		return wrapInvalidMessagef("network change anchored at a different head %s", msg.Head.BlockID)
	}
	if samePeers(msg.Peers, s.Peers) {
		n.logger.Debug("membership change already applied", n.fields(zap.Stringer("msg", msg.Info()))...)
		return nil
	}
	if err := n.validateMembership(msg.Peers); err != nil {
		return err
	}
	if msg.Tentative && msg.SignerID != s.Primary() {
		return wrapInvalidMessagef("membership proposal from %s, primary is %s", msg.SignerID, s.Primary())
	}

	added, err := n.msgLog.RecordNetworkChange(msg)
	if err != nil || !added {
		return err
	}
	if msg.Tentative {
		return n.confirmNetworkChange(msg)
	}
	return n.checkNetworkChange(msg)
}

// validateMembership allows additions only: every current member keeps its position and
// each added peer is new and listed once.
func (n *Node) validateMembership(peers []types.PeerID) error {
	current := n.state.Peers
	if len(peers) <= len(current) {
		return wrapInvalidMessagef("membership change of %d peers does not add to %d", len(peers), len(current))
	}
	for i, p := range current {
		if peers[i] != p {
			return wrapInvalidMessagef("membership change reorders member %s", p)
		}
	}
	added := make(map[types.PeerID]struct{}, len(peers)-len(current))
	for _, p := range peers[len(current):] {
		if p == "" {
			return wrapInvalidMessagef("membership change adds an empty peer id")
		}
		if current.Contains(p) {
			return wrapInvalidMessagef("membership change re-adds member %s", p)
		}
		if _, dup := added[p]; dup {
			return wrapInvalidMessagef("membership change adds %s twice", p)
		}
		added[p] = struct{}{}
	}
	return nil
}

// confirmPending confirms the primary's proposal at the current head once every peer it
// adds is reachable. A node confirms at most once per head.
func (n *Node) confirmPending() error {
	s := n.state
	head := s.LastCommitted.BlockNum
	for _, c := range n.msgLog.NetworkChanges(head, false) {
		if c.SignerID == s.ID {
			return nil
		}
	}
	for _, p := range n.msgLog.NetworkChanges(head, true) {
		if p.SignerID != s.Primary() || !p.Head.Equal(s.LastCommitted) || samePeers(p.Peers, s.Peers) {
			continue
		}
		if n.validateMembership(p.Peers) != nil {
			continue
		}
		return n.confirmNetworkChange(p)
	}
	return nil
}

// confirmNetworkChange echoes a proposal when every added peer is reachable from here.
func (n *Node) confirmNetworkChange(proposal *NetworkChangeMessage) error {
	s := n.state
	// 추가되는 피어가 모두 연결돼 있어야 확인 메시지 전송
	for _, p := range proposal.Peers[s.Peers.Size():] {
		if !n.connected[p] {
			n.logger.Debug("not confirming membership change, peer unreachable", n.fields(zap.Stringer("peer", p))...)
			return nil
		}
	}

	confirm := &NetworkChangeMessage{
		Peers:     proposal.Peers,
		Head:      proposal.Head,
		Tentative: false,
		SignerID:  s.ID,
	}
	if err := n.broadcast(confirm); err != nil {
		return err
	}
	if _, err := n.msgLog.RecordNetworkChange(confirm); err != nil {
		return err
	}
	return n.checkNetworkChange(confirm)
}

func (n *Node) checkNetworkChange(msg *NetworkChangeMessage) error {
	s := n.state
	confirmations := n.msgLog.NetworkChangeConfirmations(msg)
	if confirmations < s.Quorum() {
		return wrongNumMessages(NetworkChange, s.Quorum(), s.Quorum(), confirmations)
	}

	// 새 멤버십 적용, f와 쿼럼은 다시 계산됨
	s.Peers = types.PeerSet(msg.Peers).Clone()
	if i := s.Peers.IndexOf(s.ID); i >= 0 {
		s.Index = uint64(i)
	}
	n.logger.Info("membership changed", n.fields(
		zap.Int("peers", s.Peers.Size()),
		zap.Int("quorum", s.Quorum()),
		zap.Stringer("primary", s.Primary()))...)
	return nil
}

func samePeers(a []types.PeerID, b types.PeerSet) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
