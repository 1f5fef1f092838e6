package types

// PeerSet is the ordered membership used for quorum arithmetic and primary selection.
// Order matters: the primary of view v is the peer at index v mod n.
type PeerSet []PeerID

// Size returns the number of peers.
func (ps PeerSet) Size() int {
	return len(ps)
}

// FaultTolerance returns the maximum number of faulty peers (f).
func (ps PeerSet) FaultTolerance() int {
	return FaultTolerance(len(ps))
}

// QuorumSize returns the minimum number of matching votes required for consensus (2f + 1).
func (ps PeerSet) QuorumSize() int {
	return 2*ps.FaultTolerance() + 1
}

// Contains reports whether id is a member.
func (ps PeerSet) Contains(id PeerID) bool {
	return ps.IndexOf(id) >= 0
}

// IndexOf returns the first position of id, or -1.
func (ps PeerSet) IndexOf(id PeerID) int {
	for i, p := range ps {
		if p == id {
			return i
		}
	}
	return -1
}

// Primary returns the designated primary for view.
func (ps PeerSet) Primary(view uint64) PeerID {
	if len(ps) == 0 {
		return ""
	}
	return ps[view%uint64(len(ps))]
}

// Clone returns a copy that does not share the backing array.
func (ps PeerSet) Clone() PeerSet {
	out := make(PeerSet, len(ps))
	copy(out, ps)
	return out
}

// FaultTolerance returns f = floor((n-1)/3) for a network of n peers.
func FaultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns 2f+1 for a network of n peers.
func QuorumSize(n int) int {
	return 2*FaultTolerance(n) + 1
}

// StartupPeers builds the startup membership from the peers reported by the host.
// Duplicates are removed keeping the first occurrence, the temporary local index is the
// deduplicated count, and the local peer is appended last even if the host already listed it.
func StartupPeers(peers []PeerID, local PeerID) (PeerSet, uint64) {
	deduped := make(PeerSet, 0, len(peers)+1)
	seen := make(map[PeerID]struct{}, len(peers))
	for _, p := range peers {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		deduped = append(deduped, p)
	}

	localIndex := uint64(len(deduped))
	deduped = append(deduped, local)
	return deduped, localIndex
}
