package pbft

import (
	"fmt"

	"github.com/ahwlsqja/pbft-engine/types"
)

// Phase represents the current phase of PBFT consensus for the block at SeqNum.
type Phase int

const (
	// NotStarted - waiting for a candidate block at the current sequence number.
	NotStarted Phase = iota
	// PrePreparing - block known, waiting for the primary's pre-prepare.
	PrePreparing
	// Preparing - pre-prepare accepted, waiting for 2f+1 prepares and local validation.
	Preparing
	// Committing - prepared, waiting for 2f+1 commits.
	Committing
	// Finishing - commit requested, waiting for the host to confirm it.
	Finishing
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "NOT-STARTED"
	case PrePreparing:
		return "PRE-PREPARING"
	case Preparing:
		return "PREPARING"
	case Committing:
		return "COMMITTING"
	case Finishing:
		return "FINISHING"
	default:
		return "UNKNOWN"
	}
}

// Mode is orthogonal to Phase: a view change can start in any phase.
type Mode int

const (
	Normal Mode = iota
	ViewChanging
)

func (m Mode) String() string {
	if m == ViewChanging {
		return "VIEW-CHANGING"
	}
	return "NORMAL"
}

// State is the node's consensus state. It is owned by a single Node and mutated only from
// the engine loop.
type State struct {
	ID types.PeerID

	// 시작 시 할당된 임시 인덱스
	Index uint64

	View   uint64 // 현재 뷰 번호
	SeqNum uint64 // 합의 중인 블록 번호와 같음
	Phase  Phase
	Mode   Mode

	// Ordered membership; primary of view v is Peers[v mod n].
	Peers types.PeerSet

	// Consecutive view changes started without an adopted view. The target is View+round.
	ViewChangeRound uint64

	// Head of the committed chain.
	LastCommitted types.Block

	// Block under agreement at SeqNum, nil before one is selected.
	Working *types.Block

	// Commit quorum that certified LastCommitted, carried in view change votes.
	Checkpoint []*PbftMessage

	// Phase progress timer; expiry triggers a view change.
	IdleTimeout *Timeout
}

// NewState creates the startup state on top of head.
func NewState(id types.PeerID, index uint64, peers types.PeerSet, head types.Block, timeout *Timeout) *State {
	return &State{
		ID:            id,
		Index:         index,
		SeqNum:        head.BlockNum + 1,
		Phase:         NotStarted,
		Mode:          Normal,
		Peers:         peers,
		LastCommitted: head,
		IdleTimeout:   timeout,
	}
}

// F returns the number of tolerated faulty peers.
func (s *State) F() int {
	return s.Peers.FaultTolerance()
}

// Quorum returns 2f+1.
func (s *State) Quorum() int {
	return s.Peers.QuorumSize()
}

// PrimaryAt returns the primary of view.
func (s *State) PrimaryAt(view uint64) types.PeerID {
	return s.Peers.Primary(view)
}

// Primary returns the primary of the current view.
func (s *State) Primary() types.PeerID {
	return s.PrimaryAt(s.View)
}

// IsPrimary reports whether this node leads the current view.
func (s *State) IsPrimary() bool {
	return s.Primary() == s.ID
}

// IsPrimaryAt reports whether this node leads view.
func (s *State) IsPrimaryAt(view uint64) bool {
	return s.PrimaryAt(view) == s.ID
}

// TargetView returns the view this node is currently voting for while ViewChanging.
func (s *State) TargetView() uint64 {
	return s.View + s.ViewChangeRound
}

// SetWorking selects the block under agreement.
func (s *State) SetWorking(block types.Block) {
	b := block
	s.Working = &b
}

func (s *State) workingID() types.BlockID {
	if s.Working == nil {
		return ""
	}
	return s.Working.BlockID
}

func (s *State) String() string {
	role := "B"
	if s.IsPrimary() {
		role = "P"
	}
	return fmt.Sprintf("(%s, view %d, seq %d, %s, %s)", role, s.View, s.SeqNum, s.Phase, s.Mode)
}
