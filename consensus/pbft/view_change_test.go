package pbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-engine/types"
)

func TestTimeoutStartsViewChange(t *testing.T) {
	n, svc, clock := newTestNode(t, "c")

	assert.False(t, n.CheckTimeoutExpired())
	clock.Advance(DefaultConfig().MessageTimeout)
	require.True(t, n.CheckTimeoutExpired())

	err := n.StartViewChange()
	require.True(t, IsBenign(err), "unexpected error: %v", err)

	s := n.State()
	assert.Equal(t, ViewChanging, s.Mode)
	assert.Equal(t, uint64(1), s.TargetView())
	assert.Equal(t, uint64(0), s.View)
	assert.False(t, n.CheckTimeoutExpired(), "timer re-armed")

	vc, ok := svc.lastBroadcast().(*ViewChangeMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(1), vc.View)
	assert.Equal(t, types.PeerID("c"), vc.SignerID)
	assert.Empty(t, vc.CheckpointMessages)

	// a second expiry targets the next view
	clock.Advance(DefaultConfig().MessageTimeout)
	require.True(t, n.CheckTimeoutExpired())
	_ = n.StartViewChange()
	assert.Equal(t, uint64(2), s.TargetView())
}

func TestViewChangeQuorumAdoptsView(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.NoError(t, n.OnBlockNew(block1))
	_ = deliver(n, phaseMsg(PrePrepare, 0, 1, "a", block1))
	require.Equal(t, Preparing, n.State().Phase)

	require.True(t, IsBenign(n.StartViewChange()))
	require.True(t, IsBenign(deliver(n, NewViewChangeMessage(1, 0, "c", nil))))

	// phase messages for the old view are ignored while changing views
	require.NoError(t, deliver(n, phaseMsg(Prepare, 0, 1, "c", block1)))
	assert.Equal(t, 0, n.BacklogLen())

	err := deliver(n, NewViewChangeMessage(1, 0, "d", nil))
	require.True(t, err == nil || IsBenign(err), "unexpected error: %v", err)

	s := n.State()
	assert.Equal(t, uint64(1), s.View)
	assert.Equal(t, Normal, s.Mode)
	assert.Equal(t, uint64(0), s.ViewChangeRound)
	assert.True(t, s.IsPrimary())

	// the new primary re-proposes the known candidate
	pp, ok := svc.broadcasts[len(svc.broadcasts)-2].(*PbftMessage)
	require.True(t, ok)
	assert.Equal(t, PrePrepare, pp.MsgType)
	assert.Equal(t, uint64(1), pp.View)
	assert.Equal(t, block1, pp.Block)
	assert.Equal(t, Preparing, s.Phase)
}

func TestNewPrimaryInitializesWithoutCandidate(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.True(t, IsBenign(n.StartViewChange()))
	_ = deliver(n, NewViewChangeMessage(1, 0, "a", nil))
	_ = deliver(n, NewViewChangeMessage(1, 0, "d", nil))

	assert.Equal(t, uint64(1), n.State().View)
	assert.Equal(t, []types.BlockID{"genesis"}, svc.initialized)
}

func TestDeposedPrimaryCancelsBlock(t *testing.T) {
	n, svc, _ := newTestNode(t, "a")
	require.True(t, IsBenign(n.StartViewChange()))
	_ = deliver(n, NewViewChangeMessage(1, 0, "b", nil))
	_ = deliver(n, NewViewChangeMessage(1, 0, "c", nil))

	assert.Equal(t, uint64(1), n.State().View)
	assert.False(t, n.State().IsPrimary())
	assert.Equal(t, 1, svc.cancelled)
}

func TestViewChangeJoinsAfterFPlusOne(t *testing.T) {
	n, svc, _ := newTestNode(t, "d")

	err := deliver(n, NewViewChangeMessage(1, 0, "a", nil))
	var wrongNum *WrongNumMessagesError
	require.ErrorAs(t, err, &wrongNum)
	assert.Equal(t, Normal, n.State().Mode)

	// f+1 = 2 votes: join, which makes 3 = 2f+1 and completes the change
	_ = deliver(n, NewViewChangeMessage(1, 0, "b", nil))
	assert.Equal(t, uint64(1), n.State().View)
	assert.Equal(t, Normal, n.State().Mode)
	assert.Contains(t, svc.broadcastTypes(), ViewChange)
}

func TestStaleViewChangeDropped(t *testing.T) {
	n, _, _ := newTestNode(t, "d")
	assert.NoError(t, deliver(n, NewViewChangeMessage(0, 0, "a", nil)))
	assert.Empty(t, n.Log().ViewChangeTargets())
}

func TestConflictingCertificatesReported(t *testing.T) {
	n, _, _ := newTestNode(t, "d")
	require.True(t, IsBenign(n.StartViewChange()))

	certA := commitCert(block1, 0, "a", "b", "c")
	certB := commitCert(block1b, 0, "b", "c", "d")

	require.True(t, IsBenign(deliver(n, NewViewChangeMessage(1, 1, "a", certA))))
	err := deliver(n, NewViewChangeMessage(1, 1, "c", certB))
	require.ErrorIs(t, err, ErrConflictingCertificate)
	require.ErrorIs(t, err, ErrProtocolViolation)

	assert.Equal(t, uint64(0), n.State().View)
	assert.Equal(t, ViewChanging, n.State().Mode)
}

func TestInvalidCheckpointRejected(t *testing.T) {
	n, _, _ := newTestNode(t, "d")

	tests := []struct {
		name string
		cert []*PbftMessage
		seq  uint64
	}{
		{"too few signers", commitCert(block1, 0, "a", "b"), 1},
		{"duplicate signer", commitCert(block1, 0, "a", "b", "b"), 1},
		{"non-member", commitCert(block1, 0, "a", "b", "z"), 1},
		{"seq mismatch", commitCert(block1, 0, "a", "b", "c"), 0},
		{"prepare messages", []*PbftMessage{
			NewPbftMessage(Prepare, 0, 1, "a", block1),
			NewPbftMessage(Prepare, 0, 1, "b", block1),
			NewPbftMessage(Prepare, 0, 1, "c", block1),
		}, 1},
		{"mixed blocks", append(commitCert(block1, 0, "a", "b"), commitCert(block1b, 0, "c")...), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.validateCheckpoint(NewViewChangeMessage(1, tt.seq, "a", tt.cert))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	assert.NoError(t, n.validateCheckpoint(NewViewChangeMessage(1, 1, "a", commitCert(block1, 0, "a", "b", "c"))))
	assert.NoError(t, n.validateCheckpoint(NewViewChangeMessage(1, 0, "a", nil)))
}

func TestViewChangeResumesFromCheckpoint(t *testing.T) {
	n, svc, _ := newTestNode(t, "d")
	require.NoError(t, n.OnBlockNew(block1))
	require.True(t, IsBenign(n.StartViewChange()))

	cert := commitCert(block1, 0, "a", "b", "c")
	_ = deliver(n, NewViewChangeMessage(1, 1, "a", cert))
	_ = deliver(n, NewViewChangeMessage(1, 1, "b", cert))

	s := n.State()
	assert.Equal(t, uint64(1), s.View)
	assert.Equal(t, Finishing, s.Phase)
	assert.Equal(t, []types.BlockID{"block-1"}, svc.commits)

	require.NoError(t, n.OnBlockCommit(block1.BlockID))
	assert.Equal(t, uint64(2), s.SeqNum)
	assert.Len(t, s.Checkpoint, 3)
}

func TestInvalidWorkingBlockStartsViewChange(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.NoError(t, n.OnBlockNew(block1))
	_ = deliver(n, phaseMsg(PrePrepare, 0, 1, "a", block1))
	require.Equal(t, Preparing, n.State().Phase)

	err := n.OnBlockInvalid(block1.BlockID)
	require.True(t, IsBenign(err), "unexpected error: %v", err)

	assert.Equal(t, []types.BlockID{"block-1"}, svc.failed)
	assert.Equal(t, ViewChanging, n.State().Mode)
	_, ok := svc.lastBroadcast().(*ViewChangeMessage)
	assert.True(t, ok)
}

func TestInvalidOtherBlockOnlyFails(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.NoError(t, n.OnBlockNew(block1))

	require.NoError(t, n.OnBlockInvalid(block1b.BlockID))
	assert.Equal(t, Normal, n.State().Mode)
	assert.Equal(t, []types.BlockID{"block-1b"}, svc.failed)
}

// prePrepareIn returns the first pre-prepare the node broadcast for view.
func prePrepareIn(svc *fakeService, view uint64) *PbftMessage {
	for _, m := range svc.broadcasts {
		if pp, ok := m.(*PbftMessage); ok && pp.MsgType == PrePrepare && pp.View == view {
			return pp
		}
	}
	return nil
}

func TestPreparedBlockSurvivesViewChange(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.NoError(t, n.OnBlockNew(block1))
	require.NoError(t, n.OnBlockNew(block1c))
	require.NoError(t, n.OnBlockValid(block1.BlockID))
	_ = deliver(n, phaseMsg(PrePrepare, 0, 1, "a", block1))
	_ = deliver(n, phaseMsg(Prepare, 0, 1, "a", block1))
	_ = deliver(n, phaseMsg(Prepare, 0, 1, "c", block1))
	require.Equal(t, Committing, n.State().Phase)

	require.True(t, IsBenign(n.StartViewChange()))
	vote, ok := svc.lastBroadcast().(*ViewChangeMessage)
	require.True(t, ok)
	require.Len(t, vote.PreparedMessages, 3)
	for _, m := range vote.PreparedMessages {
		assert.Equal(t, Prepare, m.MsgType)
		assert.Equal(t, uint64(0), m.View)
		assert.Equal(t, block1, m.Block)
	}

	_ = deliver(n, NewViewChangeMessage(1, 0, "c", nil))
	err := deliver(n, NewViewChangeMessage(1, 0, "d", nil))
	require.True(t, err == nil || IsBenign(err), "unexpected error: %v", err)

	// b leads view 1 and must re-propose the prepared block, not its own
	s := n.State()
	require.Equal(t, uint64(1), s.View)
	require.True(t, s.IsPrimary())
	pp := prePrepareIn(svc, 1)
	require.NotNil(t, pp)
	assert.Equal(t, block1, pp.Block)
	assert.Empty(t, svc.initialized)

	// the round completes in the new view on the same block
	for _, p := range []types.PeerID{"c", "d"} {
		_ = deliver(n, phaseMsg(Prepare, 1, 1, p, block1))
	}
	for _, p := range []types.PeerID{"c", "d"} {
		_ = deliver(n, phaseMsg(Commit, 1, 1, p, block1))
	}
	assert.Equal(t, Finishing, s.Phase)
	assert.Equal(t, []types.BlockID{"block-1"}, svc.commits)
}

func TestNewPrimaryWaitsForPreparedBlock(t *testing.T) {
	n, svc, _ := newTestNode(t, "b")
	require.NoError(t, n.OnBlockNew(block1c))
	require.True(t, IsBenign(n.StartViewChange()))

	// a prepared block-1 in view 0, which b never received
	_ = deliver(n, votePrepared(NewViewChangeMessage(1, 0, "a", nil), prepareCert(block1, 0, "a", "c", "d")))
	_ = deliver(n, NewViewChangeMessage(1, 0, "c", nil))

	s := n.State()
	require.Equal(t, uint64(1), s.View)
	assert.Equal(t, NotStarted, s.Phase)
	assert.Nil(t, prePrepareIn(svc, 1), "own block must not replace the prepared one")
	assert.Empty(t, svc.initialized)

	err := n.OnBlockNew(block1)
	require.True(t, err == nil || IsBenign(err), "unexpected error: %v", err)
	pp := prePrepareIn(svc, 1)
	require.NotNil(t, pp)
	assert.Equal(t, block1, pp.Block)
	assert.Equal(t, Preparing, s.Phase)
}

func TestConflictingPreparedBlocksReported(t *testing.T) {
	n, _, _ := newTestNode(t, "b")
	require.True(t, IsBenign(n.StartViewChange()))

	_ = deliver(n, votePrepared(NewViewChangeMessage(1, 0, "a", nil), prepareCert(block1, 0, "a", "c", "d")))
	err := deliver(n, votePrepared(NewViewChangeMessage(1, 0, "c", nil), prepareCert(block1b, 0, "a", "c", "d")))
	require.ErrorIs(t, err, ErrConflictingCertificate)
	assert.Equal(t, uint64(0), n.State().View)
}

func TestInvalidPreparedCertificateRejected(t *testing.T) {
	n, _, _ := newTestNode(t, "d")

	tests := []struct {
		name string
		cert []*PbftMessage
	}{
		{"too few signers", prepareCert(block1, 0, "a", "b")},
		{"duplicate signer", prepareCert(block1, 0, "a", "b", "b")},
		{"non-member", prepareCert(block1, 0, "a", "b", "z")},
		{"wrong seq_num", prepareCert(block2, 0, "a", "b", "c")},
		{"not from an earlier view", prepareCert(block1, 1, "a", "b", "c")},
		{"mixed types", append(prepareCert(block1, 0, "a", "b"), commitCert(block1, 0, "c")...)},
		{"pre-prepare messages", []*PbftMessage{
			NewPbftMessage(PrePrepare, 0, 1, "a", block1),
			NewPbftMessage(PrePrepare, 0, 1, "b", block1),
			NewPbftMessage(PrePrepare, 0, 1, "c", block1),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vote := votePrepared(NewViewChangeMessage(1, 0, "a", nil), tt.cert)
			assert.ErrorIs(t, n.validatePrepared(vote), ErrInvalidMessage)
		})
	}

	for _, cert := range [][]*PbftMessage{prepareCert(block1, 0, "a", "b", "c"), commitCert(block1, 0, "a", "b", "c"), nil} {
		assert.NoError(t, n.validatePrepared(votePrepared(NewViewChangeMessage(1, 0, "a", nil), cert)))
	}
}
