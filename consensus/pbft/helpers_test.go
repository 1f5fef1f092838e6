package pbft

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-engine/types"
)

var (
	testMembers = []types.PeerID{"a", "b", "c", "d"}

	genesis = types.Block{BlockID: "genesis", BlockNum: 0}
	block1  = types.Block{BlockID: "block-1", BlockNum: 1, SignerID: "a", PreviousID: "genesis", Summary: []byte("one")}
	block1b = types.Block{BlockID: "block-1b", BlockNum: 1, SignerID: "a", PreviousID: "genesis", Summary: []byte("other")}
	block1c = types.Block{BlockID: "block-1c", BlockNum: 1, SignerID: "b", PreviousID: "genesis", Summary: []byte("from b")}
	block2  = types.Block{BlockID: "block-2", BlockNum: 2, SignerID: "a", PreviousID: "block-1", Summary: []byte("two")}
)

// fakeService records every call the node makes.
type fakeService struct {
	mu sync.Mutex

	broadcasts  []Message
	sent        map[types.PeerID][][]byte
	initialized []types.BlockID
	finalized   int
	cancelled   int
	checked     []types.BlockID
	commits     []types.BlockID
	failed      []types.BlockID

	head     types.Block
	settings map[string]string

	finalizeID   types.BlockID
	finalizeErr  error
	broadcastErr error
	commitErr    error
}

func newFakeService() *fakeService {
	return &fakeService{
		head:       genesis,
		settings:   map[string]string{SettingMembers: FormatMembers(testMembers)},
		finalizeID: block1.BlockID,
		sent:       make(map[types.PeerID][][]byte),
	}
}

func (f *fakeService) Broadcast(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeService) SendTo(peer types.PeerID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], payload)
	return nil
}

func (f *fakeService) InitializeBlock(previousID types.BlockID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = append(f.initialized, previousID)
	return nil
}

func (f *fakeService) FinalizeBlock(data []byte) (types.BlockID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	f.finalized++
	return f.finalizeID, nil
}

func (f *fakeService) CancelBlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeService) CheckBlocks(ids []types.BlockID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, ids...)
	return nil
}

func (f *fakeService) CommitBlock(id types.BlockID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, id)
	return nil
}

func (f *fakeService) FailBlock(id types.BlockID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeService) GetChainHead() (types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeService) GetSettings(_ types.BlockID, keys []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := f.settings[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// broadcastTypes returns the types of everything broadcast so far.
func (f *fakeService) broadcastTypes() []MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MessageType, 0, len(f.broadcasts))
	for _, m := range f.broadcasts {
		out = append(out, m.Info().MsgType)
	}
	return out
}

func (f *fakeService) lastBroadcast() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func (f *fakeService) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Members = testMembers
	return cfg
}

func startupFor(id types.PeerID) StartupState {
	var peers []PeerInfo
	for _, m := range testMembers {
		if m != id {
			peers = append(peers, PeerInfo{PeerID: m})
		}
	}
	return StartupState{ChainHead: genesis, Peers: peers, LocalPeerInfo: PeerInfo{PeerID: id}}
}

func newTestNode(t *testing.T, id types.PeerID) (*Node, *fakeService, *manualClock) {
	t.Helper()
	svc := newFakeService()
	clock := newManualClock()
	n, err := NewNode(testConfig(), startupFor(id), svc, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	return n, svc, clock
}

func deliver(n *Node, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return n.OnPeerMessage(payload, msg.Info().SignerID)
}

func phaseMsg(t MessageType, view, seq uint64, signer types.PeerID, block types.Block) *PbftMessage {
	return NewPbftMessage(t, view, seq, signer, block)
}

func commitCert(block types.Block, view uint64, signers ...types.PeerID) []*PbftMessage {
	cert := make([]*PbftMessage, 0, len(signers))
	for _, s := range signers {
		cert = append(cert, NewPbftMessage(Commit, view, block.BlockNum, s, block))
	}
	return cert
}

func prepareCert(block types.Block, view uint64, signers ...types.PeerID) []*PbftMessage {
	cert := make([]*PbftMessage, 0, len(signers))
	for _, s := range signers {
		cert = append(cert, NewPbftMessage(Prepare, view, block.BlockNum, s, block))
	}
	return cert
}

func votePrepared(vote *ViewChangeMessage, prepared []*PbftMessage) *ViewChangeMessage {
	vote.PreparedMessages = prepared
	return vote
}

// commitOnBackup drives a backup through a full round for block at view 0.
func commitOnBackup(t *testing.T, n *Node, block types.Block, others ...types.PeerID) {
	t.Helper()
	require.NoError(t, n.OnBlockNew(block))
	require.NoError(t, n.OnBlockValid(block.BlockID))

	s := n.State()
	_ = deliver(n, phaseMsg(PrePrepare, s.View, s.SeqNum, s.Primary(), block))
	for _, p := range others {
		_ = deliver(n, phaseMsg(Prepare, s.View, block.BlockNum, p, block))
	}
	for _, p := range others {
		_ = deliver(n, phaseMsg(Commit, s.View, block.BlockNum, p, block))
	}
	require.Equal(t, Finishing, s.Phase)
	require.NoError(t, n.OnBlockCommit(block.BlockID))
}
