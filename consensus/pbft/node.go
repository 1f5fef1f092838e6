package pbft

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-engine/metrics"
	"github.com/ahwlsqja/pbft-engine/types"
)

// Metrics is the instrumentation surface used by the node and the engine loop.
// *metrics.Metrics and *metrics.NullMetrics implement it.
type Metrics interface {
	StartConsensusRound(seqNum uint64)
	EndConsensusRound(seqNum uint64)
	SetBlockHeight(height uint64)
	SetCurrentView(view uint64)
	IncrementMessagesSent(msgType string)
	IncrementMessagesReceived(msgType string)
	RecordMessageProcessingTime(kind string, d time.Duration)
	IncrementViewChanges()
	SetBacklogSize(n int)
	IncrementProtocolViolations(kind string)
}

type options struct {
	logger  *zap.Logger
	metrics Metrics
	clock   Clock
}

// Option configures a Node or an Engine.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the wall clock used by timeouts and tickers.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  zap.NewNop(),
		metrics: &metrics.NullMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Node is the PBFT state machine of one validator. It owns its State, MessageLog and
// Backlog and is driven by the engine loop; it is not safe for concurrent use.
type Node struct {
	state   *State
	cfg     Config
	service Service
	msgLog  *MessageLog
	backlog *Backlog
	logger  *zap.Logger
	metrics Metrics

	// Blocks announced by the host, in arrival order.
	known  map[types.BlockID]types.Block
	order  []types.BlockID
	valid  map[types.BlockID]bool // 호스트가 검증을 마친 블록
	failed map[types.BlockID]bool

	// seq_num -> block whose commit was requested, and the certificate that allowed it
	committed map[uint64]types.Block
	certs     map[uint64][]*PbftMessage

	// Quorum proving the block this node prepared at seq_num, carried in view change votes.
	prepared []*PbftMessage
	// Block a new view must agree on at seq_num, taken from the votes that formed it.
	locked *types.Block

	connected map[types.PeerID]bool // 현재 연결된 피어

	// Primary bookkeeping for the host's block builder.
	building       bool
	needInitialize bool
}

// NewNode creates the state machine from the startup snapshot. The membership is
// cfg.Members when set, otherwise the deduplicated startup peers with the local peer last.
func NewNode(cfg Config, startup StartupState, service Service, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	local := startup.LocalPeerInfo.PeerID
	ids := make([]types.PeerID, 0, len(startup.Peers))
	for _, p := range startup.Peers {
		ids = append(ids, p.PeerID)
	}
	peers, index := types.StartupPeers(ids, local)
	if len(cfg.Members) > 0 {
		peers = types.PeerSet(cfg.Members).Clone()
		if i := peers.IndexOf(local); i >= 0 {
			index = uint64(i)
		}
	}
	if peers.Size() < 4 {
		return nil, wrapConfigf("at least 4 peers are required for BFT, got %d", peers.Size())
	}

	head := startup.ChainHead
	n := &Node{
		state:     NewState(local, index, peers, head, NewTimeout(cfg.MessageTimeout, o.clock)),
		cfg:       cfg,
		service:   service,
		msgLog:    NewMessageLog(),
		backlog:   NewBacklog(cfg.MaxLogSize),
		logger:    o.logger.With(zap.Stringer("node", local)),
		metrics:   o.metrics,
		known:     map[types.BlockID]types.Block{head.BlockID: head},
		valid:     map[types.BlockID]bool{head.BlockID: true},
		failed:    make(map[types.BlockID]bool),
		committed: make(map[uint64]types.Block),
		certs:     make(map[uint64][]*PbftMessage),
		connected: make(map[types.PeerID]bool),
	}
	for _, id := range ids {
		n.connected[id] = true
	}
	return n, nil
}

// State returns the node's state. Callers must not mutate it.
func (n *Node) State() *State {
	return n.state
}

// Log returns the node's message log.
func (n *Node) Log() *MessageLog {
	return n.msgLog
}

// BacklogLen returns the number of deferred messages.
func (n *Node) BacklogLen() int {
	return n.backlog.Len()
}

// Start arms the progress timer and, on the primary, asks the host to start a block.
func (n *Node) Start() error {
	s := n.state
	s.IdleTimeout.Start()
	n.metrics.SetCurrentView(s.View)
	n.metrics.SetBlockHeight(s.LastCommitted.BlockNum)
	n.logger.Info("node started",
		zap.Stringer("state", s),
		zap.Uint64("index", s.Index),
		zap.Int("peers", s.Peers.Size()),
		zap.Int("quorum", s.Quorum()),
		zap.Stringer("primary", s.Primary()))

	if s.IsPrimary() {
		return n.initializeBlock()
	}
	return nil
}

func (n *Node) fields(extra ...zap.Field) []zap.Field {
	s := n.state
	return append([]zap.Field{
		zap.Uint64("view", s.View),
		zap.Uint64("seq_num", s.SeqNum),
		zap.Stringer("phase", s.Phase),
	}, extra...)
}

// OnBlockNew registers a candidate block and requests its validation.
func (n *Node) OnBlockNew(block types.Block) error {
	s := n.state
	if block.BlockNum < s.SeqNum {
		return notReadyf("block %s at %d is behind seq_num %d", block.BlockID, block.BlockNum, s.SeqNum)
	}
	if existing, ok := n.known[block.BlockID]; ok {
		if existing.Equal(block) {
			return nil
		}
		return n.rejectBlock(block, wrapInvalidMessagef("block %s announced with different content", block.BlockID))
	}
	if !s.Peers.Contains(block.SignerID) {
		return n.rejectBlock(block, wrapInvalidMessagef("block %s signed by non-member %s", block.BlockID, block.SignerID))
	}
	// 현재 높이의 블록은 마지막 커밋 블록을 이어야 함
	if block.BlockNum == s.SeqNum && block.PreviousID != s.LastCommitted.BlockID {
		return n.rejectBlock(block, wrapProtocolf("block %s does not extend last committed %s",
			block.BlockID, s.LastCommitted.BlockID))
	}

	if err := n.service.CheckBlocks([]types.BlockID{block.BlockID}); err != nil {
		return wrapService("check blocks", err)
	}
	n.known[block.BlockID] = block
	n.order = append(n.order, block.BlockID)
	n.logger.Debug("new block", n.fields(zap.Stringer("block", block))...)

	return n.advance()
}

func (n *Node) rejectBlock(block types.Block, cause error) error {
	if err := n.service.FailBlock(block.BlockID); err != nil {
		return multierr.Append(cause, wrapService("fail block", err))
	}
	return cause
}

// OnBlockValid records the host's validation result and re-evaluates the phase.
// Results for blocks the node does not track are ignored.
func (n *Node) OnBlockValid(id types.BlockID) error {
	if _, ok := n.known[id]; !ok {
		n.logger.Debug("validation result for untracked block", n.fields(zap.Stringer("block_id", id))...)
		return nil
	}
	n.valid[id] = true
	return n.advance()
}

// OnBlockInvalid fails the block. If it is the block under agreement the primary proposed
// something the network must not commit, so a view change starts.
func (n *Node) OnBlockInvalid(id types.BlockID) error {
	if err := n.service.FailBlock(id); err != nil {
		return wrapService("fail block", err)
	}
	n.failed[id] = true
	delete(n.valid, id)

	s := n.state
	if id == s.workingID() && s.Phase < Finishing {
		n.logger.Warn("block under agreement is invalid", n.fields(zap.Stringer("block_id", id))...)
		return n.StartViewChange()
	}
	return nil
}

// OnBlockCommit advances to the next sequence number once the host committed the block.
func (n *Node) OnBlockCommit(id types.BlockID) error {
	s := n.state
	block, ok := n.committed[s.SeqNum]
	if !ok || block.BlockID != id {
		if kb, known := n.known[id]; known && kb.BlockNum < s.SeqNum {
			return notReadyf("commit notification for old block %s", id)
		}
		return fmt.Errorf("unexpected commit notification for block %s at seq_num %d", id, s.SeqNum)
	}

	s.LastCommitted = block
	s.Checkpoint = n.certs[s.SeqNum]
	s.SeqNum++
	s.Phase = NotStarted
	s.Working = nil
	s.IdleTimeout.Start()
	n.prepared = nil
	n.locked = nil
	n.pruneBlocks()

	n.metrics.EndConsensusRound(block.BlockNum)
	n.metrics.SetBlockHeight(block.BlockNum)
	n.logger.Info("committed block", n.fields(zap.Stringer("block", block))...)

	// 체크포인트 주기마다 로그 정리
	if s.SeqNum%n.cfg.CheckpointPeriod == 0 {
		pruned := n.msgLog.PruneBelow(block.BlockNum)
		n.logger.Debug("pruned message log", n.fields(zap.Int("pruned", pruned), zap.Int("remaining", n.msgLog.Len()))...)
	}

	var errs error
	if s.IsPrimary() {
		errs = n.initializeBlock()
	}
	return multierr.Append(errs, n.advance())
}

// pruneBlocks forgets blocks at or below the last committed height.
func (n *Node) pruneBlocks() {
	head := n.state.LastCommitted
	order := n.order[:0]
	for _, id := range n.order {
		b := n.known[id]
		if b.BlockNum > head.BlockNum {
			order = append(order, id)
			continue
		}
		delete(n.known, id)
		delete(n.valid, id)
		delete(n.failed, id)
	}
	n.order = order
	n.known[head.BlockID] = head
	for seq := range n.committed {
		if seq < head.BlockNum {
			delete(n.committed, seq)
			delete(n.certs, seq)
		}
	}
}

func (n *Node) initializeBlock() error {
	if err := n.service.InitializeBlock(n.state.LastCommitted.BlockID); err != nil {
		n.needInitialize = true
		return wrapService("initialize block", err)
	}
	n.needInitialize = false
	n.building = true
	return nil
}

// TryPublish asks the host to seal the primary's block. Only one round is in flight at a
// time: nothing happens unless the primary is idle at the current sequence number.
func (n *Node) TryPublish() error {
	s := n.state
	if !s.IsPrimary() || s.Mode != Normal {
		return nil
	}
	if n.needInitialize {
		return n.initializeBlock()
	}
	if s.Phase != NotStarted || !n.building {
		return nil
	}

	id, err := n.service.FinalizeBlock(EncodeSeal(s.Checkpoint))
	if errors.Is(err, ErrBlockNotReady) {
		// 아직 블록이 준비 안 됨, 다음 틱에 재시도
		return nil
	}
	if err != nil {
		return wrapService("finalize block", err)
	}
	n.building = false
	n.logger.Debug("published block", n.fields(zap.Stringer("block_id", id))...)
	return nil
}

// CheckTimeoutExpired reports whether the current phase made no progress in time.
func (n *Node) CheckTimeoutExpired() bool {
	return n.state.IdleTimeout.CheckExpired()
}

// OnPeerMessage decodes and handles a message delivered by sender.
func (n *Node) OnPeerMessage(payload []byte, sender types.PeerID) error {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	n.metrics.IncrementMessagesReceived(msg.Info().MsgType.String())
	return n.handleMessage(msg, sender)
}

func (n *Node) handleMessage(msg Message, sender types.PeerID) error {
	var err error
	switch m := msg.(type) {
	case *PbftMessage:
		err = n.handlePhaseMessage(m, sender)
	case *ViewChangeMessage:
		err = n.handleViewChange(m, sender)
	case *NetworkChangeMessage:
		err = n.handleNetworkChange(m, sender)
	default:
		err = wrapInvalidMessagef("unsupported message %T", msg)
	}

	if errors.Is(err, ErrNotReadyForMessage) {
		if evicted := n.backlog.Push(msg, sender); evicted != nil {
			n.logger.Warn("backlog full, dropped oldest message", n.fields(zap.Stringer("dropped", evicted.Info()))...)
		}
		n.metrics.SetBacklogSize(n.backlog.Len())
	}
	return err
}

// RetryBacklog re-feeds deferred messages in arrival order. Messages that are still
// premature return to the backlog in the same order.
func (n *Node) RetryBacklog() error {
	entries := n.backlog.drain()
	var errs error
	for _, e := range entries {
		if err := n.handleMessage(e.msg, e.sender); err != nil && !IsBenign(err) {
			errs = multierr.Append(errs, err)
		}
	}
	n.metrics.SetBacklogSize(n.backlog.Len())
	return errs
}

func (n *Node) checkSigner(signer, sender types.PeerID) error {
	if signer != sender {
		return wrapInvalidMessagef("message signed by %s delivered by %s", signer, sender)
	}
	if !n.state.Peers.Contains(signer) {
		return wrapInvalidMessagef("signer %s is not a member", signer)
	}
	return nil
}

func (n *Node) handlePhaseMessage(msg *PbftMessage, sender types.PeerID) error {
	if err := n.checkSigner(msg.SignerID, sender); err != nil {
		return err
	}
	if msg.Block.BlockNum != msg.SeqNum {
		return wrapInvalidMessagef("%s carries block at height %d", msg.Info(), msg.Block.BlockNum)
	}

	s := n.state
	if s.Mode == ViewChanging {
		if msg.View <= s.View {
			n.logger.Debug("dropping phase message during view change", n.fields(zap.Stringer("msg", msg.Info()))...)
			return nil
		}
		return notReadyf("%s is for a future view", msg.Info())
	}
	if msg.View < s.View || msg.SeqNum < s.SeqNum {
		n.logger.Debug("dropping stale message", n.fields(zap.Stringer("msg", msg.Info()))...)
		return nil
	}
	if msg.View > s.View || msg.SeqNum > s.SeqNum {
		return notReadyf("%s is ahead of the node", msg.Info())
	}
	// pre-prepare는 현 뷰의 프라이머리만 보낼 수 있음
	if msg.MsgType == PrePrepare && msg.SignerID != s.Primary() {
		return wrapInvalidMessagef("pre-prepare from %s, primary is %s", msg.SignerID, s.Primary())
	}

	block, ok := n.known[msg.Block.BlockID]
	if !ok {
		return notReadyf("%s references unknown block %s", msg.Info(), msg.Block.BlockID)
	}
	if !block.Equal(msg.Block) {
		return wrapInvalidMessagef("%s carries a block that differs from the local copy", msg.Info())
	}

	if err := n.msgLog.Record(msg); err != nil {
		return err
	}
	return n.advance()
}

// advance applies phase transitions until none is possible. Every transition re-arms the
// progress timer.
func (n *Node) advance() error {
	for {
		progressed, err := n.step()
		if err != nil || !progressed {
			return err
		}
		n.state.IdleTimeout.Start()
	}
}

func (n *Node) step() (bool, error) {
	s := n.state
	if s.Mode != Normal {
		return false, nil
	}

	switch s.Phase {
	case NotStarted:
		if _, ok := n.candidate(""); ok {
			s.Phase = PrePreparing
			n.metrics.StartConsensusRound(s.SeqNum)
			return true, nil
		}
	case PrePreparing:
		if progressed, err := n.catchUp(); progressed || err != nil {
			return progressed, err
		}
		if pp := n.prePrepare(); pp != nil {
			return n.acceptPrePrepare(pp)
		}
		if s.IsPrimary() {
			return n.propose()
		}
	case Preparing:
		return n.checkPrepared()
	case Committing:
		return n.checkCommitted()
	}
	return false, nil
}

// candidate returns the first known, not failed block at seq_num that extends the last
// committed block, preferring one signed by prefer. When the current view inherited a
// prepared block for seq_num, that block is the only candidate.
func (n *Node) candidate(prefer types.PeerID) (types.Block, bool) {
	s := n.state
	if l := n.locked; l != nil && l.BlockNum == s.SeqNum {
		b, ok := n.known[l.BlockID]
		if !ok || !b.Equal(*l) || n.failed[l.BlockID] {
			return types.Block{}, false
		}
		return b, true
	}
	var (
		first types.Block
		found bool
	)
	for _, id := range n.order {
		b := n.known[id]
		if b.BlockNum != s.SeqNum || b.PreviousID != s.LastCommitted.BlockID || n.failed[id] {
			continue
		}
		if prefer == "" || b.SignerID == prefer {
			return b, true
		}
		if !found {
			first, found = b, true
		}
	}
	return first, found
}

func (n *Node) prePrepare() *PbftMessage {
	s := n.state
	for _, m := range n.msgLog.Messages(s.View, s.SeqNum, PrePrepare) {
		if m.SignerID == s.Primary() {
			return m
		}
	}
	return nil
}

func (n *Node) propose() (bool, error) {
	s := n.state
	block, ok := n.candidate(s.ID)
	if !ok {
		return false, nil
	}
	pp := NewPbftMessage(PrePrepare, s.View, s.SeqNum, s.ID, block)
	if err := n.broadcast(pp); err != nil {
		return false, err
	}
	if err := n.msgLog.Record(pp); err != nil {
		return false, err
	}
	n.logger.Debug("proposed block", n.fields(zap.Stringer("block_id", block.BlockID))...)
	return true, nil
}

func (n *Node) acceptPrePrepare(pp *PbftMessage) (bool, error) {
	s := n.state
	block := pp.Block
	if block.PreviousID != s.LastCommitted.BlockID {
		return false, wrapProtocolf("pre-prepared block %s does not extend %s", block.BlockID, s.LastCommitted.BlockID)
	}
	if n.failed[block.BlockID] {
		n.logger.Warn("primary proposed an invalid block", n.fields(zap.Stringer("block_id", block.BlockID))...)
		return false, n.StartViewChange()
	}

	prepare := NewPbftMessage(Prepare, s.View, s.SeqNum, s.ID, block)
	if err := n.broadcast(prepare); err != nil {
		return false, err
	}
	if err := n.msgLog.Record(prepare); err != nil {
		return false, err
	}
	s.SetWorking(block)
	s.Phase = Preparing
	return true, nil
}

// catchUp moves a node that missed the pre-prepare straight to Committing when a commit
// quorum for a known, locally valid block exists.
func (n *Node) catchUp() (bool, error) {
	s := n.state
	block, ok := n.msgLog.QuorumFor(s.View, s.SeqNum, Commit, s.Quorum())
	if !ok || !n.valid[block.BlockID] {
		return false, nil
	}
	if local, known := n.known[block.BlockID]; !known || !local.Equal(block) {
		return false, nil
	}
	if err := n.sendCommit(block); err != nil {
		return false, err
	}
	s.SetWorking(block)
	n.prepared = n.msgLog.MessagesForBlock(s.View, s.SeqNum, Commit, block)
	return true, nil
}

func (n *Node) checkPrepared() (bool, error) {
	s := n.state
	w := *s.Working
	prepares := n.msgLog.CountFor(s.View, s.SeqNum, Prepare, w)
	commits := n.msgLog.CountFor(s.View, s.SeqNum, Commit, w)
	// 2f+1 prepare 또는 2f+1 commit
	if prepares < s.Quorum() && commits < s.Quorum() {
		return false, wrongNumMessages(Prepare, s.Quorum(), s.Quorum(), prepares)
	}
	if !n.valid[w.BlockID] {
		n.logger.Debug("prepared, waiting for block validation", n.fields(zap.Stringer("block_id", w.BlockID))...)
		return false, nil
	}
	if err := n.sendCommit(w); err != nil {
		return false, err
	}
	if prepares >= s.Quorum() {
		n.prepared = n.msgLog.MessagesForBlock(s.View, s.SeqNum, Prepare, w)
	} else {
		n.prepared = n.msgLog.MessagesForBlock(s.View, s.SeqNum, Commit, w)
	}
	return true, nil
}

// sendCommit broadcasts and records a commit for block, then moves to Committing.
func (n *Node) sendCommit(block types.Block) error {
	s := n.state
	commit := NewPbftMessage(Commit, s.View, s.SeqNum, s.ID, block)
	if err := n.broadcast(commit); err != nil {
		return err
	}
	if err := n.msgLog.Record(commit); err != nil {
		return err
	}
	s.Phase = Committing
	return nil
}

func (n *Node) checkCommitted() (bool, error) {
	s := n.state
	quorums := n.msgLog.Quorums(s.View, s.SeqNum, Commit, s.Quorum())
	switch {
	case len(quorums) > 1:
		return false, fmt.Errorf("%w: %d blocks reached commit quorum at view %d seq_num %d",
			ErrConflictingCertificate, len(quorums), s.View, s.SeqNum)
	case len(quorums) == 0:
		return false, wrongNumMessages(Commit, s.Quorum(), s.Quorum(),
			n.msgLog.CountFor(s.View, s.SeqNum, Commit, *s.Working))
	}

	block := quorums[0]
	if !block.Equal(*s.Working) {
		return false, wrapProtocolf("commit quorum for %s while working on %s", block.BlockID, s.Working.BlockID)
	}
	return n.requestCommit(block, n.msgLog.MessagesForBlock(s.View, s.SeqNum, Commit, block))
}

// requestCommit asks the host to commit block at the current sequence number. A second,
// different block for the same sequence number is refused.
func (n *Node) requestCommit(block types.Block, cert []*PbftMessage) (bool, error) {
	s := n.state
	// 같은 높이에 다른 블록은 절대 커밋하지 않음
	if prev, ok := n.committed[s.SeqNum]; ok && !prev.Equal(block) {
		return false, wrapProtocolf("seq_num %d already committed %s, refusing %s", s.SeqNum, prev.BlockID, block.BlockID)
	}
	if err := n.service.CommitBlock(block.BlockID); err != nil {
		return false, wrapService("commit block", err)
	}
	n.committed[s.SeqNum] = block
	n.certs[s.SeqNum] = cert
	s.SetWorking(block)
	s.Phase = Finishing
	return true, nil
}

func (n *Node) broadcast(msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := n.service.Broadcast(payload); err != nil {
		return wrapService("broadcast", err)
	}
	n.metrics.IncrementMessagesSent(msg.Info().MsgType.String())
	return nil
}
