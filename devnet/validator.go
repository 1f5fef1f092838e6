package devnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/persistence"
	"github.com/ahwlsqja/pbft-engine/types"
)

// Validator is a simulated host validator. It implements pbft.Service for one engine.
type Validator struct {
	mu sync.Mutex

	id      types.PeerID
	net     *Network
	inbox   *mailbox
	logger  *zap.Logger
	startup pbft.StartupState

	store  persistence.Store
	head   types.Block
	blocks map[types.BlockID]types.Block
	failed map[types.BlockID]bool

	building      bool
	buildOn       types.BlockID
	buildStarted  time.Time
	silent        bool
	commitAttempt map[uint64]int
}

// newValidator opens the validator's chain from store, writing genesis into an empty one.
func newValidator(id types.PeerID, net *Network, genesis types.Block, store persistence.Store, logger *zap.Logger) (*Validator, error) {
	v := &Validator{
		id:            id,
		net:           net,
		inbox:         newMailbox(),
		logger:        logger,
		store:         store,
		blocks:        make(map[types.BlockID]types.Block),
		failed:        make(map[types.BlockID]bool),
		commitAttempt: make(map[uint64]int),
	}

	latest, err := store.LatestHeight()
	if errors.Is(err, persistence.ErrNotFound) {
		if err := store.SaveBlock(genesis); err != nil {
			return nil, err
		}
		latest, err = 0, nil
	}
	if err != nil {
		return nil, err
	}
	chain, err := store.LoadBlocks(0, latest)
	if err != nil {
		return nil, err
	}
	if !chain[0].Equal(genesis) {
		return nil, fmt.Errorf("stored chain of %s has a different genesis", id)
	}
	for _, b := range chain {
		v.blocks[b.BlockID] = b
	}
	v.head = chain[len(chain)-1]
	return v, nil
}

// ID returns the validator's peer id.
func (v *Validator) ID() types.PeerID {
	return v.id
}

// SetSilent stops (or resumes) everything this validator sends to its peers.
func (v *Validator) SetSilent(silent bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.silent = silent
}

func (v *Validator) isSilent() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.silent
}

// Chain returns the committed chain, genesis first.
func (v *Validator) Chain() []types.Block {
	v.mu.Lock()
	defer v.mu.Unlock()
	chain, err := v.store.LoadBlocks(0, v.head.BlockNum)
	if err != nil {
		v.logger.Error("failed to load chain", zap.Error(err))
	}
	return chain
}

// Height returns the block number of the chain head.
func (v *Validator) Height() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.head.BlockNum
}

// CommitRequests returns how often the engine asked to commit a block at height.
func (v *Validator) CommitRequests(height uint64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commitAttempt[height]
}

func (v *Validator) deliver(u pbft.Update) {
	v.inbox.push(u)
}

// receiveBlock stores a block announced by a peer (or ourselves) and notifies the engine.
func (v *Validator) receiveBlock(b types.Block) {
	v.mu.Lock()
	v.blocks[b.BlockID] = b
	v.mu.Unlock()
	v.deliver(pbft.BlockNew{Block: b})
}

func (v *Validator) Broadcast(payload []byte) error {
	if v.isSilent() {
		return nil
	}
	v.net.broadcast(v.id, payload)
	return nil
}

func (v *Validator) SendTo(peer types.PeerID, payload []byte) error {
	if v.isSilent() {
		return nil
	}
	return v.net.sendTo(v.id, peer, payload)
}

func (v *Validator) InitializeBlock(previousID types.BlockID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.blocks[previousID]; !ok {
		return fmt.Errorf("initialize on unknown block %s", previousID)
	}
	v.building = true
	v.buildOn = previousID
	v.buildStarted = time.Now()
	return nil
}

// FinalizeBlock seals the block under construction once the block interval has passed.
// The summary commits to the consensus data, not the data itself: phase messages carry
// whole blocks, so embedding certificates would nest them without bound.
func (v *Validator) FinalizeBlock(data []byte) (types.BlockID, error) {
	v.mu.Lock()
	if !v.building || time.Since(v.buildStarted) < v.net.cfg.BlockInterval {
		v.mu.Unlock()
		return "", pbft.ErrBlockNotReady
	}
	prev := v.blocks[v.buildOn]
	block := types.Block{
		BlockNum:   prev.BlockNum + 1,
		SignerID:   v.id,
		PreviousID: prev.BlockID,
		Summary:    tmhash.Sum(data),
	}
	block.BlockID = blockID(block)
	v.building = false
	silent := v.silent
	v.mu.Unlock()

	v.logger.Debug("built block", zap.Stringer("block_id", block.BlockID), zap.Uint64("block_num", block.BlockNum))
	if silent {
		v.receiveBlock(block)
	} else {
		v.net.publish(block)
	}
	return block.BlockID, nil
}

func (v *Validator) CancelBlock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.building = false
	return nil
}

// CheckBlocks answers asynchronously, like a real validator would after execution.
func (v *Validator) CheckBlocks(ids []types.BlockID) error {
	for _, id := range ids {
		v.mu.Lock()
		b, ok := v.blocks[id]
		v.mu.Unlock()
		if !ok {
			continue
		}
		if reject := v.net.cfg.Reject; reject != nil && reject(v.id, b) {
			v.deliver(pbft.BlockInvalid{BlockID: id})
			continue
		}
		v.deliver(pbft.BlockValid{BlockID: id})
	}
	return nil
}

func (v *Validator) CommitBlock(id types.BlockID) error {
	v.mu.Lock()
	b, ok := v.blocks[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("commit of unknown block %s", id)
	}
	v.commitAttempt[b.BlockNum]++
	if b.PreviousID != v.head.BlockID || b.BlockNum != v.head.BlockNum+1 {
		v.mu.Unlock()
		return fmt.Errorf("block %s does not extend head %s", id, v.head.BlockID)
	}
	if err := v.store.SaveBlock(b); err != nil {
		v.mu.Unlock()
		return fmt.Errorf("store block %s: %w", id, err)
	}
	v.head = b
	v.mu.Unlock()

	v.logger.Info("committed block", zap.Stringer("block_id", id), zap.Uint64("block_num", b.BlockNum))
	v.deliver(pbft.BlockCommit{BlockID: id})
	return nil
}

func (v *Validator) FailBlock(id types.BlockID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed[id] = true
	return nil
}

func (v *Validator) GetChainHead() (types.Block, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.head, nil
}

func (v *Validator) GetSettings(_ types.BlockID, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if val, ok := v.net.settings[k]; ok {
			out[k] = val
		}
	}
	return out, nil
}

// blockID derives a block id from the block's contents.
func blockID(b types.Block) types.BlockID {
	buf := make([]byte, 0, 64+len(b.Summary))
	buf = append(buf, b.PreviousID...)
	buf = binary.BigEndian.AppendUint64(buf, b.BlockNum)
	buf = append(buf, b.SignerID...)
	buf = append(buf, b.Summary...)
	return types.BlockID(tmhash.Sum(buf))
}

var _ pbft.Service = (*Validator)(nil)
