// Package devnet runs several PBFT engines in one process against simulated validators
// that share an in-memory network.
package devnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/persistence"
	"github.com/ahwlsqja/pbft-engine/types"
)

// Config describes a simulated network.
type Config struct {
	Nodes         int
	BlockInterval time.Duration

	// Settings are extra on-chain settings; the member list is always filled in.
	Settings map[string]string

	// Reject decides whether validator rejects block. Nil accepts everything.
	Reject func(validator types.PeerID, block types.Block) bool

	// NodeOptions returns extra engine options for the i-th validator.
	NodeOptions func(i int) []pbft.Option

	// Store opens the chain store of the i-th validator. Nil keeps chains in memory.
	Store func(i int) (persistence.Store, error)

	Logger *zap.Logger
}

// DefaultConfig is a four node network producing a block every 200ms.
func DefaultConfig() Config {
	return Config{
		Nodes:         4,
		BlockInterval: 200 * time.Millisecond,
	}
}

// Network owns the validators and routes their traffic.
type Network struct {
	cfg        Config
	settings   map[string]string
	genesis    types.Block
	validators []*Validator
	byID       map[types.PeerID]*Validator
	logger     *zap.Logger
}

// PeerIDFor derives the peer id of the i-th validator.
func PeerIDFor(i int) types.PeerID {
	return types.PeerID(tmhash.SumTruncated([]byte(fmt.Sprintf("devnet-validator-%d", i))))
}

// New builds a network of cfg.Nodes validators on a shared genesis block.
func New(cfg Config) (*Network, error) {
	if cfg.Nodes < 4 {
		return nil, fmt.Errorf("%w: devnet needs at least 4 nodes, got %d", pbft.ErrConfig, cfg.Nodes)
	}
	if cfg.BlockInterval <= 0 {
		return nil, fmt.Errorf("%w: block interval must be positive", pbft.ErrConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	genesis := types.Block{BlockNum: 0, Summary: []byte("devnet genesis")}
	genesis.BlockID = blockID(genesis)

	members := make([]types.PeerID, cfg.Nodes)
	for i := range members {
		members[i] = PeerIDFor(i)
	}
	settings := map[string]string{}
	for k, v := range cfg.Settings {
		settings[k] = v
	}
	settings[pbft.SettingMembers] = pbft.FormatMembers(members)

	n := &Network{
		cfg:      cfg,
		settings: settings,
		genesis:  genesis,
		byID:     make(map[types.PeerID]*Validator, cfg.Nodes),
		logger:   cfg.Logger.Named("devnet"),
	}
	for i, id := range members {
		var store persistence.Store = persistence.NewMemoryStore()
		if cfg.Store != nil {
			s, err := cfg.Store(i)
			if err != nil {
				return nil, fmt.Errorf("open store for node %d: %w", i, err)
			}
			store = s
		}
		v, err := newValidator(id, n, genesis, store, n.logger.With(zap.Int("node", i), zap.Stringer("peer", id)))
		if err != nil {
			return nil, err
		}
		var peers []pbft.PeerInfo
		for _, p := range members {
			if p != id {
				peers = append(peers, pbft.PeerInfo{PeerID: p})
			}
		}
		v.startup = pbft.StartupState{ChainHead: v.head, Peers: peers, LocalPeerInfo: pbft.PeerInfo{PeerID: id}}
		n.validators = append(n.validators, v)
		n.byID[id] = v
	}
	return n, nil
}

// Validators returns the validators in member order.
func (n *Network) Validators() []*Validator {
	return n.validators
}

// Validator returns the i-th validator.
func (n *Network) Validator(i int) *Validator {
	return n.validators[i]
}

// Genesis returns the shared genesis block.
func (n *Network) Genesis() types.Block {
	return n.genesis
}

// Run starts one engine per validator and blocks until every engine has stopped, ctx is
// cancelled, or an engine fails.
func (n *Network) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	boxCtx, stopBoxes := context.WithCancel(gctx)
	defer stopBoxes()

	var boxes sync.WaitGroup
	for i, v := range n.validators {
		i, v := i, v
		boxes.Add(1)
		go func() {
			defer boxes.Done()
			v.inbox.run(boxCtx)
		}()
		g.Go(func() error {
			opts := []pbft.Option{pbft.WithLogger(v.logger.Named("engine"))}
			if n.cfg.NodeOptions != nil {
				opts = append(opts, n.cfg.NodeOptions(i)...)
			}
			if err := pbft.NewEngine(opts...).Start(gctx, v.inbox.out, v, v.startup); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			return nil
		})
	}
	n.logger.Info("devnet running", zap.Int("nodes", len(n.validators)), zap.Duration("block_interval", n.cfg.BlockInterval))

	err := g.Wait()
	stopBoxes()
	boxes.Wait()
	return err
}

// Close closes every validator's store.
func (n *Network) Close() error {
	var errs error
	for _, v := range n.validators {
		errs = multierr.Append(errs, v.store.Close())
	}
	return errs
}

// Shutdown asks every engine to stop.
func (n *Network) Shutdown() {
	for _, v := range n.validators {
		v.deliver(pbft.Shutdown{})
	}
}

func (n *Network) broadcast(from types.PeerID, payload []byte) {
	for _, v := range n.validators {
		if v.id == from {
			continue
		}
		v.deliver(pbft.PeerMessage{Payload: append([]byte(nil), payload...), SenderID: from})
	}
}

func (n *Network) sendTo(from, to types.PeerID, payload []byte) error {
	v, ok := n.byID[to]
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}
	v.deliver(pbft.PeerMessage{Payload: append([]byte(nil), payload...), SenderID: from})
	return nil
}

// publish gossips a freshly built block to every validator, the builder included.
func (n *Network) publish(b types.Block) {
	for _, v := range n.validators {
		v.receiveBlock(b)
	}
}

// MinHeight returns the lowest committed height across the validators in idx, or all of
// them when idx is empty.
func (n *Network) MinHeight(idx ...int) uint64 {
	if len(idx) == 0 {
		for i := range n.validators {
			idx = append(idx, i)
		}
	}
	var lowest uint64
	for k, i := range idx {
		h := n.validators[i].Height()
		if k == 0 || h < lowest {
			lowest = h
		}
	}
	return lowest
}
