package node

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/devnet"
	"github.com/ahwlsqja/pbft-engine/metrics"
	"github.com/ahwlsqja/pbft-engine/persistence"
	"github.com/ahwlsqja/pbft-engine/transport"
)

// Node runs the consensus engine for one validator, plus its metrics endpoint.
type Node struct {
	config   *Config
	logger   *zap.Logger
	registry *prometheus.Registry
}

// New creates a node. A nil logger discards output.
func New(config *Config, logger *zap.Logger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}, nil
}

// Registry returns the registry the node's metrics are registered with.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Run connects to the host validator and runs the engine until ctx is cancelled, the host
// sends Shutdown, or the connection is lost.
func (n *Node) Run(ctx context.Context) error {
	client, err := transport.Dial(n.config.HostAddr,
		transport.WithCallTimeout(n.config.CallTimeout),
		transport.WithClientLogger(n.logger))
	if err != nil {
		return err
	}
	defer client.Close()

	startup, err := client.Startup()
	if err != nil {
		return fmt.Errorf("register with host: %w", err)
	}
	n.logger.Info("registered with host",
		zap.String("host", n.config.HostAddr),
		zap.Stringer("local_peer", startup.LocalPeerInfo.PeerID),
		zap.Int("peers", len(startup.Peers)),
		zap.Stringer("chain_head", startup.ChainHead.BlockID))

	g, ctx := errgroup.WithContext(ctx)
	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()

	updates, err := client.Updates(engineCtx)
	if err != nil {
		return err
	}

	opts := []pbft.Option{pbft.WithLogger(n.logger.Named("pbft"))}
	if n.config.MetricsEnabled {
		opts = append(opts, pbft.WithMetrics(metrics.NewMetrics(n.config.MetricsNamespace, n.registry)))
		n.serveMetrics(g, engineCtx)
	}

	engine := pbft.NewEngine(opts...)
	g.Go(func() error {
		// 엔진이 끝나면 메트릭 서버도 함께 종료
		defer stopEngine()
		return engine.Start(engineCtx, updates, client, startup)
	})
	return g.Wait()
}

// RunDevnet runs an in-process network of simulated validators until ctx is cancelled.
// Every validator reports metrics under a "node" label.
func (n *Node) RunDevnet(ctx context.Context) error {
	cfg := devnet.DefaultConfig()
	cfg.Nodes = n.config.Devnet.Nodes
	cfg.BlockInterval = n.config.Devnet.BlockInterval
	cfg.Logger = n.logger
	if dir := n.config.Devnet.DataDir; dir != "" {
		cfg.Store = func(i int) (persistence.Store, error) {
			return persistence.NewFileStore(filepath.Join(dir, fmt.Sprintf("node-%d", i)))
		}
	}
	if n.config.MetricsEnabled {
		cfg.NodeOptions = func(i int) []pbft.Option {
			reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": strconv.Itoa(i)}, n.registry)
			return []pbft.Option{pbft.WithMetrics(metrics.NewMetrics(n.config.MetricsNamespace, reg))}
		}
	}

	net, err := devnet.New(cfg)
	if err != nil {
		return err
	}
	defer net.Close()

	g, ctx := errgroup.WithContext(ctx)
	if n.config.MetricsEnabled {
		n.serveMetrics(g, ctx)
	}
	g.Go(func() error {
		return net.Run(ctx)
	})
	return g.Wait()
}

func (n *Node) serveMetrics(g *errgroup.Group, ctx context.Context) {
	srv := metrics.NewServer(n.config.MetricsAddr, n.registry)
	g.Go(func() error {
		n.logger.Info("metrics server listening", zap.String("addr", n.config.MetricsAddr))
		if err := srv.Serve(ctx); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
}
