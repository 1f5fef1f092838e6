package pbft

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Name identifies the consensus protocol to the host.
const Name = "pbft"

// Version is the protocol version reported to the host. Set at build time with -ldflags.
var Version = "0.1.0"

// Engine runs the PBFT event loop for one validator.
type Engine struct {
	opts   []Option
	logger *zap.Logger
	metric Metrics
	clock  Clock
}

// NewEngine creates an engine. The options are passed on to the node it starts.
func NewEngine(opts ...Option) *Engine {
	o := buildOptions(opts)
	return &Engine{
		opts:   opts,
		logger: o.logger,
		metric: o.metrics,
		clock:  o.clock,
	}
}

// Name returns the protocol name.
func (e *Engine) Name() string {
	return Name
}

// Version returns the protocol version.
func (e *Engine) Version() string {
	return Version
}

// Start loads the on-chain configuration, builds the node and runs the loop until a
// Shutdown update arrives, ctx is cancelled, or the updates channel closes.
//
// 메인 합의 루프: 업데이트 처리 후 두 티커를 순서대로 확인
func (e *Engine) Start(ctx context.Context, updates <-chan Update, service Service, startup StartupState) error {
	cfg, err := LoadConfig(service, startup.ChainHead.BlockID, e.logger)
	if err != nil {
		return err
	}
	e.logger.Info("starting engine",
		zap.String("name", Name),
		zap.String("version", Version),
		zap.Duration("block_duration", cfg.BlockDuration),
		zap.Duration("message_timeout", cfg.MessageTimeout),
		zap.Uint64("checkpoint_period", cfg.CheckpointPeriod),
		zap.Uint64("max_block_size", cfg.MaxBlockSize))

	node, err := NewNode(cfg, startup, service, e.opts...)
	if err != nil {
		return err
	}
	e.handleResult(node.Start())

	blockTicker := NewTicker(cfg.BlockDuration, e.clock)
	backlogTicker := NewTicker(cfg.MessageTimeout, e.clock)

	for {
		update, err := receive(ctx, updates, cfg.MessageTimeout)
		switch {
		case errors.Is(err, ErrDisconnected):
			e.logger.Error("host disconnected", zap.Error(err))
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			e.logger.Info("engine stopped", zap.Error(err))
			return nil
		case err != nil:
			e.handleResult(err)
		}

		if update != nil {
			if _, ok := update.(Shutdown); ok {
				e.logger.Info("received shutdown")
				return nil
			}
			start := time.Now()
			e.handleResult(handleUpdate(node, update))
			e.metric.RecordMessageProcessingTime(UpdateName(update), time.Since(start))
		}

		blockTicker.Tick(func() {
			e.handleResult(node.TryPublish())
			if node.CheckTimeoutExpired() {
				e.logger.Warn("phase timed out", node.fields()...)
				e.handleResult(node.StartViewChange())
			}
		})
		backlogTicker.Tick(func() {
			e.handleResult(node.RetryBacklog())
		})
	}
}

// receive waits up to timeout for the next update.
func receive(ctx context.Context, updates <-chan Update, timeout time.Duration) (Update, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case u, ok := <-updates:
		if !ok {
			return nil, ErrDisconnected
		}
		return u, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func handleUpdate(node *Node, update Update) error {
	switch u := update.(type) {
	case BlockNew:
		return node.OnBlockNew(u.Block)
	case BlockValid:
		return node.OnBlockValid(u.BlockID)
	case BlockInvalid:
		return node.OnBlockInvalid(u.BlockID)
	case BlockCommit:
		return node.OnBlockCommit(u.BlockID)
	case PeerMessage:
		return node.OnPeerMessage(u.Payload, u.SenderID)
	case PeerConnected:
		return node.OnPeerChange(u.Info.PeerID, true)
	case PeerDisconnected:
		return node.OnPeerChange(u.PeerID, false)
	}
	return nil
}

// handleResult logs err according to its class. Nothing here stops the loop.
func (e *Engine) handleResult(err error) {
	switch {
	case err == nil, errors.Is(err, ErrTimeout):
	case IsBenign(err):
		e.logger.Debug("waiting", zap.Error(err))
	default:
		if errors.Is(err, ErrProtocolViolation) {
			e.metric.IncrementProtocolViolations(violationKind(err))
		}
		e.logger.Error("consensus error", zap.Error(err))
	}
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, ErrEquivocation):
		return "equivocation"
	case errors.Is(err, ErrConflictingCertificate):
		return "conflicting_certificate"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	default:
		return "other"
	}
}
