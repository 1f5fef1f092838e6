package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/types"
)

// DefaultCallTimeout bounds every unary call to the host.
const DefaultCallTimeout = 5 * time.Second

// HostClient implements pbft.Service against a remote HostServer.
type HostClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// ClientOption configures a HostClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout  time.Duration
	logger   *zap.Logger
	dialOpts []grpc.DialOption
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithDialOptions appends raw grpc dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dialOpts = append(o.dialOpts, opts...) }
}

// Dial connects to the host bridge at addr. The connection is established lazily.
func Dial(addr string, opts ...ClientOption) (*HostClient, error) {
	o := clientOptions{timeout: DefaultCallTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, o.dialOpts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host at %s: %w", addr, err)
	}
	return &HostClient{conn: conn, timeout: o.timeout, logger: o.logger.Named("host-client")}, nil
}

// Close closes the underlying connection.
func (c *HostClient) Close() error {
	return c.conn.Close()
}

func (c *HostClient) invoke(method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return fromStatus(c.conn.Invoke(ctx, fullMethod(method), req, resp))
}

// fromStatus restores the sentinel errors toStatus encoded.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		return fmt.Errorf("%w: %s", pbft.ErrBlockNotReady, st.Message())
	}
	return err
}

// Startup fetches the startup state the engine registers with.
func (c *HostClient) Startup() (pbft.StartupState, error) {
	resp := new(StartupResponse)
	if err := c.invoke("Startup", &Empty{}, resp); err != nil {
		return pbft.StartupState{}, err
	}
	return startupFromWire(resp), nil
}

func (c *HostClient) Broadcast(payload []byte) error {
	return c.invoke("Broadcast", &PayloadRequest{Payload: payload}, &Empty{})
}

func (c *HostClient) SendTo(peer types.PeerID, payload []byte) error {
	return c.invoke("SendTo", &PayloadRequest{Peer: []byte(peer), Payload: payload}, &Empty{})
}

func (c *HostClient) InitializeBlock(previousID types.BlockID) error {
	return c.invoke("InitializeBlock", &BlockIDRequest{BlockID: []byte(previousID)}, &Empty{})
}

func (c *HostClient) FinalizeBlock(data []byte) (types.BlockID, error) {
	resp := new(BlockIDRequest)
	if err := c.invoke("FinalizeBlock", &FinalizeRequest{Data: data}, resp); err != nil {
		return "", err
	}
	return types.BlockID(resp.BlockID), nil
}

func (c *HostClient) CancelBlock() error {
	return c.invoke("CancelBlock", &Empty{}, &Empty{})
}

func (c *HostClient) CheckBlocks(ids []types.BlockID) error {
	req := &BlockIDsRequest{BlockIDs: make([][]byte, len(ids))}
	for i, id := range ids {
		req.BlockIDs[i] = []byte(id)
	}
	return c.invoke("CheckBlocks", req, &Empty{})
}

func (c *HostClient) CommitBlock(id types.BlockID) error {
	return c.invoke("CommitBlock", &BlockIDRequest{BlockID: []byte(id)}, &Empty{})
}

func (c *HostClient) FailBlock(id types.BlockID) error {
	return c.invoke("FailBlock", &BlockIDRequest{BlockID: []byte(id)}, &Empty{})
}

func (c *HostClient) GetChainHead() (types.Block, error) {
	resp := new(Block)
	if err := c.invoke("GetChainHead", &Empty{}, resp); err != nil {
		return types.Block{}, err
	}
	return blockFromWire(*resp), nil
}

func (c *HostClient) GetSettings(blockID types.BlockID, keys []string) (map[string]string, error) {
	resp := new(SettingsResponse)
	if err := c.invoke("GetSettings", &SettingsRequest{BlockID: []byte(blockID), Keys: keys}, resp); err != nil {
		return nil, err
	}
	if resp.Settings == nil {
		resp.Settings = map[string]string{}
	}
	return resp.Settings, nil
}

// Updates subscribes to the host's update feed. The returned channel closes when the
// stream ends, which the engine reports as ErrDisconnected.
func (c *HostClient) Updates(ctx context.Context) (<-chan pbft.Update, error) {
	stream, err := c.conn.NewStream(ctx, &hostServiceDesc.Streams[0], fullMethod("Updates"))
	if err != nil {
		return nil, fmt.Errorf("open update stream: %w", err)
	}
	if err := stream.SendMsg(&Empty{}); err != nil {
		return nil, fmt.Errorf("open update stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("open update stream: %w", err)
	}

	out := make(chan pbft.Update)
	go func() {
		defer close(out)
		for {
			wire := new(Update)
			if err := stream.RecvMsg(wire); err != nil {
				if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
					c.logger.Warn("update stream closed", zap.Error(err))
				}
				return
			}
			u, err := updateFromWire(wire)
			if err != nil {
				c.logger.Warn("dropping malformed update", zap.Error(err))
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ pbft.Service = (*HostClient)(nil)
