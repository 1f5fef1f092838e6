package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
	"github.com/ahwlsqja/pbft-engine/types"
)

type recordingService struct {
	mu    sync.Mutex
	calls []string

	sent       map[types.PeerID][]byte
	checked    []types.BlockID
	notReady   bool
	failCommit bool
}

func (r *recordingService) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingService) Broadcast([]byte) error { r.record("broadcast"); return nil }

func (r *recordingService) SendTo(peer types.PeerID, payload []byte) error {
	r.record("send_to")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[peer] = payload
	return nil
}

func (r *recordingService) InitializeBlock(types.BlockID) error { r.record("initialize"); return nil }

func (r *recordingService) FinalizeBlock([]byte) (types.BlockID, error) {
	r.record("finalize")
	if r.notReady {
		return "", pbft.ErrBlockNotReady
	}
	return types.BlockID("\x00\xffblock"), nil
}

func (r *recordingService) CancelBlock() error { r.record("cancel"); return nil }

func (r *recordingService) CheckBlocks(ids []types.BlockID) error {
	r.record("check")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked = append(r.checked, ids...)
	return nil
}

func (r *recordingService) CommitBlock(types.BlockID) error {
	r.record("commit")
	if r.failCommit {
		return errors.New("disk full")
	}
	return nil
}

func (r *recordingService) FailBlock(types.BlockID) error { r.record("fail"); return nil }

func (r *recordingService) GetChainHead() (types.Block, error) {
	return types.Block{BlockID: "\x01head", BlockNum: 7, SignerID: "\x02", PreviousID: "\x03"}, nil
}

func (r *recordingService) GetSettings(_ types.BlockID, keys []string) (map[string]string, error) {
	out := map[string]string{}
	for _, k := range keys {
		if k == pbft.SettingBlockDuration {
			out[k] = "250"
		}
	}
	return out, nil
}

func newBridge(t *testing.T, svc pbft.Service, startup pbft.StartupState, updates <-chan pbft.Update) *HostClient {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	server := NewHostServer(svc, startup, updates, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, ln)
	}()

	client, err := Dial("passthrough:///bufnet",
		WithCallTimeout(2*time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		})))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
	})
	return client
}

func TestHostBridgeServiceCalls(t *testing.T) {
	svc := &recordingService{sent: map[types.PeerID][]byte{}}
	client := newBridge(t, svc, pbft.StartupState{}, make(chan pbft.Update))

	require.NoError(t, client.Broadcast([]byte("hello")))
	require.NoError(t, client.SendTo("\xfe\xff", []byte("direct")))
	require.NoError(t, client.InitializeBlock("\x01head"))
	id, err := client.FinalizeBlock([]byte("seal"))
	require.NoError(t, err)
	assert.Equal(t, types.BlockID("\x00\xffblock"), id, "non UTF-8 ids survive the round trip")
	require.NoError(t, client.CancelBlock())
	require.NoError(t, client.CheckBlocks([]types.BlockID{"x", "y"}))
	require.NoError(t, client.CommitBlock("x"))
	require.NoError(t, client.FailBlock("y"))

	head, err := client.GetChainHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head.BlockNum)
	assert.Equal(t, types.BlockID("\x01head"), head.BlockID)

	settings, err := client.GetSettings(head.BlockID, pbft.SettingKeys())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{pbft.SettingBlockDuration: "250"}, settings)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"broadcast", "send_to", "initialize", "finalize", "cancel", "check", "commit", "fail"}, svc.calls)
	assert.Equal(t, []byte("direct"), svc.sent["\xfe\xff"])
	assert.Equal(t, []types.BlockID{"x", "y"}, svc.checked)
}

func TestHostBridgeErrors(t *testing.T) {
	svc := &recordingService{sent: map[types.PeerID][]byte{}, notReady: true, failCommit: true}
	client := newBridge(t, svc, pbft.StartupState{}, make(chan pbft.Update))

	_, err := client.FinalizeBlock(nil)
	assert.ErrorIs(t, err, pbft.ErrBlockNotReady)

	err = client.CommitBlock("x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, pbft.ErrBlockNotReady)
	assert.Contains(t, err.Error(), "disk full")
}

func TestHostBridgeStartupAndUpdates(t *testing.T) {
	startup := pbft.StartupState{
		ChainHead:     types.Block{BlockID: "g"},
		Peers:         []pbft.PeerInfo{{PeerID: "b"}, {PeerID: "c"}},
		LocalPeerInfo: pbft.PeerInfo{PeerID: "a"},
	}
	feed := make(chan pbft.Update, 8)
	client := newBridge(t, &recordingService{}, startup, feed)

	got, err := client.Startup()
	require.NoError(t, err)
	assert.Equal(t, startup, got)

	sent := []pbft.Update{
		pbft.BlockNew{Block: types.Block{BlockID: "b1", BlockNum: 1, SignerID: "a", PreviousID: "g", Summary: []byte("s")}},
		pbft.BlockValid{BlockID: "b1"},
		pbft.BlockInvalid{BlockID: "b2"},
		pbft.BlockCommit{BlockID: "b1"},
		pbft.PeerMessage{Payload: []byte{1, 2, 3}, SenderID: "b"},
		pbft.PeerConnected{Info: pbft.PeerInfo{PeerID: "e"}},
		pbft.PeerDisconnected{PeerID: "e"},
		pbft.Shutdown{},
	}
	for _, u := range sent {
		feed <- u
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates, err := client.Updates(ctx)
	require.NoError(t, err)

	var received []pbft.Update
	for u := range updates {
		received = append(received, u)
	}
	assert.Equal(t, sent, received, "stream ends after shutdown")
}
