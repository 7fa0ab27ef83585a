package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/manifest-network/ledgersync/internal/config"
	"github.com/manifest-network/ledgersync/internal/models"
)

type fakeGateway struct {
	*httptest.Server
	listCalls atomic.Int32
	height    atomic.Uint64
	blocks    chan models.Block
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{blocks: make(chan models.Block, 8)}
	gw.height.Store(13)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		gw.listCalls.Add(1)
		writeJSON(w, channelList{Channels: []models.ChannelRef{{Name: "mychannel"}, {Name: "other"}}})
	})
	mux.HandleFunc("/channels/mychannel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Channel{Name: "mychannel", Height: gw.height.Load(), GenesisHash: "g0"})
	})
	mux.HandleFunc("/channels/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_ = json.NewEncoder(w).Encode(models.Channel{Name: "plain", Height: 7})
	})
	mux.HandleFunc("/channels/broken", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	})
	mux.HandleFunc("/channels/mychannel/blocks/12", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Block{
			Number: 12,
			Hash:   "h12",
			Transactions: []*models.Transaction{
				{Hash: "tx1", Type: models.TxTypeEndorserTransaction, ValidationStatus: "VALID"},
			},
		})
	})
	mux.HandleFunc("/channels/mychannel/blocks/99", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/channels/mychannel/blocks", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			select {
			case b, ok := <-gw.blocks:
				if !ok {
					return
				}
				if err := conn.WriteJSON(b); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})

	gw.Server = httptest.NewServer(mux)
	t.Cleanup(gw.Close)
	return gw
}

func newHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", status)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func newTestClient(t *testing.T, gw *fakeGateway, peerAddr string, opts Options) *GatewayClient {
	t.Helper()
	c, err := NewGatewayClient(config.ClientConfig{
		Gateway: gw.URL,
		Peer:    config.PeerConfig{Name: "peer0", Address: peerAddr, MSPID: "Org1MSP"},
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewGatewayClientValidation(t *testing.T) {
	_, err := NewGatewayClient(config.ClientConfig{}, Options{})
	assert.ErrorIs(t, err, ErrMissingGateway)

	_, err = NewGatewayClient(config.ClientConfig{Gateway: "http://localhost:1"}, Options{})
	assert.ErrorIs(t, err, ErrMissingPeerAddr)
}

func TestPeerStatus(t *testing.T) {
	gw := newFakeGateway(t)

	serving := newTestClient(t, gw, newHealthServer(t, healthpb.HealthCheckResponse_SERVING), Options{})
	ok, err := serving.PeerStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	notServing := newTestClient(t, gw, newHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING), Options{})
	ok, err = notServing.PeerStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	unreachable := newTestClient(t, gw, "127.0.0.1:1", Options{Timeout: 500 * time.Millisecond})
	ok, err = unreachable.PeerStatus(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestListChannelsUsesDiscoveryCache(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:1", Options{DiscoveryCacheLife: time.Minute})

	now := time.Now()
	c.now = func() time.Time { return now }

	refs, err := c.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ChannelRef{{Name: "mychannel"}, {Name: "other"}}, refs)

	_, err = c.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), gw.listCalls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), gw.listCalls.Load())
}

func TestInitializeChannelAndHeight(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:7051", Options{})

	_, ok := c.Channel("mychannel")
	assert.False(t, ok)

	require.NoError(t, c.InitializeChannel(context.Background(), "mychannel"))
	ch, ok := c.Channel("mychannel")
	require.True(t, ok)
	assert.Equal(t, uint64(13), ch.Height)
	assert.Equal(t, "g0", ch.GenesisHash)
	assert.Equal(t, "Org1MSP", ch.Peer.MSPID)
	assert.Equal(t, []string{"mychannel"}, c.Channels())

	gw.height.Store(20)
	h, err := c.ChannelHeight(context.Background(), "mychannel")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), h)

	ch, _ = c.Channel("mychannel")
	assert.Equal(t, uint64(20), ch.Height)
}

func TestChannelHeightDecoding(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:7051", Options{})

	tests := []struct {
		name    string
		channel string
		want    uint64
		wantErr bool
	}{
		{name: "json content type", channel: "mychannel", want: 13},
		{name: "json body with plain content type", channel: "plain", want: 7},
		{name: "non-json body", channel: "broken", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := c.ChannelHeight(context.Background(), tt.channel)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Zero(t, h)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestGetBlock(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:7051", Options{})

	block, err := c.GetBlock(context.Background(), "mychannel", 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), block.Number)
	assert.Equal(t, "h12", block.Hash)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, "tx1", block.Transactions[0].Hash)
	assert.NotEmpty(t, block.Data)

	_, err = c.GetBlock(context.Background(), "mychannel", 99)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestSubscribe(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:7051", Options{})

	_, err := c.Subscribe("mychannel", func(*models.Block) {}, nil)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, c.InitializeChannel(context.Background(), "mychannel"))

	var mu sync.Mutex
	var got []uint64
	received := make(chan struct{}, 4)
	sub, err := c.Subscribe("mychannel", func(b *models.Block) {
		mu.Lock()
		got = append(got, b.Number)
		mu.Unlock()
		received <- struct{}{}
	}, nil)
	require.NoError(t, err)
	assert.False(t, sub.IsConnected())

	require.NoError(t, sub.Connect(context.Background()))
	assert.True(t, sub.IsConnected())

	gw.blocks <- models.Block{Number: 14}
	gw.blocks <- models.Block{Number: 15}
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for block events")
		}
	}

	mu.Lock()
	assert.Equal(t, []uint64{14, 15}, got)
	mu.Unlock()

	require.NoError(t, sub.Disconnect())
	assert.False(t, sub.IsConnected())
}

func TestSubscribeReportsDroppedConnection(t *testing.T) {
	gw := newFakeGateway(t)
	c := newTestClient(t, gw, "127.0.0.1:7051", Options{})
	require.NoError(t, c.InitializeChannel(context.Background(), "mychannel"))

	errs := make(chan error, 1)
	sub, err := c.Subscribe("mychannel", func(*models.Block) {}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, sub.Connect(context.Background()))

	close(gw.blocks)

	select {
	case err := <-errs:
		assert.True(t, strings.Contains(err.Error(), "websocket read"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription error")
	}
	assert.False(t, sub.IsConnected())
}
