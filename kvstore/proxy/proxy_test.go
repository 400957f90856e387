package proxy

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/JasonLou99/hala-kv/kvstore/cache"
	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
	"github.com/JasonLou99/hala-kv/kvstore/router"
	"github.com/JasonLou99/hala-kv/kvstore/sender"
	"github.com/JasonLou99/hala-kv/kvstore/server"
	"github.com/JasonLou99/hala-kv/store"
)

func newCache(t *testing.T) *cache.Cache {
	c, err := cache.New(store.Config{Engine: store.EngineLRU, Capacity: 16})
	require.NoError(t, err)
	return c
}

func fastSender() sender.Config {
	return sender.Config{
		Timeout:        time.Second,
		ConnectTimeout: 100 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
		MaxRetries:     3,
	}
}

// keyOwnedBy returns a key that the router assigns to partition want.
func keyOwnedBy(t *testing.T, r *router.Router, want int) string {
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("key_%d", i)
		if r.IndexFor(k) == want {
			return k
		}
	}
	t.Fatalf("no key maps to partition %d", want)
	return ""
}

func TestNewRejectsBadPeerTable(t *testing.T) {
	_, err := New(Config{Peers: nil, LocalPeer: "a", Sender: fastSender()}, newCache(t), log.NewNopLogger(), nil)
	require.ErrorIs(t, err, router.ErrNoPeers)

	_, err = New(Config{Peers: flagext.StringSliceCSV{"a", "b"}, LocalPeer: "c", Sender: fastSender()}, newCache(t), log.NewNopLogger(), nil)
	require.ErrorIs(t, err, ErrLocalPeerNotFound)

	_, err = New(Config{Peers: flagext.StringSliceCSV{" a", "b ", ""}, LocalPeer: "b", Sender: fastSender()}, newCache(t), log.NewNopLogger(), nil)
	require.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Peers: flagext.StringSliceCSV{"a"}, LocalPeer: "a", Sender: fastSender()}
	require.NoError(t, cfg.Validate())

	cfg.LocalPeer = ""
	require.Error(t, cfg.Validate())

	cfg = Config{LocalPeer: "a", Sender: fastSender()}
	require.ErrorIs(t, cfg.Validate(), router.ErrNoPeers)

	cfg = Config{Peers: flagext.StringSliceCSV{"b", " a "}, LocalPeer: "a", Sender: fastSender()}
	require.NoError(t, cfg.Validate())
	cfg.LocalPeer = "c"
	require.ErrorIs(t, cfg.Validate(), ErrLocalPeerNotFound)
}

func TestSingleNodeIsAlwaysLocal(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New(Config{Peers: flagext.StringSliceCSV{"n0"}, LocalPeer: "n0", Sender: fastSender()}, newCache(t), log.NewNopLogger(), reg)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		resp, err := p.Set(ctx, &kvrpc.KvRequest{Key: key, Value: "v"})
		require.NoError(t, err)
		require.Equal(t, codes.OK, resp.Code)
	}
	resp, err := p.Get(ctx, &kvrpc.KvRequest{Key: "k3"})
	require.NoError(t, err)
	require.Equal(t, "v", resp.Value)

	resp, err = p.Remove(ctx, &kvrpc.KvRequest{Key: "k3"})
	require.NoError(t, err)
	require.Equal(t, codes.OK, resp.Code)
	resp, err = p.Remove(ctx, &kvrpc.KvRequest{Key: "k3"})
	require.NoError(t, err)
	require.Equal(t, codes.NotFound, resp.Code)

	require.Equal(t, 20.0, testutil.ToFloat64(p.requests.WithLabelValues(kvrpc.MethodSet, "local")))
	require.Equal(t, 0.0, testutil.ToFloat64(p.requests.WithLabelValues(kvrpc.MethodSet, "remote")))
}

type fakeSender struct {
	resp  *kvrpc.KvResponse
	err   error
	calls int
}

func (f *fakeSender) call(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeSender) Set(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return f.call(ctx, req)
}

func (f *fakeSender) Get(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return f.call(ctx, req)
}

func (f *fakeSender) Remove(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return f.call(ctx, req)
}

func newTwoNodeProxy(t *testing.T, remote Sender) *Proxy {
	r, err := router.New([]string{"n0", "n1"})
	require.NoError(t, err)
	return newProxy(newCache(t), r, 0, []Sender{nil, remote}, log.NewNopLogger(), nil)
}

func TestRemoteResponseIsReturnedAsIs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	remote := &fakeSender{resp: &kvrpc.KvResponse{Code: codes.NotFound, Message: "not found"}}
	p := newTwoNodeProxy(t, remote)
	key := keyOwnedBy(t, p.router, 1)

	resp, err := p.Get(context.Background(), &kvrpc.KvRequest{Key: key})
	require.NoError(t, err)
	require.Equal(t, codes.NotFound, resp.Code)
	require.Equal(t, 1, remote.calls)
	require.Equal(t, "n1", p.Owner(key))
	require.Equal(t, 0, p.cache.Len(), "nothing is cached for a remote key")
}

func TestRemoteFailureIsNotMasked(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	remote := &fakeSender{err: status.Error(codes.DeadlineExceeded, "try times 4 reach max_try 4")}
	p := newTwoNodeProxy(t, remote)
	key := keyOwnedBy(t, p.router, 1)

	resp, err := p.Set(context.Background(), &kvrpc.KvRequest{Key: key, Value: "v"})
	require.Nil(t, resp)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestForwardedRequestIsServedLocally(t *testing.T) {
	remote := &fakeSender{err: status.Error(codes.Internal, "must not be called")}
	p := newTwoNodeProxy(t, remote)
	key := keyOwnedBy(t, p.router, 1)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(kvrpc.ForwardedHeader, "n1"))
	resp, err := p.Set(ctx, &kvrpc.KvRequest{Key: key, Value: "v"})
	require.NoError(t, err)
	require.Equal(t, codes.OK, resp.Code)
	require.Equal(t, 0, remote.calls)
	require.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues(kvrpc.MethodSet, "forwarded")))
}

type cluster struct {
	addrs   []string
	proxies []*Proxy
	servers []*grpc.Server
}

func startCluster(t *testing.T, n int) *cluster {
	c := &cluster{}
	listeners := make([]net.Listener, n)
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		c.addrs = append(c.addrs, lis.Addr().String())
	}
	for i, lis := range listeners {
		cfg := Config{Peers: flagext.StringSliceCSV(c.addrs), LocalPeer: c.addrs[i], Sender: fastSender()}
		p, err := New(cfg, newCache(t), log.NewNopLogger(), nil)
		require.NoError(t, err)
		srv := server.New(p, log.NewNopLogger(), nil)
		go func(lis net.Listener) { _ = srv.Serve(lis) }(lis)
		c.proxies = append(c.proxies, p)
		c.servers = append(c.servers, srv)
	}
	t.Cleanup(func() {
		for _, s := range c.servers {
			s.Stop()
		}
	})
	return c
}

func (c *cluster) client(t *testing.T, i int) *kvrpc.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := kvrpc.Dial(ctx, c.addrs[i])
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return kvrpc.NewClient(conn)
}

func TestClusterRoutesToOwner(t *testing.T) {
	c := startCluster(t, 3)
	n0 := c.client(t, 0)
	ctx := context.Background()
	owner := c.proxies[0].router.IndexFor("x")

	resp, err := n0.Set(ctx, &kvrpc.KvRequest{Key: "x", Value: "v1"})
	require.NoError(t, err)
	require.Equal(t, codes.OK, resp.Code)

	resp, err = n0.Get(ctx, &kvrpc.KvRequest{Key: "x"})
	require.NoError(t, err)
	require.Equal(t, codes.OK, resp.Code)
	require.Equal(t, "v1", resp.Value)

	// only the owner holds the entry
	for i, p := range c.proxies {
		if i == owner {
			require.Equal(t, 1, p.cache.Len(), "owner %d", i)
		} else {
			require.Equal(t, 0, p.cache.Len(), "node %d", i)
		}
	}

	// every node agrees on where x lives
	for i := range c.addrs {
		resp, err := c.client(t, i).Get(ctx, &kvrpc.KvRequest{Key: "x"})
		require.NoError(t, err)
		require.Equal(t, "v1", resp.Value, "via node %d", i)
	}

	resp, err = c.client(t, 2).Remove(ctx, &kvrpc.KvRequest{Key: "x"})
	require.NoError(t, err)
	require.Equal(t, "v1", resp.Value)
	resp, err = n0.Remove(ctx, &kvrpc.KvRequest{Key: "x"})
	require.NoError(t, err)
	require.Equal(t, codes.NotFound, resp.Code)
}

func TestClusterSpreadsKeys(t *testing.T) {
	c := startCluster(t, 3)
	n1 := c.client(t, 1)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		resp, err := n1.Set(ctx, &kvrpc.KvRequest{Key: fmt.Sprintf("key_%d", i), Value: "v"})
		require.NoError(t, err)
		require.Equal(t, codes.OK, resp.Code)
	}
	total := 0
	for _, p := range c.proxies {
		require.Greater(t, p.cache.Len(), 0)
		total += p.cache.Len()
	}
	require.Equal(t, 60, total)
}

func TestClusterPeerDown(t *testing.T) {
	c := startCluster(t, 2)
	key := keyOwnedBy(t, c.proxies[0].router, 1)
	c.servers[1].Stop()

	_, err := c.client(t, 0).Set(context.Background(), &kvrpc.KvRequest{Key: key, Value: "v"})
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
}
