package proxy

import (
	"context"
	"flag"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/JasonLou99/hala-kv/kvstore/cache"
	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
	"github.com/JasonLou99/hala-kv/kvstore/router"
	"github.com/JasonLou99/hala-kv/kvstore/sender"
)

/*
	Proxy between the kv service and the peers.
	Responsible for serving requests for keys this node owns from the local
	cache and forwarding everything else to the owning node.
*/

var ErrLocalPeerNotFound = errors.New("local peer not found in peers")

type Config struct {
	Peers     flagext.StringSliceCSV `yaml:"peers"`
	LocalPeer string                 `yaml:"local_peer"`
	Sender    sender.Config          `yaml:"sender"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Peers = flagext.StringSliceCSV{"127.0.0.1:8018", "127.0.0.1:8019", "127.0.0.1:8020"}
	f.Var(&cfg.Peers, "peers", "Comma separated gRPC addresses of every node, in the same order on all nodes.")
	f.StringVar(&cfg.LocalPeer, "local-peer", "", "gRPC address of this node. Must be one of -peers.")
	cfg.Sender.RegisterFlagsWithPrefix("sender.", f)
}

func (cfg *Config) Validate() error {
	peers := cfg.peerList()
	if len(peers) == 0 {
		return router.ErrNoPeers
	}
	if cfg.LocalPeer == "" {
		return errors.New("local peer must be set")
	}
	found := false
	for _, p := range peers {
		found = found || p == cfg.LocalPeer
	}
	if !found {
		return errors.Wrapf(ErrLocalPeerNotFound, "local peer %q, peers %v", cfg.LocalPeer, peers)
	}
	return cfg.Sender.Validate()
}

// peerList returns the configured peers without blanks.
func (cfg *Config) peerList() []string {
	peers := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// Sender forwards a request to the node that owns its key.
type Sender interface {
	Set(context.Context, *kvrpc.KvRequest) (*kvrpc.KvResponse, error)
	Get(context.Context, *kvrpc.KvRequest) (*kvrpc.KvResponse, error)
	Remove(context.Context, *kvrpc.KvRequest) (*kvrpc.KvResponse, error)
}

type Proxy struct {
	cache   *cache.Cache
	router  *router.Router
	local   int
	senders []Sender // indexed like the peers, nil for the local peer
	logger  log.Logger

	requests *prometheus.CounterVec
}

// New builds the peer table and one sender per remote peer. It fails when
// the peer list is empty or does not contain the local peer.
func New(cfg Config, c *cache.Cache, logger log.Logger, reg prometheus.Registerer) (*Proxy, error) {
	peers := cfg.peerList()
	r, err := router.New(peers)
	if err != nil {
		return nil, err
	}
	local, ok := r.IndexOf(cfg.LocalPeer)
	if !ok {
		return nil, errors.Wrapf(ErrLocalPeerNotFound, "local peer %q, peers %v", cfg.LocalPeer, peers)
	}

	metrics := sender.NewMetrics(reg)
	senders := make([]Sender, r.Len())
	for i, peer := range peers {
		if i == local {
			continue
		}
		senders[i] = sender.New(cfg.LocalPeer, peer, cfg.Sender, metrics, logger)
	}
	return newProxy(c, r, local, senders, logger, reg), nil
}

func newProxy(c *cache.Cache, r *router.Router, local int, senders []Sender, logger log.Logger, reg prometheus.Registerer) *Proxy {
	return &Proxy{
		cache:   c,
		router:  r,
		local:   local,
		senders: senders,
		logger:  logger,
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "halakv",
			Name:      "proxy_requests_total",
			Help:      "Requests routed by the proxy, by operation and route.",
		}, []string{"op", "route"}),
	}
}

func (p *Proxy) Set(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return p.route(ctx, kvrpc.MethodSet, req, p.cache.Put, Sender.Set)
}

func (p *Proxy) Get(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return p.route(ctx, kvrpc.MethodGet, req, p.cache.Get, Sender.Get)
}

func (p *Proxy) Remove(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return p.route(ctx, kvrpc.MethodRemove, req, p.cache.Remove, Sender.Remove)
}

// route serves req from the local cache when this node owns the key, or when
// a peer already forwarded it here. Otherwise the owner's sender runs in its
// own goroutine and route waits for it. A sender error is returned as is.
func (p *Proxy) route(
	ctx context.Context,
	op string,
	req *kvrpc.KvRequest,
	local func(*kvrpc.KvRequest) *kvrpc.KvResponse,
	remote func(Sender, context.Context, *kvrpc.KvRequest) (*kvrpc.KvResponse, error),
) (*kvrpc.KvResponse, error) {
	index := p.router.IndexFor(req.Key)
	level.Debug(p.logger).Log("msg", "route", "op", op, "key", req.Key, "server", p.router.Peer(index))

	if index == p.local {
		p.requests.WithLabelValues(op, "local").Inc()
		return local(req), nil
	}
	if from, ok := kvrpc.IsForwarded(ctx); ok {
		// Only one hop is allowed. The peer tables disagree if we get here.
		level.Warn(p.logger).Log("msg", "serving forwarded request for a key owned by another peer", "op", op, "key", req.Key, "owner", p.router.Peer(index), "forwarded_by", from)
		p.requests.WithLabelValues(op, "forwarded").Inc()
		return local(req), nil
	}

	p.requests.WithLabelValues(op, "remote").Inc()
	var resp *kvrpc.KvResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp, err = remote(p.senders[index], gctx, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Owner returns the address of the peer that owns key.
func (p *Proxy) Owner(key string) string {
	return p.router.Peer(p.router.IndexFor(key))
}

// LocalPeer returns the address of this node.
func (p *Proxy) LocalPeer() string {
	return p.router.Peer(p.local)
}
