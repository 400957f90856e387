package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"google.golang.org/grpc"

	"github.com/JasonLou99/hala-kv/config"
	"github.com/JasonLou99/hala-kv/kvstore/cache"
	"github.com/JasonLou99/hala-kv/kvstore/proxy"
	"github.com/JasonLou99/hala-kv/kvstore/restful"
	"github.com/JasonLou99/hala-kv/kvstore/server"
	"github.com/JasonLou99/hala-kv/util"
)

const shutdownTimeout = 5 * time.Second

type KVServer struct {
	cfg    *config.Config
	logger log.Logger
	proxy  *proxy.Proxy

	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener

	ready *atomic.Bool
}

// MakeKVServer wires the cache, the proxy and both servers, and binds their
// listeners.
func MakeKVServer(cfg *config.Config, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*KVServer, error) {
	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "creating cache")
	}
	p, err := proxy.New(cfg.Proxy, c, log.With(logger, "component", "proxy"), reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating proxy")
	}

	kvs := &KVServer{
		cfg:        cfg,
		logger:     logger,
		proxy:      p,
		grpcServer: server.New(p, log.With(logger, "component", "grpc"), reg),
		ready:      atomic.NewBool(false),
	}

	router := mux.NewRouter()
	rest := restful.New(p, log.With(logger, "component", "restful"))
	rest.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.HandleFunc("/ready", kvs.readyHandler)
	router.NotFoundHandler = http.HandlerFunc(rest.NotFound)
	kvs.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	if kvs.grpcListener, err = net.Listen("tcp", cfg.GRPCAddress()); err != nil {
		return nil, errors.Wrap(err, "listening for grpc")
	}
	if kvs.httpListener, err = net.Listen("tcp", cfg.HTTPListenAddress); err != nil {
		kvs.grpcListener.Close()
		return nil, errors.Wrap(err, "listening for http")
	}
	return kvs, nil
}

func (kvs *KVServer) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !kvs.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ready")
}

// Run serves until ctx is canceled, a termination signal arrives or one of
// the servers fails.
func (kvs *KVServer) Run(ctx context.Context) error {
	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		level.Info(kvs.logger).Log("msg", "kv service listening", "address", kvs.grpcListener.Addr().String(), "local_peer", kvs.proxy.LocalPeer())
		return kvs.grpcServer.Serve(kvs.grpcListener)
	}, func(error) {
		kvs.grpcServer.GracefulStop()
	})
	g.Add(func() error {
		level.Info(kvs.logger).Log("msg", "http listening", "address", kvs.httpListener.Addr().String())
		if err := kvs.httpServer.Serve(kvs.httpListener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		kvs.ready.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := kvs.httpServer.Shutdown(ctx); err != nil {
			level.Warn(kvs.logger).Log("msg", "http shutdown", "err", err)
		}
	})

	kvs.ready.Store(true)
	return g.Run()
}

func main() {
	cfg, err := config.Load(os.Args[1:], flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	logger, err := util.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating logger: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err)
		os.Exit(1)
	}

	kvs, err := MakeKVServer(cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		level.Error(logger).Log("msg", "initialising kv server", "err", err)
		os.Exit(1)
	}
	if err := kvs.Run(context.Background()); err != nil && !errors.Is(err, run.ErrSignal) {
		level.Error(logger).Log("msg", "running kv server", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "kv server stopped")
}
