package sender

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
)

// Config for the inter-node hop. Every attempt gets its own connection,
// bounded by ConnectTimeout for the dial and Timeout for the call.
type Config struct {
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	Verbose        bool          `yaml:"verbose"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 300*time.Millisecond, "Timeout of one RPC attempt to a peer.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"connect-timeout", 500*time.Millisecond, "Timeout for establishing the connection of one attempt.")
	f.DurationVar(&cfg.RetryInterval, prefix+"retry-interval", time.Second, "Fixed delay between attempts.")
	f.IntVar(&cfg.MaxRetries, prefix+"max-retries", 3, "Retries after the first failed attempt before giving up.")
	f.BoolVar(&cfg.Verbose, prefix+"verbose", false, "Log every attempt and its outcome.")
}

func (cfg *Config) Validate() error {
	if cfg.Timeout <= 0 || cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("sender timeouts must be positive")
	}
	if cfg.RetryInterval < 0 {
		return fmt.Errorf("sender retry interval must not be negative")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("sender max retries must not be negative")
	}
	return nil
}

type Metrics struct {
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	exhausted *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		attempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "halakv",
			Name:      "sender_attempts_total",
			Help:      "Total RPC attempts made to a peer, retries included.",
		}, []string{"peer"}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "halakv",
			Name:      "sender_failures_total",
			Help:      "Total RPC attempts to a peer that failed to connect or to complete.",
		}, []string{"peer"}),
		exhausted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "halakv",
			Name:      "sender_exhausted_total",
			Help:      "Total logical calls to a peer that gave up after all retries.",
		}, []string{"peer"}),
	}
}

// Sender calls one fixed peer, retrying failed attempts.
type Sender struct {
	local  string
	addr   string
	cfg    Config
	logger log.Logger

	attempts, failures, exhausted prometheus.Counter
}

// New returns a Sender for addr. When local is set, calls are marked as
// forwarded by local so the peer serves them itself.
func New(local, addr string, cfg Config, metrics *Metrics, logger log.Logger) *Sender {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sender{
		local:     local,
		addr:      addr,
		cfg:       cfg,
		logger:    log.With(logger, "peer", addr),
		attempts:  metrics.attempts.WithLabelValues(addr),
		failures:  metrics.failures.WithLabelValues(addr),
		exhausted: metrics.exhausted.WithLabelValues(addr),
	}
}

func (s *Sender) Addr() string { return s.addr }

func (s *Sender) Set(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return s.Send(ctx, kvrpc.MethodSet, req)
}

func (s *Sender) Get(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return s.Send(ctx, kvrpc.MethodGet, req)
}

func (s *Sender) Remove(ctx context.Context, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	return s.Send(ctx, kvrpc.MethodRemove, req)
}

// Send invokes method on the peer. It makes up to MaxRetries+1 attempts with
// RetryInterval between them and returns a DeadlineExceeded status once they
// are used up. All attempts share one request id.
func (s *Sender) Send(ctx context.Context, method string, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	fullMethod, ok := kvrpc.FullMethod(method)
	if !ok {
		level.Error(s.logger).Log("msg", "service name not exist", "service", method)
		return nil, status.Errorf(codes.InvalidArgument, "service name not exist, service:%s", method)
	}

	logID := uuid.NewString()
	md := []string{kvrpc.RequestIDHeader, logID}
	if s.local != "" {
		md = append(md, kvrpc.ForwardedHeader, s.local)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.RetryInterval,
		MaxBackoff: s.cfg.RetryInterval,
		MaxRetries: s.cfg.MaxRetries + 1,
	})

	var lastErr error
	for b.Ongoing() {
		s.attempts.Inc()
		resp, err := s.attempt(ctx, fullMethod, req)
		if err == nil {
			if s.cfg.Verbose {
				level.Info(s.logger).Log("msg", "router request done", "method", method, "key", req.Key, "code", resp.Code, "log_id", logID, "attempt", b.NumRetries()+1)
			}
			return resp, nil
		}
		s.failures.Inc()
		lastErr = err
		if s.cfg.Verbose {
			level.Warn(s.logger).Log("msg", "request to peer failed", "method", method, "key", req.Key, "log_id", logID, "attempt", b.NumRetries()+1, "err", err)
		}
		b.Wait()
	}

	s.exhausted.Inc()
	level.Error(s.logger).Log("msg", "giving up on peer", "method", method, "key", req.Key, "log_id", logID, "tries", b.NumRetries(), "err", lastErr)
	return nil, status.Errorf(codes.DeadlineExceeded, "try times %d reach max_try %d and can not get response: %v", b.NumRetries(), s.cfg.MaxRetries+1, lastErr)
}

func (s *Sender) attempt(ctx context.Context, fullMethod string, req *kvrpc.KvRequest) (*kvrpc.KvResponse, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancelDial()
	conn, err := kvrpc.Dial(dialCtx, s.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancelCall()
	resp := new(kvrpc.KvResponse)
	if err := conn.Invoke(callCtx, fullMethod, req, resp, grpc.ForceCodec(kvrpc.Codec{})); err != nil {
		return nil, err
	}
	return resp, nil
}
