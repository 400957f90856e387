package benchmark

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
)

const (
	TargetKV    = "kv"
	TargetRedis = "redis"
)

// Target is the store under test.
type Target interface {
	Set(ctx context.Context, key, value string) error
	// Get reports false for a missing key.
	Get(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// Open connects to a hala-kv cluster or a Redis baseline.
func Open(ctx context.Context, kind string, servers []string, timeout time.Duration) (Target, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers")
	}
	switch kind {
	case TargetKV:
		return NewKVTarget(ctx, servers, timeout)
	case TargetRedis:
		return NewRedisTarget(servers, timeout), nil
	}
	return nil, errors.Errorf("unknown target %q", kind)
}

// KVTarget spreads requests round robin over one connection per node. The
// nodes route every key to its owner themselves.
type KVTarget struct {
	conns   []*grpc.ClientConn
	clients []*kvrpc.Client
	next    *atomic.Uint64
	timeout time.Duration
}

func NewKVTarget(ctx context.Context, servers []string, timeout time.Duration) (*KVTarget, error) {
	t := &KVTarget{next: atomic.NewUint64(0), timeout: timeout}
	for _, addr := range servers {
		conn, err := kvrpc.Dial(ctx, addr)
		if err != nil {
			t.Close()
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		t.conns = append(t.conns, conn)
		t.clients = append(t.clients, kvrpc.NewClient(conn))
	}
	return t, nil
}

func (t *KVTarget) client() *kvrpc.Client {
	return t.clients[t.next.Inc()%uint64(len(t.clients))]
}

func (t *KVTarget) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.client().Set(ctx, &kvrpc.KvRequest{Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Code != codes.OK {
		return errors.Errorf("set %s: %s", key, resp.Message)
	}
	return nil
}

func (t *KVTarget) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.client().Get(ctx, &kvrpc.KvRequest{Key: key})
	if err != nil {
		return "", false, err
	}
	switch resp.Code {
	case codes.OK:
		return resp.Value, true, nil
	case codes.NotFound:
		return "", false, nil
	}
	return "", false, errors.Errorf("get %s: %s", key, resp.Message)
}

func (t *KVTarget) Close() error {
	var firstErr error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RedisTarget uses a cluster client for several servers and a plain client
// for one.
type RedisTarget struct {
	client redis.UniversalClient
}

func NewRedisTarget(servers []string, timeout time.Duration) *RedisTarget {
	return &RedisTarget{client: redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        servers,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})}
}

func (t *RedisTarget) Set(ctx context.Context, key, value string) error {
	return t.client.Set(ctx, key, value, 0).Err()
}

func (t *RedisTarget) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := t.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (t *RedisTarget) Close() error {
	return t.client.Close()
}

type Config struct {
	ClientNums     int           `json:"cnums"`
	RequestNums    int           `json:"onums"`
	GetRatio       int           `json:"getratio"`
	ValueSize      int           `json:"value_size"`
	KeySpace       int           `json:"keyspace"`
	ReportInterval time.Duration `json:"-"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.ClientNums, "cnums", 15, "Client goroutines.")
	f.IntVar(&cfg.RequestNums, "onums", 600000, "Set requests over all clients. Each set is followed by -getratio gets.")
	f.IntVar(&cfg.GetRatio, "getratio", 4, "Get requests per set request.")
	f.IntVar(&cfg.ValueSize, "value-size", 6, "Size in bytes of every value.")
	f.IntVar(&cfg.KeySpace, "keyspace", 50, "Number of distinct keys.")
	f.DurationVar(&cfg.ReportInterval, "report-interval", 3*time.Second, "Interval between progress reports.")
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.ClientNums <= 0:
		return errors.New("cnums must be positive")
	case cfg.RequestNums < cfg.ClientNums:
		return errors.New("onums must be at least cnums")
	case cfg.GetRatio < 0:
		return errors.New("getratio must not be negative")
	case cfg.ValueSize <= 0:
		return errors.New("value size must be positive")
	case cfg.KeySpace <= 0:
		return errors.New("keyspace must be positive")
	}
	return nil
}

type Result struct {
	Sets     int64         `json:"sets"`
	Gets     int64         `json:"gets"`
	Hits     int64         `json:"hits"`
	Failures int64         `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
}

func (r Result) Ops() int64 {
	return r.Sets + r.Gets
}

// TPS is the number of completed requests per second, failed ones included.
func (r Result) TPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops()) / r.Elapsed.Seconds()
}

// Progress is the throughput over the last report interval.
type Progress struct {
	Completed int64   `json:"completed"`
	TPS       float64 `json:"tps"`
}

type counters struct {
	sets, gets, hits, failures *atomic.Int64
}

func newCounters() counters {
	return counters{atomic.NewInt64(0), atomic.NewInt64(0), atomic.NewInt64(0), atomic.NewInt64(0)}
}

func (c counters) completed() int64 {
	return c.sets.Load() + c.gets.Load()
}

// Run starts cfg.ClientNums clients. Each one sends its share of
// cfg.RequestNums sets, every set followed by cfg.GetRatio gets of random
// keys. Failed requests are counted and do not stop the run. When progress is
// not nil it is called every cfg.ReportInterval.
func Run(ctx context.Context, target Target, cfg Config, progress func(Progress)) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	c := newCounters()
	value := randomValue(rand.New(rand.NewSource(time.Now().UnixNano())), cfg.ValueSize)
	base := cfg.RequestNums / cfg.ClientNums

	stop := make(chan struct{})
	var reporter sync.WaitGroup
	if progress != nil && cfg.ReportInterval > 0 {
		reporter.Add(1)
		go func() {
			defer reporter.Done()
			report(stop, cfg.ReportInterval, c, progress)
		}()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.ClientNums; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < base; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				key := fmt.Sprintf("key_%d", rng.Intn(cfg.KeySpace))
				if err := target.Set(gctx, key, value); err != nil {
					c.failures.Inc()
				}
				c.sets.Inc()
				for k := 0; k < cfg.GetRatio; k++ {
					key := fmt.Sprintf("key_%d", rng.Intn(cfg.KeySpace))
					_, ok, err := target.Get(gctx, key)
					switch {
					case err != nil:
						c.failures.Inc()
					case ok:
						c.hits.Inc()
					}
					c.gets.Inc()
				}
			}
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	reporter.Wait()

	return Result{
		Sets:     c.sets.Load(),
		Gets:     c.gets.Load(),
		Hits:     c.hits.Load(),
		Failures: c.failures.Load(),
		Elapsed:  time.Since(start),
	}, err
}

func report(stop <-chan struct{}, interval time.Duration, c counters, progress func(Progress)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := int64(0)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := c.completed()
			progress(Progress{Completed: current, TPS: float64(current-last) / interval.Seconds()})
			last = current
		}
	}
}

// Replay drives a recorded write trace: for every entry i it sends
// writeCounts[i] sets of one hot key followed by a single get. It returns the
// latency of every set in microseconds.
func Replay(ctx context.Context, target Target, writeCounts []int) ([]int, Result, error) {
	var (
		latencies []int
		res       Result
	)
	start := time.Now()
	for i, n := range writeCounts {
		for j := 0; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return latencies, res, err
			}
			begin := time.Now()
			if err := target.Set(ctx, "key", fmt.Sprintf("value%d", i+j)); err != nil {
				res.Failures++
			}
			latencies = append(latencies, int(time.Since(begin).Microseconds()))
			res.Sets++
		}
		_, ok, err := target.Get(ctx, "key")
		switch {
		case err != nil:
			res.Failures++
		case ok:
			res.Hits++
		}
		res.Gets++
	}
	res.Elapsed = time.Since(start)
	return latencies, res, nil
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomValue(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}
