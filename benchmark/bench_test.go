package benchmark

import (
	"bufio"
	"context"
	"flag"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"

	"github.com/JasonLou99/hala-kv/kvstore/cache"
	"github.com/JasonLou99/hala-kv/kvstore/proxy"
	"github.com/JasonLou99/hala-kv/kvstore/server"
	"github.com/JasonLou99/hala-kv/store"
)

func testConfig() Config {
	return Config{ClientNums: 4, RequestNums: 40, GetRatio: 3, ValueSize: 8, KeySpace: 10}
}

func startRedis(t *testing.T) *RedisTarget {
	mr := miniredis.RunT(t)
	target := NewRedisTarget([]string{mr.Addr()}, time.Second)
	t.Cleanup(func() { target.Close() })
	return target
}

// startNode runs a one node hala-kv cluster.
func startNode(t *testing.T) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	c, err := cache.New(store.Config{Engine: store.EngineLRU, Capacity: 100})
	require.NoError(t, err)
	cfg := proxy.Config{}
	cfg.RegisterFlags(flag.NewFlagSet("", flag.ContinueOnError))
	cfg.Peers = flagext.StringSliceCSV{addr}
	cfg.LocalPeer = addr
	p, err := proxy.New(cfg, c, log.NewNopLogger(), nil)
	require.NoError(t, err)

	grpcServer := server.New(p, log.NewNopLogger(), nil)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)
	return addr
}

func TestRunAgainstRedis(t *testing.T) {
	target := startRedis(t)

	res, err := Run(context.Background(), target, testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(40), res.Sets)
	require.Equal(t, int64(120), res.Gets)
	require.Equal(t, int64(160), res.Ops())
	require.Zero(t, res.Failures)
	require.Greater(t, res.Hits, int64(0))
	require.Greater(t, res.TPS(), 0.0)

	v, ok, err := target.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, v)
}

func TestRunAgainstKV(t *testing.T) {
	ctx := context.Background()
	target, err := Open(ctx, TargetKV, []string{startNode(t)}, time.Second)
	require.NoError(t, err)
	defer target.Close()

	res, err := Run(ctx, target, testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(160), res.Ops())
	require.Zero(t, res.Failures)

	require.NoError(t, target.Set(ctx, "k", "v"))
	v, ok, err := target.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	_, ok, err = target.Get(ctx, "never-set")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, target.Set(ctx, "k", ""), "the cache rejects empty values")
}

type failingTarget struct{}

func (failingTarget) Set(context.Context, string, string) error { return context.DeadlineExceeded }
func (failingTarget) Get(context.Context, string) (string, bool, error) {
	return "", false, context.DeadlineExceeded
}
func (failingTarget) Close() error { return nil }

func TestRunCountsFailures(t *testing.T) {
	res, err := Run(context.Background(), failingTarget{}, testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, res.Ops(), res.Failures)
	require.Zero(t, res.Hits)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, failingTarget{}, testConfig(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReportsProgress(t *testing.T) {
	cfg := testConfig()
	cfg.RequestNums = 4000
	cfg.ReportInterval = time.Millisecond
	var reports int
	_, err := Run(context.Background(), startRedis(t), cfg, func(Progress) { reports++ })
	require.NoError(t, err)
	require.Greater(t, reports, 0)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	cfg.RequestNums = 1
	require.Error(t, cfg.Validate())

	_, err := Open(context.Background(), "memcached", []string{"127.0.0.1:1"}, time.Second)
	require.Error(t, err)
	_, err = Open(context.Background(), TargetRedis, nil, time.Second)
	require.Error(t, err)
}

func TestReplay(t *testing.T) {
	target := startRedis(t)

	latencies, res, err := Replay(context.Background(), target, []int{2, 0, 3})
	require.NoError(t, err)
	require.Len(t, latencies, 5)
	require.Equal(t, int64(5), res.Sets)
	require.Equal(t, int64(3), res.Gets)
	require.Equal(t, int64(3), res.Hits)

	v, ok, err := target.Get(context.Background(), "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value4", v)
}

func newHandlerServer(t *testing.T) *httptest.Server {
	mr := miniredis.RunT(t)
	open := func(_ context.Context, kind string, _ []string) (Target, error) {
		return Open(context.Background(), kind, []string{mr.Addr()}, time.Second)
	}
	defaults := testConfig()
	defaults.ReportInterval = time.Millisecond
	r := mux.NewRouter()
	NewHandler(defaults, open, log.NewNopLogger()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerJSON(t *testing.T) {
	srv := newHandlerServer(t)

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"target":"redis","servers":["x"],"onums":80}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.EqualValues(t, 80*4, out.Results["totalOps"])
}

func TestHandlerKeepsExplicitZeroGetRatio(t *testing.T) {
	srv := newHandlerServer(t)

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"target":"redis","servers":["x"],"onums":80,"getratio":0}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.EqualValues(t, 0, out.Results["getRatio"])
	require.EqualValues(t, 80, out.Results["totalOps"], "a write only run issues no gets")
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	srv := newHandlerServer(t)

	for _, body := range []string{`{`, `{"servers":[]}`, `{"servers":["x"],"target":"memcached"}`} {
		resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.NotEqual(t, http.StatusOK, resp.StatusCode, body)
	}
}

func TestHandlerEventStream(t *testing.T) {
	srv := newHandlerServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(`{"target":"redis","servers":["x"],"onums":400}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var last Response
	events := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		events++
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
	}
	require.NoError(t, scanner.Err())
	require.GreaterOrEqual(t, events, 1)
	require.True(t, last.Success)
	require.Equal(t, "benchmark completed successfully", last.Message)
}
