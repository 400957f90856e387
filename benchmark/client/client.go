package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/JasonLou99/hala-kv/benchmark"
	"github.com/JasonLou99/hala-kv/util"
)

/*
go run ./benchmark/client -target kv -cnums 10 -onums 1000 -getratio 4 -servers 127.0.0.1:8018,127.0.0.1:8019,127.0.0.1:8020
*/

type options struct {
	target     string
	servers    string
	timeout    time.Duration
	csv        string
	trace      string
	latencyCsv string
	listen     string
	logLevel   string
	bench      benchmark.Config
}

func (o *options) registerFlags(f *flag.FlagSet) {
	f.StringVar(&o.target, "target", benchmark.TargetKV, "Store under test: kv (a hala-kv cluster) or redis.")
	f.StringVar(&o.servers, "servers", "127.0.0.1:8018,127.0.0.1:8019,127.0.0.1:8020", "Comma separated server addresses.")
	f.DurationVar(&o.timeout, "timeout", 3*time.Second, "Timeout of one request.")
	f.StringVar(&o.csv, "csv", "tps.csv", "CSV file the final TPS is appended to. Empty disables it.")
	f.StringVar(&o.trace, "trace", "", "CSV of write counts per interval (second column). Replays it instead of the ratio workload.")
	f.StringVar(&o.latencyCsv, "latency-csv", "put-latency.csv", "Where -trace writes the latency of every set in microseconds.")
	f.StringVar(&o.listen, "http.listen-address", "", "Serve benchmarks over HTTP on this address instead of running one.")
	f.StringVar(&o.logLevel, "log.level", "info", "Only log messages with the given severity or above.")
	o.bench.RegisterFlags(f)
}

func (o *options) open(ctx context.Context, kind string, servers []string) (benchmark.Target, error) {
	dialCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return benchmark.Open(dialCtx, kind, servers, o.timeout)
}

func runRatio(ctx context.Context, o options, logger log.Logger) error {
	servers := strings.Split(o.servers, ",")
	target, err := o.open(ctx, o.target, servers)
	if err != nil {
		return err
	}
	defer target.Close()

	level.Info(logger).Log("msg", "starting benchmark", "target", o.target, "servers", o.servers, "cnums", o.bench.ClientNums, "onums", o.bench.RequestNums, "getratio", o.bench.GetRatio)
	res, err := benchmark.Run(ctx, target, o.bench, func(p benchmark.Progress) {
		level.Info(logger).Log("msg", "progress", "completed", p.Completed, "tps", fmt.Sprintf("%.4f", p.TPS))
	})
	if err != nil {
		return err
	}
	fmt.Printf("elapse:%v, tps:%.4f, total %v, hits %v, failures %v\n", res.Elapsed, res.TPS(), res.Ops(), res.Hits, res.Failures)
	if o.csv != "" {
		return util.AppendCsv(o.csv, []string{strconv.FormatFloat(res.TPS(), 'f', -1, 64)})
	}
	return nil
}

func runTrace(ctx context.Context, o options, logger log.Logger) error {
	column, err := util.ReadColumn(o.trace, 1, 1000)
	if err != nil {
		return err
	}
	counts := make([]int, len(column))
	for i, v := range column {
		counts[i] = int(v)
	}

	target, err := o.open(ctx, o.target, strings.Split(o.servers, ","))
	if err != nil {
		return err
	}
	defer target.Close()

	latencies, res, err := benchmark.Replay(ctx, target, counts)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "trace replayed", "elapsed", res.Elapsed, "sets", res.Sets, "gets", res.Gets, "failures", res.Failures)
	return util.WriteCsv(o.latencyCsv, util.IntsToRows(latencies))
}

func serve(o options, logger log.Logger) error {
	r := mux.NewRouter()
	benchmark.NewHandler(o.bench, o.open, logger).RegisterRoutes(r)
	level.Info(logger).Log("msg", "benchmark server listening", "address", o.listen)
	srv := &http.Server{Addr: o.listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func main() {
	var o options
	o.registerFlags(flag.CommandLine)
	flag.Parse()

	logger, err := util.NewLogger(util.LogFormatLogfmt, o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case o.listen != "":
		err = serve(o, logger)
	case o.trace != "":
		err = runTrace(context.Background(), o, logger)
	default:
		if err = o.bench.Validate(); err == nil {
			err = runRatio(context.Background(), o, logger)
		}
	}
	if err != nil {
		level.Error(logger).Log("msg", "benchmark failed", "err", err)
		os.Exit(1)
	}
}
