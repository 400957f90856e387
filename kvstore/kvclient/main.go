package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
	"github.com/JasonLou99/hala-kv/kvstore/sender"
	"github.com/JasonLou99/hala-kv/util"
)

type options struct {
	op, key, value, server string
	sender                 sender.Config
	logLevel               string
}

func (o *options) registerFlags(f *flag.FlagSet) {
	f.StringVar(&o.op, "op", kvrpc.MethodGet, "Operation: set, get or remove.")
	f.StringVar(&o.key, "key", "", "Key to operate on.")
	f.StringVar(&o.value, "value", "", "Value for set.")
	f.StringVar(&o.server, "server", "127.0.0.1:8018", "gRPC address of any hala-kv node.")
	f.StringVar(&o.logLevel, "log.level", "warn", "Only log messages with the given severity or above.")
	f.DurationVar(&o.sender.Timeout, "timeout", time.Second, "Timeout of one attempt.")
	f.DurationVar(&o.sender.ConnectTimeout, "connect-timeout", 500*time.Millisecond, "Timeout for connecting to the server.")
	f.DurationVar(&o.sender.RetryInterval, "retry-interval", time.Second, "Fixed delay between attempts.")
	f.IntVar(&o.sender.MaxRetries, "max-retry", 3, "Retries after the first failed attempt.")
	f.BoolVar(&o.sender.Verbose, "verbose", false, "Log every attempt.")
}

// call sends one request and writes the response as JSON to w.
func call(ctx context.Context, o options, w io.Writer) error {
	if err := o.sender.Validate(); err != nil {
		return err
	}
	logger, err := util.NewLogger(util.LogFormatLogfmt, o.logLevel)
	if err != nil {
		return err
	}
	s := sender.New("", o.server, o.sender, nil, logger)
	resp, err := s.Send(ctx, o.op, &kvrpc.KvRequest{Key: o.key, Value: o.value})
	if err != nil {
		level.Error(logger).Log("msg", "request failed", "op", o.op, "server", o.server, "err", err)
		return err
	}
	return jsoniter.NewEncoder(w).Encode(resp)
}

func main() {
	var o options
	o.registerFlags(flag.CommandLine)
	flag.Parse()

	if err := call(context.Background(), o, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
