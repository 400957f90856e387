package server

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
)

// New returns a gRPC server exposing svc as halakv.KvService. Every call is
// logged with its request id and timed.
func New(svc kvrpc.KvServiceServer, logger log.Logger, reg prometheus.Registerer) *grpc.Server {
	duration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "halakv",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving KvService calls.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"method", "status_code"})

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(kvrpc.Codec{}),
		grpc.ChainUnaryInterceptor(instrument(logger, duration)),
	)
	kvrpc.RegisterKvServiceServer(grpcServer, svc)
	return grpcServer
}

func instrument(logger log.Logger, duration *prometheus.HistogramVec) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		duration.WithLabelValues(info.FullMethod, code.String()).Observe(time.Since(start).Seconds())

		kv, _ := req.(*kvrpc.KvRequest)
		kvs := []any{"msg", "served", "method", info.FullMethod, "status", code, "duration", time.Since(start)}
		if kv != nil {
			kvs = append(kvs, "key", kv.Key)
		}
		if id := kvrpc.RequestID(ctx); id != "" {
			kvs = append(kvs, "log_id", id)
		}
		if from, ok := kvrpc.IsForwarded(ctx); ok {
			kvs = append(kvs, "forwarded_by", from)
		}
		if err != nil {
			level.Warn(logger).Log(append(kvs, "err", err)...)
		} else {
			level.Debug(logger).Log(kvs...)
		}
		return resp, err
	}
}
