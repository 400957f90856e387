package kvrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName = "halakv.KvService"

	MethodSet    = "set"
	MethodGet    = "get"
	MethodRemove = "remove"

	// RequestIDHeader correlates every attempt of one logical call.
	RequestIDHeader = "x-request-id"
	// ForwardedHeader names the peer that routed the call here. A request
	// carrying it is always served by the receiving node.
	ForwardedHeader = "x-halakv-forwarded-by"
)

// KvServiceServer is the server API for the halakv.KvService.
type KvServiceServer interface {
	Set(context.Context, *KvRequest) (*KvResponse, error)
	Get(context.Context, *KvRequest) (*KvResponse, error)
	Remove(context.Context, *KvRequest) (*KvResponse, error)
}

type message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Codec moves KvRequest and KvResponse over gRPC.
type Codec struct{}

func (Codec) Name() string { return "halakv" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("halakv codec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("halakv codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func unaryHandler(method string, call func(KvServiceServer, context.Context, *KvRequest) (*KvResponse, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(KvRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(KvServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(KvServiceServer), ctx, req.(*KvRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes halakv.KvService. It is the single place method
// names are resolved against.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KvServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSet, Handler: unaryHandler(MethodSet, KvServiceServer.Set)},
		{MethodName: MethodGet, Handler: unaryHandler(MethodGet, KvServiceServer.Get)},
		{MethodName: MethodRemove, Handler: unaryHandler(MethodRemove, KvServiceServer.Remove)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kv.proto",
}

var fullMethods = func() map[string]string {
	m := make(map[string]string, len(ServiceDesc.Methods))
	for _, md := range ServiceDesc.Methods {
		m[md.MethodName] = "/" + ServiceDesc.ServiceName + "/" + md.MethodName
	}
	return m
}()

// FullMethod returns the gRPC method path of a service method name.
func FullMethod(method string) (string, bool) {
	fm, ok := fullMethods[method]
	return fm, ok
}

func RegisterKvServiceServer(s grpc.ServiceRegistrar, srv KvServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls halakv.KvService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method by name.
func (c *Client) Call(ctx context.Context, method string, in *KvRequest, opts ...grpc.CallOption) (*KvResponse, error) {
	fm, ok := FullMethod(method)
	if !ok {
		return nil, fmt.Errorf("service name not exist, service:%s", method)
	}
	out := new(KvResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, fm, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, in *KvRequest, opts ...grpc.CallOption) (*KvResponse, error) {
	return c.Call(ctx, MethodSet, in, opts...)
}

func (c *Client) Get(ctx context.Context, in *KvRequest, opts ...grpc.CallOption) (*KvResponse, error) {
	return c.Call(ctx, MethodGet, in, opts...)
}

func (c *Client) Remove(ctx context.Context, in *KvRequest, opts ...grpc.CallOption) (*KvResponse, error) {
	return c.Call(ctx, MethodRemove, in, opts...)
}

// Dial opens a connection to addr and waits until it is ready or ctx is done.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("connect to %s: %w (last state %s)", addr, ctx.Err(), state)
		}
	}
}

// IsForwarded reports whether the incoming call was routed here by a peer,
// and which one.
func IsForwarded(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(ForwardedHeader)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// RequestID returns the correlation id of the incoming call, if any.
func RequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(RequestIDHeader); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
