package grpcx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"warpgraph/cluster"
)

const serviceName = "warpgraph.Worker"

// workerServer is the server side of the worker service.
type workerServer interface {
	Batch(ctx context.Context, b *cluster.Batch) (*cluster.Ack, error)
	Fetch(ctx context.Context, req *cluster.FetchRequest) (*cluster.FetchResponse, error)
	Probe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeReply, error)
	Control(ctx context.Context, c *cluster.Control) (*cluster.ControlReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*workerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Batch", Handler: batchHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "Probe", Handler: probeHandler},
		{MethodName: "Control", Handler: controlHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warpgraph/worker",
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

func unary(ctx context.Context, srv interface{}, in interface{}, method string,
	interceptor grpc.UnaryServerInterceptor, call grpc.UnaryHandler) (interface{}, error) {
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}, call)
}

func batchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, in, "Batch", interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workerServer).Batch(ctx, req.(*cluster.Batch))
	})
}

func fetchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, in, "Fetch", interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workerServer).Fetch(ctx, req.(*cluster.FetchRequest))
	})
}

func probeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.ProbeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, in, "Probe", interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workerServer).Probe(ctx, req.(*cluster.ProbeRequest))
	})
}

func controlHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.Control)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, in, "Control", interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(workerServer).Control(ctx, req.(*cluster.Control))
	})
}

// errNotReady is returned until a handler is registered; callers treat it
// as transient.
var errNotReady = status.Error(codes.Unavailable, "worker handler not registered")
