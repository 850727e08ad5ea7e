package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	logServiceName      = "caspaxos.LogReplica"
	registerServiceName = "caspaxos.RegisterReplica"
)

func init() {
	encoding.RegisterCodec(codec{})
}

// logServer is implemented by Server for the log service.
type logServer interface {
	logRead(ctx context.Context, req *logRequest) (*logResponse, error)
	logCompareAndSet(ctx context.Context, req *logRequest) (*logResponse, error)
	logPutIfAbsent(ctx context.Context, req *logRequest) (*logResponse, error)
	logReadLastIndex(ctx context.Context, req *logRequest) (*logResponse, error)
}

// registerServer is implemented by Server for the register service.
type registerServer interface {
	registerRead(ctx context.Context, req *registerRequest) (*registerResponse, error)
	registerCompareAndSet(ctx context.Context, req *registerRequest) (*registerResponse, error)
	registerPutIfAbsent(ctx context.Context, req *registerRequest) (*registerResponse, error)
}

var logServiceDesc = grpc.ServiceDesc{
	ServiceName: logServiceName,
	HandlerType: (*logServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(logServiceName, "Read", logServer.logRead),
		unary(logServiceName, "CompareAndSet", logServer.logCompareAndSet),
		unary(logServiceName, "PutIfAbsent", logServer.logPutIfAbsent),
		unary(logServiceName, "ReadLastIndex", logServer.logReadLastIndex),
	},
	Metadata: "caspaxos.proto",
}

var registerServiceDesc = grpc.ServiceDesc{
	ServiceName: registerServiceName,
	HandlerType: (*registerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(registerServiceName, "Read", registerServer.registerRead),
		unary(registerServiceName, "CompareAndSet", registerServer.registerCompareAndSet),
		unary(registerServiceName, "PutIfAbsent", registerServer.registerPutIfAbsent),
	},
	Metadata: "caspaxos.proto",
}

// unary builds the descriptor of a unary method served by fn.
func unary[S, Req, Resp any, PReq interface {
	*Req
	message
}](service, method string, fn func(S, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	fullMethod := methodName(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := PReq(new(Req))
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(PReq))
			})
		},
	}
}

func methodName(service, method string) string {
	return "/" + service + "/" + method
}
