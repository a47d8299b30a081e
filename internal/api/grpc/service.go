package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service. Payloads are
// google.protobuf.Struct documents carrying the same JSON as the REST API.
const ServiceName = "exchange.v1.Execution"

type ExecutionServer interface {
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderbook(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ExecutionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExecutionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExecutionServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", ExecutionServer.SubmitOrder),
		unary("ExecuteOrder", ExecutionServer.ExecuteOrder),
		unary("GetOrder", ExecutionServer.GetOrder),
		unary("CancelOrder", ExecutionServer.CancelOrder),
		unary("GetOrderbook", ExecutionServer.GetOrderbook),
	},
	Streams: []grpc.StreamDesc{},
}

// Client calls the execution service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, instrument, side, limitPrice string, quantity int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "SubmitOrder", map[string]any{
		"instrument": instrument,
		"side":       side,
		"limitPrice": limitPrice,
		"quantity":   quantity,
	}, opts...)
}

func (c *Client) ExecuteOrder(ctx context.Context, orderID, idempotencyKey string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "ExecuteOrder", map[string]any{"orderId": orderID, "idempotencyKey": idempotencyKey}, opts...)
}

func (c *Client) GetOrder(ctx context.Context, orderID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "GetOrder", map[string]any{"orderId": orderID}, opts...)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "CancelOrder", map[string]any{"orderId": orderID}, opts...)
}

func (c *Client) GetOrderbook(ctx context.Context, instrument string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, "GetOrderbook", map[string]any{"instrument": instrument}, opts...)
}
