package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "orderflow.v1.Orders"

const (
	methodGetOrder    = "/" + ServiceName + "/GetOrder"
	methodSelectNext  = "/" + ServiceName + "/SelectNext"
	methodCancelOrder = "/" + ServiceName + "/CancelOrder"
)

// ordersServer is implemented by *Server. Messages are google.protobuf.Struct
// so no generated code is needed on either side.
type ordersServer interface {
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectNext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(ordersServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ordersServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ordersServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ordersServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ordersServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrder", Handler: unaryHandler(methodGetOrder, ordersServer.GetOrder)},
		{MethodName: "SelectNext", Handler: unaryHandler(methodSelectNext, ordersServer.SelectNext)},
		{MethodName: "CancelOrder", Handler: unaryHandler(methodCancelOrder, ordersServer.CancelOrder)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderflow/v1/orders",
}

// Client calls the Orders service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (map[string]any, error) {
	out, err := c.invoke(ctx, methodGetOrder, map[string]any{"order_id": orderID})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) SelectNext(ctx context.Context, keyID string, chainID uint64) (map[string]any, error) {
	out, err := c.invoke(ctx, methodSelectNext, map[string]any{"key_id": keyID, "chain_id": float64(chainID)})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (map[string]any, error) {
	out, err := c.invoke(ctx, methodCancelOrder, map[string]any{"order_id": orderID})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
