package rpc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
)

const serviceName = "wallet.RequestService"

const (
	MethodSubmitRequest  = "/" + serviceName + "/SubmitRequest"
	MethodGetRequest     = "/" + serviceName + "/GetRequest"
	MethodExecuteRequest = "/" + serviceName + "/ExecuteRequest"
	MethodCancelRequest  = "/" + serviceName + "/CancelRequest"
	MethodBalanceAsOf    = "/" + serviceName + "/BalanceAsOf"
)

type SubmitRequestRequest struct {
	Request *requests.Request `json:"request"`
	Actor   string            `json:"actor,omitempty"`
}

type GetRequestRequest struct {
	ID string `json:"id"`
}

type ExecuteRequestRequest struct {
	ID    string `json:"id"`
	Actor string `json:"actor,omitempty"`
}

type CancelRequestRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

type RequestResponse struct {
	Request *requests.Request `json:"request"`
}

type BalanceAsOfRequest struct {
	Kind ledger.TargetKind `json:"kind"`
	ID   string            `json:"id"`
	// AsOf defaults to the current time when zero.
	AsOf time.Time `json:"as_of"`
}

type BalanceAsOfResponse struct {
	Target  ledger.TargetRef `json:"target"`
	Balance decimal.Decimal  `json:"balance"`
	AsOf    time.Time        `json:"as_of"`
}

// RequestServiceServer is the server API for wallet.RequestService.
type RequestServiceServer interface {
	SubmitRequest(context.Context, *SubmitRequestRequest) (*RequestResponse, error)
	GetRequest(context.Context, *GetRequestRequest) (*RequestResponse, error)
	ExecuteRequest(context.Context, *ExecuteRequestRequest) (*RequestResponse, error)
	CancelRequest(context.Context, *CancelRequestRequest) (*RequestResponse, error)
	BalanceAsOf(context.Context, *BalanceAsOfRequest) (*BalanceAsOfResponse, error)
}

func RegisterRequestServiceServer(s grpc.ServiceRegistrar, srv RequestServiceServer) {
	s.RegisterService(&RequestServiceDesc, srv)
}

// unary builds the method handler for one RPC.
func unary[Req any, Resp any](method string, call func(RequestServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RequestServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RequestServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var RequestServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RequestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitRequest", Handler: unary(MethodSubmitRequest, RequestServiceServer.SubmitRequest)},
		{MethodName: "GetRequest", Handler: unary(MethodGetRequest, RequestServiceServer.GetRequest)},
		{MethodName: "ExecuteRequest", Handler: unary(MethodExecuteRequest, RequestServiceServer.ExecuteRequest)},
		{MethodName: "CancelRequest", Handler: unary(MethodCancelRequest, RequestServiceServer.CancelRequest)},
		{MethodName: "BalanceAsOf", Handler: unary(MethodBalanceAsOf, RequestServiceServer.BalanceAsOf)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wallet/request_service.json",
}
