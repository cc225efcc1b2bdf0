package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/security"
)

// Client calls wallet.RequestService. Token, when set, is sent as a bearer
// authorization on every call, as is the correlation id of the context.
type Client struct {
	cc    grpc.ClientConnInterface
	Token string
}

func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, Token: token}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	if c.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.Token)
	}
	if cid := security.CorrelationIDFromContext(ctx); cid != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, correlationKey, cid)
	}
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *Client) SubmitRequest(ctx context.Context, req *requests.Request, actor string, opts ...grpc.CallOption) (*requests.Request, error) {
	out := new(RequestResponse)
	if err := c.invoke(ctx, MethodSubmitRequest, &SubmitRequestRequest{Request: req, Actor: actor}, out, opts...); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *Client) GetRequest(ctx context.Context, id string, opts ...grpc.CallOption) (*requests.Request, error) {
	out := new(RequestResponse)
	if err := c.invoke(ctx, MethodGetRequest, &GetRequestRequest{ID: id}, out, opts...); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *Client) ExecuteRequest(ctx context.Context, id, actor string, opts ...grpc.CallOption) (*requests.Request, error) {
	out := new(RequestResponse)
	if err := c.invoke(ctx, MethodExecuteRequest, &ExecuteRequestRequest{ID: id, Actor: actor}, out, opts...); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *Client) CancelRequest(ctx context.Context, id, reason, actor string, opts ...grpc.CallOption) (*requests.Request, error) {
	out := new(RequestResponse)
	if err := c.invoke(ctx, MethodCancelRequest, &CancelRequestRequest{ID: id, Reason: reason, Actor: actor}, out, opts...); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *Client) BalanceAsOf(ctx context.Context, in *BalanceAsOfRequest, opts ...grpc.CallOption) (*BalanceAsOfResponse, error) {
	out := new(BalanceAsOfResponse)
	if err := c.invoke(ctx, MethodBalanceAsOf, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
