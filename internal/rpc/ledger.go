// Package rpc exposes alias registration, transfers and account reads over
// gRPC as the ledger.v1.Ledger service.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "ledger.v1.Ledger"

type RegisterAliasRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

type AliasReply struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type TransferRequest struct {
	FromAlias string `json:"from_alias"`
	ToAlias   string `json:"to_alias"`
	Amount    string `json:"amount"`
}

type TransactionReply struct {
	ID                string `json:"id"`
	SenderAccountID   string `json:"sender_account_id"`
	ReceiverAccountID string `json:"receiver_account_id"`
	Amount            string `json:"amount"`
	Timestamp         string `json:"timestamp"`
	Status            string `json:"status"`
}

// GetAccountRequest selects an account by id or, when ID is empty, by the
// name of its owning alias.
type GetAccountRequest struct {
	ID    string `json:"id,omitempty"`
	Alias string `json:"alias,omitempty"`
}

type AccountReply struct {
	ID        string `json:"id"`
	AliasID   string `json:"alias_id"`
	BankName  string `json:"bank_name"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type GetTransactionRequest struct {
	ID string `json:"id"`
}

// LedgerServer is the server API of ledger.v1.Ledger.
type LedgerServer interface {
	RegisterAlias(context.Context, *RegisterAliasRequest) (*AliasReply, error)
	Transfer(context.Context, *TransferRequest) (*TransactionReply, error)
	GetAccount(context.Context, *GetAccountRequest) (*AccountReply, error)
	GetTransaction(context.Context, *GetTransactionRequest) (*TransactionReply, error)
}

// LedgerClient is the client API of ledger.v1.Ledger.
type LedgerClient interface {
	RegisterAlias(ctx context.Context, in *RegisterAliasRequest, opts ...grpc.CallOption) (*AliasReply, error)
	Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransactionReply, error)
	GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*AccountReply, error)
	GetTransaction(ctx context.Context, in *GetTransactionRequest, opts ...grpc.CallOption) (*TransactionReply, error)
}

type ledgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) LedgerClient {
	return &ledgerClient{cc: cc}
}

func (c *ledgerClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *ledgerClient) RegisterAlias(ctx context.Context, in *RegisterAliasRequest, opts ...grpc.CallOption) (*AliasReply, error) {
	out := new(AliasReply)
	if err := c.invoke(ctx, "RegisterAlias", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransactionReply, error) {
	out := new(TransactionReply)
	if err := c.invoke(ctx, "Transfer", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*AccountReply, error) {
	out := new(AccountReply)
	if err := c.invoke(ctx, "GetAccount", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) GetTransaction(ctx context.Context, in *GetTransactionRequest, opts ...grpc.CallOption) (*TransactionReply, error) {
	out := new(TransactionReply)
	if err := c.invoke(ctx, "GetTransaction", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAlias", Handler: unaryHandler("RegisterAlias", LedgerServer.RegisterAlias)},
		{MethodName: "Transfer", Handler: unaryHandler("Transfer", LedgerServer.Transfer)},
		{MethodName: "GetAccount", Handler: unaryHandler("GetAccount", LedgerServer.GetAccount)},
		{MethodName: "GetTransaction", Handler: unaryHandler("GetTransaction", LedgerServer.GetTransaction)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.json",
}
