package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/pkg/audit"
)

const correlationIDKey = "x-correlation-id"

type AliasRegistrar interface {
	Register(ctx context.Context, name, credential string) (*alias.Alias, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	GetAccountByAlias(ctx context.Context, name string) (*ledger.Account, error)
}

type Transferer interface {
	Transfer(ctx context.Context, cmd ledger.TransferCommand) (*ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
}

type Auditor interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

// Server implements LedgerServer on top of the ledger services.
type Server struct {
	Aliases   AliasRegistrar
	Accounts  AccountReader
	Transfers Transferer
}

var _ LedgerServer = (*Server)(nil)

func (s *Server) RegisterAlias(ctx context.Context, req *RegisterAliasRequest) (*AliasReply, error) {
	a, err := s.Aliases.Register(ctx, req.Name, req.Credential)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AliasReply{ID: a.ID, Name: a.Name, CreatedAt: a.CreatedAt.Format(time.RFC3339Nano)}, nil
}

func (s *Server) Transfer(ctx context.Context, req *TransferRequest) (*TransactionReply, error) {
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	tx, err := s.Transfers.Transfer(ctx, ledger.TransferCommand{
		FromAlias: req.FromAlias,
		ToAlias:   req.ToAlias,
		Amount:    amount,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionReply(tx), nil
}

func (s *Server) GetAccount(ctx context.Context, req *GetAccountRequest) (*AccountReply, error) {
	var (
		acct *ledger.Account
		err  error
	)
	switch {
	case req.ID != "":
		acct, err = s.Accounts.GetAccount(ctx, req.ID)
	case req.Alias != "":
		acct, err = s.Accounts.GetAccountByAlias(ctx, req.Alias)
	default:
		return nil, status.Error(codes.InvalidArgument, "id or alias is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &AccountReply{
		ID:        acct.ID,
		AliasID:   acct.OwnerAliasID,
		BankName:  acct.BankName,
		Balance:   acct.Balance.StringFixed(ledger.MoneyScale),
		UpdatedAt: acct.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (s *Server) GetTransaction(ctx context.Context, req *GetTransactionRequest) (*TransactionReply, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	tx, err := s.Transfers.GetTransaction(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionReply(tx), nil
}

func transactionReply(tx *ledger.Transaction) *TransactionReply {
	return &TransactionReply{
		ID:                tx.ID,
		SenderAccountID:   tx.SenderAccountID,
		ReceiverAccountID: tx.ReceiverAccountID,
		Amount:            tx.Amount.StringFixed(ledger.MoneyScale),
		Timestamp:         tx.Timestamp.Format(time.RFC3339Nano),
		Status:            string(tx.Status),
	}
}

// toStatus converts an application error into a gRPC status carrying the
// apperr code as its message prefix.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := apperr.CodeOf(err)
	grpcCode := apperr.GRPCCode(code)
	if grpcCode == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(grpcCode, string(code)+": "+err.Error())
}

// UnaryInterceptor propagates the x-correlation-id metadata into the
// context, logs each call and, when a is set, audits mutating methods.
func UnaryInterceptor(logger *slog.Logger, a Auditor) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		cid := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(correlationIDKey); len(v) > 0 {
				cid = v[0]
			}
		}
		if cid != "" {
			ctx = security.WithCorrelationID(ctx, cid)
			_ = grpc.SetHeader(ctx, metadata.Pairs(correlationIDKey, cid))
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		logger.Info("grpc_request",
			"cid", cid,
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if a != nil && isMutation(info.FullMethod) {
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			if _, aerr := a.Record(audit.Event{
				Action:        "grpc_request",
				Subject:       info.FullMethod,
				Outcome:       outcome,
				CorrelationID: cid,
				Detail:        map[string]string{"code": code.String()},
			}); aerr != nil {
				logger.Error("audit append failed", "method", info.FullMethod, "error", aerr)
			}
		}
		return resp, err
	}
}

func isMutation(fullMethod string) bool {
	switch fullMethod {
	case "/" + serviceName + "/RegisterAlias", "/" + serviceName + "/Transfer":
		return true
	}
	return false
}
