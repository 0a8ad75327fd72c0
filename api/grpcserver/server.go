// Package grpcserver exposes the engine's operational surface over gRPC:
// order lookup, dry-run selection, cancellation requests and the standard
// health service.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"orderflow/domain/order"
	"orderflow/service"
)

type Orders interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	RequestCancellation(ctx context.Context, id uuid.UUID) error
}

type Selector interface {
	Next(ctx context.Context, keyID string, chainID uint64) (service.Selection, error)
}

// Server adapts the engine to the Orders gRPC service.
type Server struct {
	orders   Orders
	selector Selector
	log      *zap.Logger

	grpc   *grpc.Server
	health *health.Server
}

func New(orders Orders, selector Selector, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{orders: orders, selector: selector, log: log, health: health.NewServer()}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	s.grpc.RegisterService(&ordersServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks until lis fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop flips health to NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// -------------------- Orders service --------------------

func (s *Server) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := orderID(req)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromOrder(o)
}

func (s *Server) SelectNext(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	keyID := f["key_id"].GetStringValue()
	chainID := f["chain_id"].GetNumberValue()
	if keyID == "" || chainID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "key_id and chain_id are required")
	}
	sel, err := s.selector.Next(ctx, keyID, uint64(chainID))
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{"reason": sel.Reason, "selected": sel.Selected()}
	if sel.Selected() {
		out["order_id"] = sel.Order.ID.String()
		out["order_type"] = string(sel.Order.Type)
		out["state"] = string(sel.Order.State)
	}
	return structpb.NewStruct(out)
}

func (s *Server) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := orderID(req)
	if err != nil {
		return nil, err
	}
	if err := s.orders.RequestCancellation(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"status": "ok", "order_id": id.String()})
}

// -------------------- Converters --------------------

func orderID(req *structpb.Struct) (uuid.UUID, error) {
	id, err := uuid.Parse(req.GetFields()["order_id"].GetStringValue())
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "order_id: %v", err)
	}
	return id, nil
}

func fromOrder(o *order.Order) (*structpb.Struct, error) {
	out := map[string]any{
		"order_id":               o.ID.String(),
		"order_type":             string(o.Type),
		"state":                  string(o.State),
		"key_id":                 o.KeyID,
		"address":                o.Address(),
		"chain_id":               float64(o.ChainID()),
		"transaction_hash":       o.TransactionHash,
		"cancellation_requested": o.CancellationRequested,
		"created_at":             o.CreatedAt.Format(time.RFC3339Nano),
		"last_modified_at":       o.LastModifiedAt.Format(time.RFC3339Nano),
	}
	if o.HasReplaces() {
		out["replaces"] = o.Replaces.String()
	}
	if o.HasReplacedBy() {
		out["replaced_by"] = o.ReplacedBy.String()
	}
	if o.Data.Nonce != nil {
		out["nonce"] = float64(*o.Data.Nonce)
	}
	return structpb.NewStruct(out)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, order.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, order.ErrConditionalCheckFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, order.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("took", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		s.log.Warn("grpc call failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("grpc call", fields...)
	}
	return resp, err
}
