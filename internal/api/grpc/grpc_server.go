package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/olyamironova/trade-execution/internal/api/dto"
	"github.com/olyamironova/trade-execution/internal/core"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// OwnerMetadataKey carries the caller identity, like X-User-ID over HTTP.
const OwnerMetadataKey = "x-user-id"

type GRPCServer struct {
	Eng      *core.Engine
	log      *zap.Logger
	validate *validator.Validate
}

var _ ExecutionServer = (*GRPCServer)(nil)

func NewGRPCServer(eng *core.Engine, log *zap.Logger) *GRPCServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPCServer{Eng: eng, log: log.Named("grpc"), validate: validator.New()}
}

// Register adds the execution and health services to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
}

func (s *GRPCServer) NewServer() *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	s.Register(gs)
	return gs
}

// Run serves on addr until ctx is cancelled.
func (s *GRPCServer) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", addr, err)
	}
	gs := s.NewServer()
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.log.Info("grpc listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	}
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("latency", time.Since(start)),
	}
	if status.Code(err) == codes.Internal {
		s.log.Error("rpc", append(fields, zap.Error(err))...)
	} else {
		s.log.Info("rpc", fields...)
	}
	return resp, err
}

func (s *GRPCServer) SubmitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req dto.SubmitOrderRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid order: %v", err)
	}
	order, err := req.ToDomain(owner)
	if err != nil {
		return nil, toStatus(err)
	}
	o, err := s.Eng.SubmitOrder(ctx, order)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.FromOrder(o))
}

func (s *GRPCServer) ExecuteOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	id := in.GetFields()["orderId"].GetStringValue()
	key := in.GetFields()["idempotencyKey"].GetStringValue()
	if _, err := s.ownOrder(ctx, id, owner); err != nil {
		// a filled order is gone; only a keyed retry may still replay it
		if key == "" || status.Code(err) != codes.NotFound {
			return nil, err
		}
	}
	res, err := s.Eng.ExecuteOrder(ctx, id, key)
	if err != nil {
		return nil, toStatus(err)
	}
	if initiator, ok := res.InitiatorID(); ok && initiator != owner {
		return nil, status.Errorf(codes.PermissionDenied, "order %s belongs to another owner", id)
	}
	return encode(dto.FromExecution(res))
}

func (s *GRPCServer) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.ownOrder(ctx, in.GetFields()["orderId"].GetStringValue(), owner)
	if err != nil {
		return nil, err
	}
	return encode(dto.FromOrder(o))
}

func (s *GRPCServer) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	id := in.GetFields()["orderId"].GetStringValue()
	if err := s.Eng.CancelOrder(ctx, id, owner); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"orderId": id, "cancelled": true})
}

func (s *GRPCServer) GetOrderbook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ob, err := s.Eng.GetOrderbook(ctx, in.GetFields()["instrument"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(dto.FromSnapshot(ob))
}

func (s *GRPCServer) ownOrder(ctx context.Context, id, owner string) (*domain.Order, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId is required")
	}
	o, err := s.Eng.GetOrder(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if o.OwnerID != owner {
		return nil, status.Errorf(codes.PermissionDenied, "order %s belongs to another owner", id)
	}
	return o, nil
}

func ownerFrom(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(OwnerMetadataKey); len(vals) > 0 && vals[0] != "" {
		return vals[0], nil
	}
	return "", status.Error(codes.Unauthenticated, OwnerMetadataKey+" metadata required")
}

// decode maps a Struct payload onto a request DTO through its JSON form.
func decode(in *structpb.Struct, out any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrConflict), errors.Is(err, port.ErrTxConflict):
		code = codes.Aborted
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientHoldings):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		return status.Errorf(codes.Internal, "internal error: %v", err)
	}
	return status.Error(code, err.Error())
}
