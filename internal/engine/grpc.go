package engine

import (
	"context"

	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Методы, доступные без токена (пробы оркестратора).
var publicMethods = map[string]bool{
	grpc_health_v1.Health_Check_FullMethodName: true,
}

// NewGRPCServer собирает gRPC сервер с health-сервисом и JWT-интерсепторами.
// Health-статус переключает вызывающий (SERVING после старта ядра).
func NewGRPCServer(v auth.TokenValidator, logger *zap.Logger) (*grpc.Server, *health.Server) {
	logger = logger.Named("grpc")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(v, logger)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(v, logger)),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}

// UnaryAuthInterceptor проверяет токен в метаданных gRPC вызова
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		newCtx, err := authenticate(ctx, v)
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, err
		}
		return handler(newCtx, req)
	}
}

func StreamAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if publicMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, v auth.TokenValidator) (context.Context, error) {
	// 1. Извлекаем метаданные из контекста
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
	}

	// 2. Ищем токен (в gRPC заголовки обычно в нижнем регистре)
	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		return nil, status.Errorf(codes.Unauthenticated, "missing access token")
	}

	claims, err := v.VerifyToken(tokens[0])
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
	}

	// 3. Обогащаем контекст: актор аудита берется оттуда же, что и в HTTP
	return auth.WithClaims(ctx, claims), nil
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
