package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const healthPrefix = "/grpc.health.v1.Health/"

var (
	errNoAuthHeader = errors.New("missing authorization header")
	errAuthScheme   = errors.New("authorization must use the Bearer scheme")
	errBadToken     = errors.New("invalid token")
)

// rpcGuard holds what the unary interceptors share.
type rpcGuard struct {
	token  string
	logger *slog.Logger
}

// interceptors returns recovery, access logging and bearer auth, outermost
// first.
func (g rpcGuard) interceptors() []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{g.recoverPanic, g.access, g.authorize}
}

func (g rpcGuard) recoverPanic(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("rpc panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, status.Error(codes.Internal, "internal server error")
		}
	}()
	return next(ctx, req)
}

func (g rpcGuard) access(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	attrs := []any{"method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start)}
	if err != nil {
		g.logger.Warn("rpc", append(attrs, "error", err)...)
	} else {
		g.logger.Debug("rpc", attrs...)
	}
	return resp, err
}

// authorize skips health checks so probes work without a token.
func (g rpcGuard) authorize(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	if g.token == "" || strings.HasPrefix(info.FullMethod, healthPrefix) {
		return next(ctx, req)
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}
	if err := verifyBearer(header, g.token); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return next(ctx, req)
}

// RequireToken is HTTP middleware rejecting requests whose bearer token
// does not match. An empty token lets everything through.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifyBearer(r.Header.Get("Authorization"), token); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifyBearer(header, token string) error {
	if header == "" {
		return errNoAuthHeader
	}
	scheme, provided, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return errAuthScheme
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
		return errBadToken
	}
	return nil
}
