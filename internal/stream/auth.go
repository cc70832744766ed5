package stream

import (
	"context"
	"strings"

	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthConfig controls bearer-token authentication of the gRPC service.
type AuthConfig struct {
	Enabled bool

	// PublicMethods do not require a token.
	// Format: "/service.Name/MethodName"
	PublicMethods []string

	// MethodScopes maps a full method name to the scope it requires.
	MethodScopes map[string]string
}

// DefaultAuthConfig returns authentication configuration with auth disabled.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:       false,
		PublicMethods: []string{proofstream.StatusMethod},
		MethodScopes: map[string]string{
			proofstream.SubscribeMethod: ScopeSubscribe,
			proofstream.IngestMethod:    ScopeIngest,
		},
	}
}

// Authenticator validates access tokens on incoming calls.
type Authenticator struct {
	config        AuthConfig
	issuer        *TokenIssuer
	publicMethods map[string]struct{}
}

// NewAuthenticator creates an Authenticator verifying tokens with issuer.
func NewAuthenticator(config AuthConfig, issuer *TokenIssuer) *Authenticator {
	a := &Authenticator{
		config:        config,
		issuer:        issuer,
		publicMethods: make(map[string]struct{}),
	}
	for _, m := range config.PublicMethods {
		a.publicMethods[m] = struct{}{}
	}
	return a
}

// UnaryInterceptor returns a unary server interceptor for authentication.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.config.Enabled || a.isPublicMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		claims, err := a.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(context.WithValue(ctx, claimsKey{}, claims), req)
	}
}

// StreamInterceptor returns a stream server interceptor for authentication.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !a.config.Enabled || a.isPublicMethod(info.FullMethod) {
			return handler(srv, ss)
		}
		claims, err := a.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), claimsKey{}, claims),
		})
	}
}

func (a *Authenticator) isPublicMethod(method string) bool {
	_, ok := a.publicMethods[method]
	return ok
}

func (a *Authenticator) authenticate(ctx context.Context, method string) (*TokenClaims, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	var raw string
	if headers := md.Get("authorization"); len(headers) > 0 {
		raw, ok = BearerToken(headers[0])
	}
	if !ok || raw == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := a.issuer.Verify(raw)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	if scope, ok := a.config.MethodScopes[method]; ok && !claims.HasScope(scope) {
		return nil, status.Errorf(codes.PermissionDenied, "token lacks scope %q", scope)
	}
	return claims, nil
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

type claimsKey struct{}

// ClaimsFromContext returns the verified token claims of the call, if any.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*TokenClaims)
	return c, ok
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
