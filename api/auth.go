package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

const (
	authHeader   = "authorization"
	bearerPrefix = "Bearer "
)

// Authenticator checks bearer tokens on incoming calls. The zero token disables it.
type Authenticator struct {
	token string
}

// NewAuthenticator creates an Authenticator for token.
func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: token}
}

// IsEnabled returns true if a token is required.
func (a *Authenticator) IsEnabled() bool {
	return a != nil && a.token != ""
}

// ValidateToken compares provided with the configured token in constant time.
func (a *Authenticator) ValidateToken(provided string) error {
	if !a.IsEnabled() {
		return nil
	}
	if provided == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(provided)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// UnaryInterceptor rejects calls without a valid bearer token. HealthCheck is
// always allowed.
func (a *Authenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !a.IsEnabled() || info.FullMethod == "/"+ServiceName+"/HealthCheck" {
		return handler(ctx, req)
	}

	var provided string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, v := range md.Get(authHeader) {
			if strings.HasPrefix(v, bearerPrefix) {
				provided = strings.TrimPrefix(v, bearerPrefix)
				break
			}
		}
	}
	if err := a.ValidateToken(provided); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(ctx, req)
}

// GenerateToken generates a random 256-bit hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating token")
	}
	return hex.EncodeToString(buf), nil
}

type tokenCredentials string

var _ credentials.PerRPCCredentials = tokenCredentials("")

func (t tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authHeader: bearerPrefix + string(t)}, nil
}

func (tokenCredentials) RequireTransportSecurity() bool { return false }

// WithToken attaches token to every call made by a dialed Client.
func WithToken(token string) grpc.DialOption {
	return grpc.WithPerRPCCredentials(tokenCredentials(token))
}
