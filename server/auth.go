package server

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RoleAdmin may clear the cache
const RoleAdmin = "admin"

type contextKey int

const (
	userIDKey contextKey = iota
	rolesKey
	apiKeyKey
	requestIDKey
)

// AuthValidator checks a token and returns a context carrying the caller's identity
type AuthValidator func(ctx context.Context, token string) (context.Context, error)

// UnaryAuth creates an interceptor rejecting calls without a valid token.
// Methods starting with one of skip are let through.
//
// Example usage:
//
//	grpc.ChainUnaryInterceptor(
//	    server.UnaryAuth(server.JWTValidator("your-secret-key"), "/grpc.health.v1.Health/"),
//	)
func UnaryAuth(validator AuthValidator, skip ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skipped(info.FullMethod, skip) {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, validator)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth is the streaming counterpart of UnaryAuth
func StreamAuth(validator AuthValidator, skip ...string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if skipped(info.FullMethod, skip) {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), validator)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, validator AuthValidator) (context.Context, error) {
	token, err := extractToken(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated,
			"missing or invalid authentication token: %v\nHint: Include 'authorization: Bearer <token>' or 'x-api-key: <key>' in gRPC metadata", err)
	}

	ctx, err = validator(ctx, token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated,
			"authentication failed: %v\nHint: Verify token format, expiration, and signing key", err)
	}
	return ctx, nil
}

// JWTValidator creates an HMAC-signed JWT validator.
// The sub claim becomes the user id and the roles claim the caller's roles.
func JWTValidator(secret string) AuthValidator {
	return func(ctx context.Context, tokenString string) (context.Context, error) {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return []byte(secret), nil
		})
		if err != nil {
			return ctx, err
		}

		if !token.Valid {
			return ctx, errors.New("invalid token")
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if userID, ok := claims["sub"].(string); ok {
				ctx = context.WithValue(ctx, userIDKey, userID)
			}

			if roles, ok := claims["roles"].([]interface{}); ok {
				roleStrings := make([]string, 0, len(roles))
				for _, role := range roles {
					if roleStr, ok := role.(string); ok {
						roleStrings = append(roleStrings, roleStr)
					}
				}
				ctx = context.WithValue(ctx, rolesKey, roleStrings)
			}
		}

		return ctx, nil
	}
}

// APIKeyValidator accepts the keys of keys, granting each its listed roles
func APIKeyValidator(keys map[string][]string) AuthValidator {
	return func(ctx context.Context, apiKey string) (context.Context, error) {
		roles, ok := keys[apiKey]
		if !ok {
			return ctx, errors.New("invalid API key")
		}

		ctx = context.WithValue(ctx, apiKeyKey, apiKey)
		ctx = context.WithValue(ctx, rolesKey, roles)
		return ctx, nil
	}
}

// AnyValidator accepts a token that one of validators accepts, trying them in order
func AnyValidator(validators ...AuthValidator) AuthValidator {
	return func(ctx context.Context, token string) (context.Context, error) {
		errs := make([]error, 0, len(validators))
		for _, v := range validators {
			out, err := v(ctx, token)
			if err == nil {
				return out, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return ctx, errors.New("no validator configured")
		}
		return ctx, errors.Join(errs...)
	}
}

// RequireRole creates an interceptor requiring one of requiredRoles for method
func RequireRole(method string, requiredRoles ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if info.FullMethod != method {
			return handler(ctx, req)
		}

		roles, ok := GetRoles(ctx)
		if !ok {
			return nil, status.Error(codes.PermissionDenied,
				"no roles found in context\n"+
					"Hint: Authenticate with a JWT token containing a 'roles' claim or an API key granted roles")
		}

		for _, userRole := range roles {
			for _, requiredRole := range requiredRoles {
				if userRole == requiredRole {
					return handler(ctx, req)
				}
			}
		}

		return nil, status.Errorf(codes.PermissionDenied,
			"insufficient permissions: requires one of %v, user has %v", requiredRoles, roles)
	}
}

// extractToken extracts the authentication token from the gRPC metadata
func extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata found")
	}

	if authHeaders := md.Get("authorization"); len(authHeaders) > 0 {
		return strings.TrimPrefix(authHeaders[0], "Bearer "), nil
	}

	if apiKeyHeaders := md.Get("x-api-key"); len(apiKeyHeaders) > 0 {
		return apiKeyHeaders[0], nil
	}

	return "", errors.New("no authentication token found")
}

func skipped(method string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// GetUserID retrieves the user ID from context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// GetRoles retrieves the roles from context
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(rolesKey).([]string)
	return roles, ok
}

// wrappedStream overrides the context of a server stream
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
