// Package grpc adapts the resilient token manager to gRPC backends:
// per-RPC credentials that attach the managed token, and a client
// interceptor that maps RPC failures onto the transport error taxonomy.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/beautycort/resilient"
)

// TokenCredentials implements credentials.PerRPCCredentials backed by a
// resilient.Manager. The manager's refresh de-duplication applies
// unchanged: concurrent RPCs during expiry share one refresh.
type TokenCredentials struct {
	Tokens *resilient.Manager

	// AllowInsecure permits use over non-TLS connections (local
	// development only).
	AllowInsecure bool
}

func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token := c.Tokens.AccessToken(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "no usable access token")
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (c *TokenCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}

// CategoryFromCode maps a gRPC status code onto the transport taxonomy.
func CategoryFromCode(code codes.Code) resilient.Category {
	switch code {
	case codes.Unauthenticated:
		return resilient.CategoryAuthentication
	case codes.PermissionDenied:
		return resilient.CategoryAuthorization
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return resilient.CategoryValidation
	case codes.ResourceExhausted:
		return resilient.CategoryRateLimited
	case codes.DeadlineExceeded:
		return resilient.CategoryTimeout
	case codes.Unavailable:
		return resilient.CategoryNetwork
	case codes.Internal, codes.DataLoss, codes.Unknown:
		return resilient.CategoryServerError
	}
	return resilient.CategoryUnknown
}

// UnaryClassifyInterceptor wraps every RPC failure as a
// *resilient.Error, so callers sharing retry logic between HTTP and gRPC
// backends decide on the category alone.
func UnaryClassifyInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}
		// FromError yields a codes.Unknown status for non-status errors,
		// which the taxonomy treats as a server-side failure.
		st, _ := status.FromError(err)
		return &resilient.Error{
			Category: CategoryFromCode(st.Code()),
			Message:  st.Message(),
			Err:      err,
		}
	}
}
