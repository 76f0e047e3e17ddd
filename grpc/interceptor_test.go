package grpc

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/beautycort/resilient"
)

func invokeWith(err error) error {
	interceptor := UnaryClassifyInterceptor()
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return err
	}
	return interceptor(context.Background(), "/beautycort.Bookings/Create", nil, nil, nil, invoker)
}

func TestUnaryClassifyInterceptor_Success(t *testing.T) {
	if err := invokeWith(nil); err != nil {
		t.Fatalf("interceptor error = %v, want nil", err)
	}
}

func TestUnaryClassifyInterceptor_ClassifiesStatus(t *testing.T) {
	err := invokeWith(status.Error(codes.Unavailable, "backend down"))
	if err == nil {
		t.Fatal("interceptor error = nil, want error")
	}
	var ce *resilient.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %T is not a *resilient.Error", err)
	}
	if ce.Category != resilient.CategoryNetwork {
		t.Errorf("Category = %v, want %v", ce.Category, resilient.CategoryNetwork)
	}
}

func TestUnaryClassifyInterceptor_NonStatusError(t *testing.T) {
	// status.FromError treats plain errors as codes.Unknown, which maps
	// to a server-side failure.
	err := invokeWith(errors.New("boom"))
	if got := resilient.CategoryOf(err); got != resilient.CategoryServerError {
		t.Errorf("CategoryOf() = %v, want %v", got, resilient.CategoryServerError)
	}
}
