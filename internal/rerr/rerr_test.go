package rerr

import (
	"errors"
	"testing"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(PoolAcquisition, cause, "acquiring writer slot")

	if !errors.Is(err, PoolAcquisition) {
		t.Fatalf("expected errors.Is to match PoolAcquisition, got: %v", err)
	}
	if Cause(err) != cause {
		t.Fatalf("expected Cause to return root cause, got: %v", Cause(err))
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := Wrap(TooManyRowsImpacted, nil, "limit is %d", 1000)
	if !errors.Is(err, TooManyRowsImpacted) {
		t.Fatalf("expected errors.Is to match, got: %v", err)
	}
}

func TestDistinctKindsDoNotMatch(t *testing.T) {
	err := Wrap(DecodeError, errors.New("short frame"), "decoding message")
	if errors.Is(err, UnknownPayloadKind) {
		t.Fatal("did not expect DecodeError to match UnknownPayloadKind")
	}
}
