package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/errs"
)

func TestErrorStringIncludesVenueAndCode(t *testing.T) {
	err := errs.New("nonkyc", errs.CodeRateLimited,
		errs.WithHTTP(429),
		errs.WithMessage("slow down"),
		errs.WithRawCode("429"),
	)
	msg := err.Error()
	require.Contains(t, msg, "venue=nonkyc")
	require.Contains(t, msg, "code=rate_limited")
	require.Contains(t, msg, "http=429")
	require.Contains(t, msg, `message="slow down"`)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := errs.New("nonkyc", errs.CodeNetwork, errs.WithCause(cause))
	require.ErrorIs(t, err, cause)
}

func TestHasCodeThroughWrapping(t *testing.T) {
	inner := errs.New("nonkyc", errs.CodeUnknownExchangeID)
	wrapped := fmt.Errorf("cancel order: %w", inner)
	require.True(t, errs.HasCode(wrapped, errs.CodeUnknownExchangeID))
	require.False(t, errs.HasCode(wrapped, errs.CodeAuthUnavailable))
	require.False(t, errs.HasCode(errors.New("plain"), errs.CodeNetwork))
}

func TestNilErrorString(t *testing.T) {
	var err *errs.E
	require.Equal(t, "<nil>", err.Error())
}
