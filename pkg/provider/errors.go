// Package provider holds helpers shared by the three adapter clients.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "lexrelay/internal/errors"
	"lexrelay/pkg/provider/types"
)

// NormalizeError maps a transport failure to the single provider error
// type. Timeouts are a distinct, retryable kind so workers can tell
// "provider slow" from "provider rejected".
func NormalizeError(err error, kind types.Kind, operation string) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeProviderTimeout,
			fmt.Sprintf("%s provider timed out during %s", kind, operation))
	}

	return apperrors.WrapRetryable(err, apperrors.ErrCodeProviderResponse,
		fmt.Sprintf("%s provider request failed during %s", kind, operation))
}

// ErrorFromStatus maps a non-2xx provider response to the single provider
// error type. Throttling and server-side failures are retryable; anything
// else is a rejection the queue should not retry.
func ErrorFromStatus(kind types.Kind, operation string, statusCode int, body []byte) error {
	message := fmt.Sprintf("%s provider returned status %d during %s", kind, statusCode, operation)

	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return apperrors.NewRetryable(apperrors.ErrCodeProviderResponse, message).
			WithContext("body", truncate(body, 256))
	}

	return apperrors.New(apperrors.ErrCodeProviderRejected, message).
		WithContext("body", truncate(body, 256))
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
