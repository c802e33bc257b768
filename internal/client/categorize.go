package client

import (
	"context"
	"errors"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (upstreamErrorsTotal).
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryBadResponse ErrorCategory = "bad_response"
	ErrorCategoryCanceled    ErrorCategory = "canceled"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrUpstreamRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamBadResponse):
		return ErrorCategoryBadResponse
	case errors.Is(err, ErrUpstreamUnreachable):
		return ErrorCategoryNetwork
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryUnknown
	}
}
