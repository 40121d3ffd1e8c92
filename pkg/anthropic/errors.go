package anthropic

import (
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// APIStatus returns the HTTP status code of an API error anywhere in err's
// chain, or 0 when the error did not come from the API.
func APIStatus(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRateLimited reports whether the API rejected the call with a rate limit.
func IsRateLimited(err error) bool {
	return APIStatus(err) == 429
}

// IsTransientAPI reports whether the error is a provider-side condition
// worth retrying: rate limits, timeouts, overloads, and 5xx responses.
func IsTransientAPI(err error) bool {
	switch status := APIStatus(err); {
	case status == 408, status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// IsBudgetExhausted reports whether the API refused the call for billing
// reasons. These failures are terminal for the whole run, never retried.
func IsBudgetExhausted(err error) bool {
	if err == nil {
		return false
	}
	if APIStatus(err) == 402 {
		return true
	}
	// Insufficient credit arrives as a 400 invalid_request_error.
	return strings.Contains(strings.ToLower(err.Error()), "credit balance")
}
