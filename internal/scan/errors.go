package scan

import "fmt"

// ErrorType classifies a per-symbol scan diagnostic.
type ErrorType string

const (
	// ErrorNoData marks a symbol the provider returned zero bars for.
	// Informational, not a defect.
	ErrorNoData ErrorType = "no_data"
	// ErrorProvider marks an upstream failure, optionally status-coded.
	ErrorProvider ErrorType = "provider_error"
	// ErrorAuth marks the pre-flight token warm-up failure that aborts a run.
	ErrorAuth ErrorType = "auth"
)

// ProviderError is an upstream fetch failure. StatusCode 0 means the status
// is unknown (network error, timeout, unclassified exception).
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider error: %s", e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

// AuthError is a token warm-up failure. Fatal to a scan run.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsTransientStatus reports whether a provider error with the given status is
// retry-eligible: unknown (nil), 401, 429 or any 5xx.
func IsTransientStatus(status *int) bool {
	if status == nil {
		return true
	}
	return *status == 401 || *status == 429 || *status >= 500
}
