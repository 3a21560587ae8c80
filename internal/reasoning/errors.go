package reasoning

import "strings"

// ErrorClass categorizes provider failures for failover logs.
type ErrorClass string

const (
	ErrorClassAuth        ErrorClass = "AUTH"
	ErrorClassRateLimit   ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout     ErrorClass = "TIMEOUT"
	ErrorClassUnreachable ErrorClass = "UNREACHABLE"
	ErrorClassServer      ErrorClass = "SERVER"
	ErrorClassUnknown     ErrorClass = "UNKNOWN"
)

// ClassifyError inspects the error text for known patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key", "invalid key"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "quota"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "connection refused", "no such host", "connection reset", "eof"):
		return ErrorClassUnreachable
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway"):
		return ErrorClassServer
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
