package llm

import (
	"fmt"
	"strings"
)

// New builds a provider by name. baseURL overrides the API endpoint when
// non-empty (proxies, compatible gateways).
func New(name, apiKey, baseURL string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "anthropic":
		return NewAnthropic(apiKey, baseURL), nil
	case "openai":
		return NewOpenAI(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// IsRetryable reports whether an error is worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"temporary failure",
		"rate limit",
		"429",
		"500",
		"502",
		"503",
		"504",
		"overloaded",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
