package secrets

import "strings"

// Redacted replaces secret occurrences at egress boundaries.
const Redacted = "[REDACTED]"

// RedactToken replaces every literal occurrence of token in s. The
// replacement is a plain string match, so tokens containing regex
// metacharacters are handled correctly. An empty token leaves s unchanged.
func RedactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, Redacted)
}

// RedactError wraps err so its message carries no occurrence of token.
// Returns err unchanged when it is nil, the token is empty, or the message
// is already clean.
func RedactError(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return &redactedError{msg: RedactToken(msg, token)}
}

// redactedError deliberately drops the cause chain: a wrapped cause could
// re-expose the token through errors.Unwrap.
type redactedError struct {
	msg string
}

func (e *redactedError) Error() string { return e.msg }
