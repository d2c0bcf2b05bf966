package logger

import (
	"io"
	"regexp"
)

// Redactor redacts identity secrets, handshake signatures and credentials
type Redactor struct {
	rules []redactionRule
}

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// Identity secrets and shared secrets in JSON fields
			{regexp.MustCompile(`"(secret|shared_secret|sharedSecret)"\s*:\s*"[^"]*"`), `"$1":"[REDACTED]"`},

			// HMAC handshake signatures
			{regexp.MustCompile(`"signature"\s*:\s*"[0-9a-fA-F]{16,}"`), `"signature":"[REDACTED]"`},

			// Credentials embedded in amqp:// or ws:// URLs, user name kept
			{regexp.MustCompile(`((?:amqps?|wss?)://[^:/\s"]+:)[^@\s"]+@`), `${1}[REDACTED]@`},

			// Bearer tokens
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), `[REDACTED]`},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: "[REDACTED]"})
	return nil
}

// Redact replaces every match of every rule
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact everything written through it
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
