package logger

import (
	"io"
	"regexp"
)

// Redactor masks credentials before log lines reach their destination.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the credentials the runtime handles:
// reasoning backend keys, bearer tokens for HTTP backends and actuators, and
// telegram bot tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),
			regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["\s:=]+[^\s",}]{8,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shortened,
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
