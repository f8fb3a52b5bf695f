// logging.go - Log file setup and log hygiene
// In raw mode stdout is the terminal, so the process logger goes to an
// append-only file instead.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init sends the standard logger to the file at path. A previous log file
// opened by Init is closed.
func Init(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("cannot create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	mu.Lock()
	old := logFile
	logFile = f
	log.SetOutput(f)
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Printf("Logging to file: %s", path)
	return nil
}

// Discard drops all log output
func Discard() {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(io.Discard)
}

// Close restores stderr logging and closes the log file
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stderr)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Sanitize removes newlines and control characters from user-provided
// strings so they cannot forge log lines
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

const redacted = "[REDACTED]"

var (
	pemBlock = regexp.MustCompile(`(?s)-----BEGIN ([A-Z0-9 ]+)-----.*?(-----END [A-Z0-9 ]+-----|$)`)
	// key=value and key: value pairs whose key names a secret
	secretPair = regexp.MustCompile(`(?i)\b(password|passwd|passphrase|secret|token|pwd)(\s*[:=]\s*)("[^"]*"|\S+)`)
)

// Redact masks PEM bodies and password-like key/value pairs, then
// sanitizes the result
func Redact(s string) string {
	s = pemBlock.ReplaceAllString(s, "-----BEGIN $1----- "+redacted)
	s = secretPair.ReplaceAllString(s, "${1}${2}"+redacted)
	return Sanitize(s)
}
