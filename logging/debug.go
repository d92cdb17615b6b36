package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose per-category diagnostics to a dedicated file.
// Raw inbound payloads can be hex dumped with LogRX.
type DebugLogger struct {
	out     io.WriteCloser
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Categories lists the debug categories used across the module.
var Categories = []string{
	"tag", "supervision", "rule", "engine",
	"mqtt", "kafka", "valkey", "push",
	"api", "config",
}

// categoryGroups expand a filter name into the categories it covers.
var categoryGroups = map[string][]string{
	"core":      {"tag", "supervision", "rule", "engine"},
	"transport": {"mqtt", "kafka", "valkey", "push"},
	"tag":       {"tag", "supervision"},
}

// NewDebugLogger truncates path and starts a new debug session in it.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	return newDebugLogger(file), nil
}

func newDebugLogger(out io.WriteCloser) *DebugLogger {
	l := &DebugLogger{
		out:     out,
		filters: make(map[string]bool),
	}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts logging to a comma-separated category list. Group
// names ("core", "transport") expand to their members. Empty logs all.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, member := range categoryGroups[p] {
			l.filters[member] = true
		}
	}

	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		sort.Strings(names)
		l.writeLocked("debug", "Filtering enabled for: "+strings.Join(names, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(category string) bool {
	if len(l.filters) == 0 {
		return true
	}
	c := strings.ToLower(category)
	return c == "debug" || l.filters[c]
}

func (l *DebugLogger) writeLocked(category, msg string) {
	fmt.Fprintf(l.out, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), category, msg)
}

// SetGlobalDebugLogger installs the process-wide debug logger. Nil disables it.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, possibly nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted line under category.
func (l *DebugLogger) Log(category, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(category) {
		return
	}
	l.writeLocked(category, fmt.Sprintf(format, args...))
}

// LogRX logs a received payload with a hex dump.
func (l *DebugLogger) LogRX(category, source string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(category) {
		return
	}
	l.writeLocked(category, fmt.Sprintf("RX %s (%d bytes):\n%s", source, len(data), hexDump(data)))
}

// Close writes a footer and closes the underlying file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.writeLocked("debug", "Debug logging ended")
	return l.out.Close()
}

// hexDump formats data as offset, two groups of 8 hex bytes and ASCII:
//
//	0000: 7B 22 69 64 22 3A 31 32  33 34 7D                 {"id":1234}
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs through the global debug logger, if any.
func DebugLog(category, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(category, format, args...)
	}
}

// DebugRX hex dumps an inbound payload through the global debug logger.
func DebugRX(category, source string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(category, source, data)
	}
}

// DebugConnect logs a connection attempt.
func DebugConnect(category, address string) {
	DebugLog(category, "CONNECT to %s", address)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(category, address string, err error) {
	DebugLog(category, "CONNECT FAILED to %s: %v", address, err)
}

// DebugError logs an error with context.
func DebugError(category, context string, err error) {
	DebugLog(category, "ERROR in %s: %v", context, err)
}
