package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileLogger writes operator log lines to a file, optionally echoing them to
// a second writer (usually stdout). Safe for concurrent use.
type FileLogger struct {
	file   *os.File
	echo   io.Writer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path in append mode, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// SetEcho copies every line to w as well. A nil w disables echoing.
func (l *FileLogger) SetEcho(w io.Writer) {
	l.mu.Lock()
	l.echo = w
	l.mu.Unlock()
}

// Log writes a timestamped line.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	io.WriteString(l.file, line)
	if l.echo != nil {
		io.WriteString(l.echo, line)
	}
}

// Close closes the log file. Further Log calls are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
