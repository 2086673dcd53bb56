// Package logging owns the process logger lifecycle. Init is called once
// at daemon (or command) start; components obtain child loggers via
// WithComponent instead of touching globals.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	root zerolog.Logger = zerolog.New(io.Discard)
	file *os.File
)

// Init routes log output to the sync log file at path (created along with
// its parent directory) and, when console is true, to stderr. Lines in the
// file follow the "[ISO] [LEVEL] message" convention so the log stays
// greppable alongside the corpus.
func Init(path string, console bool, level zerolog.Level) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}

	fileWriter := zerolog.ConsoleWriter{
		Out:        f,
		NoColor:    true,
		TimeFormat: time.RFC3339,
		FormatTimestamp: func(i any) string {
			return fmt.Sprintf("[%v]", i)
		},
		FormatLevel: func(i any) string {
			return fmt.Sprintf("[%s]", strings.ToUpper(fmt.Sprint(i)))
		},
	}

	var out io.Writer = fileWriter
	if console {
		out = zerolog.MultiLevelWriter(fileWriter, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if file != nil {
		file.Close()
	}
	file = f
	root = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", name).Logger()
}
