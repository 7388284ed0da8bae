// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName   = "prism.log"
	maxLogSizeMB  = 10
	maxLogBackups = 5
)

// Options selects the log level and destination.
type Options struct {
	Debug  bool
	ToFile bool
	Dir    string
}

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Setup applies opts to the standard logrus logger. It can be called again
// to switch destinations; a previous log file is closed.
func Setup(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	SetDebug(opts.Debug)

	var out io.Writer = os.Stdout
	var next *lumberjack.Logger
	if opts.ToFile {
		dir := strings.TrimSpace(opts.Dir)
		if dir == "" {
			dir = "logs"
		}
		if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
			return fmt.Errorf("logging: create log dir: %w", errMkdir)
		}
		next = &lumberjack.Logger{
			Filename:   filepath.Join(dir, logFileName),
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			LocalTime:  true,
		}
		out = next
	}
	log.SetOutput(out)

	if rotator != nil {
		_ = rotator.Close()
	}
	rotator = next
	return nil
}

// SetDebug switches between info and debug level.
func SetDebug(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	log.SetOutput(os.Stdout)
}

// MaskSecret keeps the first and last four characters of s.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
