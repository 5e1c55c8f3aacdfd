// Package log provides the process-wide leveled logger used by every
// subsystem of the work server. It wraps go-ethereum's log handler chain
// the same way the teacher codebase does: a colorable terminal stream plus
// an optional rotating file stream, both fed by a single io.Writer.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jrick/logrotate/rotator"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Re-export the handful of go-ethereum/log identifiers this package's
// callers need, so nothing outside this package imports go-ethereum/log
// directly.
type (
	Logger = log.Logger
	Lvl    = log.Lvl
)

const (
	LvlCrit  = log.LvlCrit
	LvlError = log.LvlError
	LvlWarn  = log.LvlWarn
	LvlInfo  = log.LvlInfo
	LvlDebug = log.LvlDebug
	LvlTrace = log.LvlTrace
)

var (
	glogger  *log.GlogHandler
	logWrite *logWriter
)

// logWriter fans log lines out to a colorized stderr stream and, once
// InitLogRotator has been called, to a rotating file as well.
type logWriter struct {
	logRotator     *rotator.Rotator
	colorableWrite io.Writer
}

func (lw *logWriter) init() {
	if isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TERM") != "dumb" {
		lw.colorableWrite = colorable.NewColorableStderr()
	}
}

func (lw *logWriter) Close() {
	if lw.logRotator != nil {
		lw.logRotator.Close()
	}
}

func (lw *logWriter) IsUseColor() bool {
	return lw.colorableWrite != nil
}

func (lw *logWriter) Write(p []byte) (int, error) {
	if lw.logRotator != nil {
		lw.logRotator.Write(p)
	}
	if lw.colorableWrite != nil {
		lw.colorableWrite.Write(p)
	} else {
		os.Stderr.Write(p)
	}
	return len(p), nil
}

func init() {
	logWrite = &logWriter{}
	logWrite.init()
	glogger = log.NewGlogHandler(log.StreamHandler(io.Writer(logWrite), log.TerminalFormat(logWrite.IsUseColor())))
	log.Root().SetHandler(glogger)
	glogger.Verbosity(LvlInfo)
}

// InitLogRotator sets up rotating file output at logFile. It must be called
// before any subsystem logger writes, typically right after config parsing.
func InitLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logWrite.logRotator = r
	return nil
}

// SetVerbosity changes the global log level. It accepts the same level
// names the --debuglevel flag does: trace, debug, info, warn, error, crit.
func SetVerbosity(levelName string) error {
	lvl, err := log.LvlFromString(levelName)
	if err != nil {
		return fmt.Errorf("invalid debug level %q: %w", levelName, err)
	}
	glogger.Verbosity(lvl)
	return nil
}

// New returns a subsystem-scoped child logger, e.g. New("module", "dispatcher").
func New(ctx ...interface{}) Logger {
	return log.New(ctx...)
}

// Close flushes and closes the underlying file rotator, if any.
func Close() {
	logWrite.Close()
}
