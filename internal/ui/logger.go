package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Logger provides level-tagged, color-coded console output
type Logger struct {
	Verbose bool
	Quiet   bool
}

var (
	infoTag    = color.New(color.FgBlue)
	successTag = color.New(color.FgGreen)
	warningTag = color.New(color.FgYellow)
	errorTag   = color.New(color.FgRed)
	debugTag   = color.New(color.FgCyan)
)

// NewLogger creates a new logger. Color is disabled when requested or when
// stderr is not a terminal.
func NewLogger(verbose, quiet, noColor bool) *Logger {
	if noColor || !term.IsTerminal(int(os.Stderr.Fd())) {
		color.NoColor = true
	}
	return &Logger{
		Verbose: verbose,
		Quiet:   quiet,
	}
}

func (l *Logger) emit(tag *color.Color, level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s %s\n", tag.Sprintf("[%s]", level), msg)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.Quiet {
		return
	}
	l.emit(infoTag, "INFO", format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	if l.Quiet {
		return
	}
	l.emit(successTag, "SUCCESS", format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.emit(warningTag, "WARNING", format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(errorTag, "ERROR", format, args...)
}

// Debug logs a debug message (only if verbose is enabled)
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.Verbose {
		return
	}
	l.emit(debugTag, "DEBUG", format, args...)
}
