package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Tag prefixes every line with a fixed label, e.g. "[west] ".
// The zero value logs without a prefix.
type Tag string

// Tagged returns a Tag for the given connection or component name.
func Tagged(name string) Tag {
	return Tag("[" + name + "] ")
}

func (t Tag) Debug(format string, args ...interface{}) { LogDebug(string(t)+format, args...) }
func (t Tag) Info(format string, args ...interface{}) { LogInfo(string(t)+format, args...) }
func (t Tag) Warn(format string, args ...interface{}) { LogWarning(string(t)+format, args...) }
func (t Tag) Error(format string, args ...interface{}) { LogError(string(t)+format, args...) }
