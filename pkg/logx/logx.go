// Package logx provides leveled component logging for the orchestrator.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled, component-tagged lines to stderr.
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// debugConfig controls debug output. Populated once from the environment:
//
//	AUTOBUILDR_DEBUG=1                        enable debug for all components
//	AUTOBUILDR_DEBUG=kernel,resolver          enable debug for listed components
type debugConfig struct {
	enabled    bool
	components map[string]bool // nil means all components
}

//nolint:gochecknoglobals // process-wide debug gate, set once at init
var (
	debugCfg   = &debugConfig{}
	debugMutex sync.RWMutex
)

func init() { //nolint:gochecknoinits // env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	raw := os.Getenv("AUTOBUILDR_DEBUG")
	if raw == "" {
		return
	}
	debugCfg.enabled = true
	if raw == "1" || strings.EqualFold(raw, "true") || strings.EqualFold(raw, "all") {
		debugCfg.components = nil
		return
	}
	debugCfg.components = make(map[string]bool)
	for _, c := range strings.Split(raw, ",") {
		debugCfg.components[strings.TrimSpace(c)] = true
	}
}

// SetDebug overrides the environment-derived debug configuration.
// An empty component list enables debug for every component.
func SetDebug(enabled bool, components ...string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugCfg.enabled = enabled
	if len(components) == 0 {
		debugCfg.components = nil
		return
	}
	debugCfg.components = make(map[string]bool)
	for _, c := range components {
		debugCfg.components[strings.TrimSpace(c)] = true
	}
}

// IsDebugEnabled reports whether debug logging is active for a component.
func IsDebugEnabled(component string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugCfg.enabled {
		return false
	}
	if debugCfg.components == nil {
		return true
	}
	return debugCfg.components[component]
}

func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger tagged with a different component name,
// sharing the underlying writer.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		component: component,
		logger:    l.logger,
	}
}

//nolint:gochecknoglobals // package-level convenience logger
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "db connect") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
