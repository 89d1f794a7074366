// Package logx provides component-tagged logging with context-aware debug filtering.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled     bool
	FileLogging bool
	LogDir      string
	Domains     map[string]bool // nil enables every domain
}

type ctxKey string

const runIDKey ctxKey = "run_id"

//nolint:gochecknoglobals // process-wide logging configuration
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logWriter     io.Writer
	logWriterLock sync.Mutex
)

func init() { //nolint:gochecknoinits // env-driven debug configuration
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG, DEBUG_FILE, DEBUG_LOG_DIR and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}
	debugConfig.LogDir = os.Getenv("DEBUG_LOG_DIR")
	if debugConfig.LogDir == "" {
		debugConfig.LogDir = "logs"
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Logger writes lines of the form "[timestamp] [component] LEVEL: message".
type Logger struct {
	component string
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// SetDebugConfig configures global debug logging settings.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir != "" {
		debugConfig.LogDir = logDir
	}
	if fileLogging && debugConfig.LogDir != "" {
		if err := os.MkdirAll(debugConfig.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", debugConfig.LogDir, err)
		}
	}
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// WithRunID returns a context carrying the pipeline run ID for debug lines.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run ID stored by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

func write(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	_, _ = fmt.Fprintln(w, line)
}

func formatLine(component string, level Level, message string) string {
	timestamp := time.Now().UTC().Format(timestampFormat)
	return fmt.Sprintf("[%s] [%s] %s: %s", timestamp, component, level, message)
}

func (l *Logger) log(level Level, format string, args ...any) {
	write(formatLine(l.component, level, fmt.Sprintf(format, args...)))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
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

// Component returns the component name printed with every line.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger for a sub-component, e.g. "pipeline/rules".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs a debug message filtered by domain. The run ID is taken from ctx.
//
//	DEBUG=1                              # all domains
//	DEBUG=1 DEBUG_DOMAINS=pipeline,llm   # selected domains
//	DEBUG=1 DEBUG_FILE=1                 # also append to {DEBUG_LOG_DIR}/{domain}.log
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	component := RunIDFromContext(ctx)
	if component == "" {
		component = "unknown"
	}
	message := fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...))
	line := formatLine(component, LevelDebug, message)
	write(line)

	debugMutex.RLock()
	fileLogging := debugConfig.FileLogging
	logDir := debugConfig.LogDir
	debugMutex.RUnlock()
	if fileLogging {
		appendToFile(filepath.Join(logDir, domain+".log"), line)
	}
}

func appendToFile(path, line string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open debug log %s: %v\n", path, err)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintln(f, line)
}

// DebugFlow logs workflow step information with context and domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = " - " + extra[0]
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

//nolint:gochecknoglobals // default logger for package-level helpers
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("open store: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
