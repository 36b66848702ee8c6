package core

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "off"
	}
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// LogHook receives every line that passes the level filter.
type LogHook func(level LogLevel, tag, msg string)

// Logger provides per-component log level filtering.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	hook        LogHook
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{}
	l.Configure(cfg)
	return l
}

// Configure replaces the level settings. The installed hook is kept.
func (l *Logger) Configure(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}

	l.mu.Lock()
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.mu.Unlock()
}

// SetHook installs (or removes, with nil) the line hook.
func (l *Logger) SetHook(h LogHook) {
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

func (l *Logger) emit(level LogLevel, tag, format string, args ...any) {
	if l.levelFor(tag) > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Print("[" + tag + "] " + msg)

	l.mu.RLock()
	hook := l.hook
	l.mu.RUnlock()
	if hook != nil {
		hook(level, tag, msg)
	}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	l.emit(LevelDebug, tag, format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	l.emit(LevelInfo, tag, format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	l.emit(LevelWarn, tag, format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	l.emit(LevelError, tag, format, args...)
}

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	log.Printf("["+tag+"] "+format, args...)
	os.Exit(1)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
