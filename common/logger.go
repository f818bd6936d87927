// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AppLogger is the process-wide logger.
// Supports file logging with automatic rotation based on size.
type AppLogger struct {
	mu          sync.Mutex
	level       LogLevel
	logger      *log.Logger
	logFile     *os.File
	logDir      string
	filePath    string
	maxFileSize int64
	maxBackups  int
}

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level       LogLevel
	EnableFile  bool
	Dir         string // defaults to ~/.config/vpn-orchestrator/logs
	MaxFileSize int64  // in bytes, default 5MB
	MaxBackups  int    // number of rotated files to keep, default 5
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultMaxFileSize = 5 * 1024 * 1024
	defaultMaxBackups  = 5
)

// GetLogger returns the singleton logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = &AppLogger{
			level:       LevelInfo,
			logger:      log.New(os.Stderr, "", 0),
			maxFileSize: defaultMaxFileSize,
			maxBackups:  defaultMaxBackups,
		}
	})
	return defaultLogger
}

// InitLogger initializes the logger with custom configuration.
// Should be called early in application startup.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.SetLevel(config.Level)

	logger.mu.Lock()
	if config.MaxFileSize > 0 {
		logger.maxFileSize = config.MaxFileSize
	}
	if config.MaxBackups > 0 {
		logger.maxBackups = config.MaxBackups
	}
	logger.logDir = config.Dir
	logger.mu.Unlock()

	if config.EnableFile {
		return logger.EnableFileLogging()
	}
	return nil
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the log output destination.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = log.New(w, "", 0)
}

// EnableFileLogging enables logging to a file in addition to stderr.
// The log file will be rotated when it exceeds maxFileSize.
func (l *AppLogger) EnableFileLogging() error {
	logDir := l.logDir
	if logDir == "" {
		logDir = GetLogDir()
		if logDir == "" {
			return fmt.Errorf("could not determine log directory")
		}
	}

	if isSymlink(logDir) {
		return fmt.Errorf("security error: log directory is a symlink")
	}
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}

	logPath := filepath.Join(logDir, LogFileName)
	if isSymlink(logPath) {
		return fmt.Errorf("security error: log file is a symlink")
	}

	l.rotateIfNeeded(logPath)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		l.logFile.Close()
	}

	l.logFile = file
	l.filePath = logPath
	l.logger = log.New(io.MultiWriter(os.Stderr, file), "", 0)
	return nil
}

// isSymlink reports whether path is a symbolic link.
// A missing path is not a symlink.
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// rotateIfNeeded rotates logPath once it reaches maxFileSize.
func (l *AppLogger) rotateIfNeeded(logPath string) {
	info, err := os.Stat(logPath)
	if err != nil || info.Size() < l.maxFileSize {
		return
	}

	l.mu.Lock()
	if l.logFile != nil {
		l.logFile.Close()
		l.logFile = nil
	}
	l.mu.Unlock()

	rotatedPath := fmt.Sprintf("%s.%s.gz", logPath, time.Now().Format("20060102-150405"))
	if err := compressFile(logPath, rotatedPath); err != nil {
		os.Rename(logPath, strings.TrimSuffix(rotatedPath, ".gz"))
	} else {
		os.Remove(logPath)
	}

	l.cleanupOldBackups(logPath)
}

// compressFile compresses a file using gzip.
func compressFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzWriter := gzip.NewWriter(dstFile)
	defer gzWriter.Close()

	_, err = io.Copy(gzWriter, srcFile)
	return err
}

// cleanupOldBackups keeps at most maxBackups rotated files next to logPath.
func (l *AppLogger) cleanupOldBackups(logPath string) {
	matches, err := filepath.Glob(logPath + ".*")
	if err != nil || len(matches) <= l.maxBackups {
		return
	}

	// Oldest first.
	sort.Slice(matches, func(i, j int) bool {
		infoI, _ := os.Stat(matches[i])
		infoJ, _ := os.Stat(matches[j])
		if infoI == nil || infoJ == nil {
			return false
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})

	for _, path := range matches[:len(matches)-l.maxBackups] {
		os.Remove(path)
	}
}

// GetLogDir returns the default log directory path.
func GetLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", ConfigDirName, "logs")
}

// write formats and emits one log line. depth is the number of frames
// between write and the code that produced the message.
func (l *AppLogger) write(depth int, level LogLevel, component, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	caller := "???"
	if _, file, line, ok := runtime.Caller(depth); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if component != "" {
		msg = "[" + component + "] " + msg
	}

	timestamp := time.Now().Format("2006/01/02 15:04:05.000")
	l.logger.Printf("%s [%s] %s: %s", timestamp, level, caller, msg)
}

// Debug logs a debug message.
func (l *AppLogger) Debug(msg string, args ...interface{}) { l.write(2, LevelDebug, "", msg, args...) }

// Info logs an informational message.
func (l *AppLogger) Info(msg string, args ...interface{}) { l.write(2, LevelInfo, "", msg, args...) }

// Warn logs a warning message.
func (l *AppLogger) Warn(msg string, args ...interface{}) { l.write(2, LevelWarn, "", msg, args...) }

// Error logs an error message.
func (l *AppLogger) Error(msg string, args ...interface{}) { l.write(2, LevelError, "", msg, args...) }

// componentLogger prefixes every message with a component tag.
type componentLogger struct {
	parent *AppLogger
	name   string
}

// ComponentLogger returns a Logger writing to the default logger with a
// "[name]" prefix on every line.
func ComponentLogger(name string) Logger {
	return &componentLogger{parent: GetLogger(), name: name}
}

func (c *componentLogger) Debug(msg string, args ...interface{}) {
	c.parent.write(2, LevelDebug, c.name, msg, args...)
}

func (c *componentLogger) Info(msg string, args ...interface{}) {
	c.parent.write(2, LevelInfo, c.name, msg, args...)
}

func (c *componentLogger) Warn(msg string, args ...interface{}) {
	c.parent.write(2, LevelWarn, c.name, msg, args...)
}

func (c *componentLogger) Error(msg string, args ...interface{}) {
	c.parent.write(2, LevelError, c.name, msg, args...)
}

// Shorthand functions for default logger.

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...interface{}) {
	GetLogger().write(2, LevelDebug, "", msg, args...)
}

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...interface{}) {
	GetLogger().write(2, LevelInfo, "", msg, args...)
}

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...interface{}) {
	GetLogger().write(2, LevelWarn, "", msg, args...)
}

// LogError logs an error message to the default logger.
func LogError(msg string, args ...interface{}) {
	GetLogger().write(2, LevelError, "", msg, args...)
}

// Close closes the log file. Should be called on application shutdown.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		l.logger = log.New(os.Stderr, "", 0)
		return err
	}
	return nil
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}
