// Package obslog holds the process-wide zap logger.
package obslog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger = zap.NewNop()
)

// L returns the global logger.
func L() *zap.Logger { return globalLogger }

// Named returns the global logger scoped to a component.
func Named(component string) *zap.Logger { return globalLogger.Named(component) }

// Options selects sinks and encoding. Format is legacy, json or console.
type Options struct {
	Level      string
	Format     string
	Console    bool
	File       bool
	FilePath   string
	ShowCaller bool
	// Stdout replaces os.Stdout for the console sink.
	Stdout io.Writer
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_TO_CONSOLE, LOG_TO_FILE, LOG_FILE
// and LOG_CALLER.
func OptionsFromEnv() Options {
	return Options{
		Level:      getenvDefault("LOG_LEVEL", "info"),
		Format:     getenvDefault("LOG_FORMAT", "legacy"),
		Console:    strings.EqualFold(getenvDefault("LOG_TO_CONSOLE", "true"), "true"),
		File:       strings.EqualFold(getenvDefault("LOG_TO_FILE", "true"), "true"),
		FilePath:   strings.TrimSpace(getenvDefault("LOG_FILE", filepath.Join("logs", "checkmate.log"))),
		ShowCaller: strings.EqualFold(getenvDefault("LOG_CALLER", "false"), "true"),
	}
}

// InitFromEnv initialises the global logger from the environment.
func InitFromEnv() error { return Init(OptionsFromEnv()) }

// Init builds a logger from o and installs it globally.
func Init(o Options) error {
	logger, err := New(o)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// New builds a logger from o without touching the global one.
func New(o Options) (*zap.Logger, error) {
	level := parseLevel(o.Level)
	format := strings.ToLower(strings.TrimSpace(o.Format))
	if format != "legacy" && format != "json" && format != "console" {
		format = "legacy"
	}
	out := o.Stdout
	if out == nil {
		out = os.Stdout
	}

	var cores []zapcore.Core
	if o.Console {
		cores = append(cores, zapcore.NewCore(encoder(format), zapcore.AddSync(out), level))
	}
	if o.File {
		path := o.FilePath
		if strings.TrimSpace(path) == "" {
			path = filepath.Join("logs", "checkmate.log")
		}
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder(format), zapcore.AddSync(f), level))
	}
	if len(cores) == 0 {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(out), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if o.ShowCaller || format == "legacy" {
		logger = logger.WithOptions(zap.AddCaller())
	}
	return logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoder(format string) zapcore.Encoder {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(jsonEncoderConfig())
	case "console":
		return zapcore.NewConsoleEncoder(consoleEncoderConfig(false))
	default:
		return zapcore.NewConsoleEncoder(legacyEncoderConfig())
	}
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func legacyEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " | "
	return cfg
}

func consoleEncoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}
