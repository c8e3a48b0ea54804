package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

// Options controls the logger produced by NewLogger.
type Options struct {
	Level  string
	Format string
	// FilePath, when set, adds a rotated JSON file sink next to stderr.
	FilePath string
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(options Options) (*zap.Logger, error) {
	level := parseLevel(options.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEncoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(options.Format)) {
	case "", "json":
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		consoleEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", options.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}
	if path := strings.TrimSpace(options.FilePath); path != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), newFileSink(path), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func newFileSink(path string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	})
}

func parseLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info", "":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
