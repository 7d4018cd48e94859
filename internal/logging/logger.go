package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and optional file output.
type Options struct {
	Level         string // debug, info, warn, error
	Format        string // json, console or auto
	File          string // empty disables file output
	MaxAgeDays    int
	RotationHours int
}

// NewLogger builds a structured logger. JSON is used unless Format is
// "console", or "auto" with a terminal on stdout. When File is set, entries
// are also written as JSON to a daily rotated file.
func NewLogger(opts Options) (*zap.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(opts.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var cfg zap.Config
	if useConsole(opts.Format) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if opts.File == "" {
		return logger, nil
	}

	writer, err := rotatingWriter(opts)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), level)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func useConsole(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		return true
	case "auto":
		return isatty.IsTerminal(os.Stdout.Fd())
	default:
		return false
	}
}

func rotatingWriter(opts Options) (*rotatelogs.RotateLogs, error) {
	maxAge := time.Duration(opts.MaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	rotation := time.Duration(opts.RotationHours) * time.Hour
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}
	writer, err := rotatelogs.New(
		opts.File+".%Y%m%d",
		rotatelogs.WithLinkName(opts.File),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(rotation),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return writer, nil
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}
