// Package logging builds the daemon logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where the logger writes.
type Options struct {
	// Path of the JSON log file. Rotated at 10 MB, 3 backups, 30 days.
	Path    string
	Profile string
	Level   zapcore.Level
	// Console receives human-readable output. Nil means stderr.
	Console io.Writer
}

// New creates a logger that tees JSON into a rotating file and console
// output into stderr. The returned closer flushes and closes the file.
func New(opts Options) (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     30,
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), opts.Level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(console), opts.Level),
	)
	logger := zap.New(core, zap.Fields(
		zap.String("profile", opts.Profile),
		zap.Int("pid", os.Getpid()),
	))
	return logger, rotator, nil
}
