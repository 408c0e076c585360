// This package defines a common config struct which can be used by any
// subsystem within perch.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                  bool
	RootDir                string
	InviteResolveTimeoutMs int64
	JoinApprovalTimeoutMs  int64
	JoinPollIntervalMs     int64
	ReadyWaitTimeoutMs     int64
	StreamBackoffMaxMs     int64
	LoggingPrefix          string
	writer                 io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithInviteResolveTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.InviteResolveTimeoutMs = n
	}
}

func WithJoinApprovalTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.JoinApprovalTimeoutMs = n
	}
}

func WithJoinPollIntervalMs(n int64) Option {
	return func(c *Config) {
		c.JoinPollIntervalMs = n
	}
}

func WithReadyWaitTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ReadyWaitTimeoutMs = n
	}
}

func WithStreamBackoffMaxMs(n int64) Option {
	return func(c *Config) {
		c.StreamBackoffMaxMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		InviteResolveTimeoutMs: 10000,
		JoinApprovalTimeoutMs:  30000,
		JoinPollIntervalMs:     250,
		ReadyWaitTimeoutMs:     60000,
		StreamBackoffMaxMs:     30000,
		LoggingPrefix:          "",
		RootDir:                ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}
