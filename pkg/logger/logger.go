// Copyright 2021 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	LogContainer     logContainer
	loggerInit       sync.Once
	simpleLoggerInit sync.Once

	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	fileSink = &switchSink{}
)

type logContainer struct {
	logger       *zap.Logger
	simpleLogger *zap.SugaredLogger
}

// Settings controls the shared cores. Package level loggers are created
// before main runs, so Configure changes them in place.
type Settings struct {
	Level string
	// JSON log file, empty to log to stdout only.
	File string
}

// Configure applies s to every logger handed out so far and later.
func Configure(s Settings) error {
	if s.Level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(s.Level)); err != nil {
			return fmt.Errorf("log level %q: %v", s.Level, err)
		}
		level.SetLevel(l)
	}
	if s.File == "" {
		return fileSink.swap(nil)
	}
	f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("unable to create logfile: %v", err)
	}
	return fileSink.swap(f)
}

// GetLogger returns the pointer to the logger and creates one if none exists
func (l *logContainer) GetLogger() *zap.Logger {
	loggerInit.Do(func() {
		l.logger = zap.New(getCombinedCore())
	})
	return l.logger
}

// GetSimpleLogger returns the pointer to the sugared logger and creates one
// if none exists
func (l *logContainer) GetSimpleLogger() *zap.SugaredLogger {
	simpleLoggerInit.Do(func() {
		logger := zap.New(getCombinedCore())
		l.simpleLogger = logger.Sugar()
	})
	return l.simpleLogger
}

// String mirrors zap.String
func (l *logContainer) String(key string, val string) zap.Field {
	return zap.String(key, val)
}

// Int mirrors zap.Int
func (l *logContainer) Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

// switchSink forwards to the current log file, if any.
type switchSink struct {
	mu sync.Mutex
	f  *os.File
}

func (s *switchSink) swap(f *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.f
	s.f = f
	if old != nil {
		return old.Close()
	}
	return nil
}

func (s *switchSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

func (s *switchSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.f.Sync()
}

func getConsoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getJsonEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.EpochTimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getConsoleCore() zapcore.Core {
	return zapcore.NewCore(getConsoleEncoder(), zapcore.Lock(os.Stdout), level)
}

func getJsonCore() zapcore.Core {
	return zapcore.NewCore(getJsonEncoder(), fileSink, level)
}

func getCombinedCore() zapcore.Core {
	return zapcore.NewTee(getConsoleCore(), getJsonCore())
}
