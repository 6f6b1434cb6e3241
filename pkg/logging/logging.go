// Package logging builds the logrus logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config описывает секцию [logging]
type Config struct {
	Level      string
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	// Console дублирует записи в stdout, когда задан File
	Console bool
}

// DefaultConfig возвращает уровень info в stdout
func DefaultConfig() Config {
	return Config{Level: "info", MaxSize: 100, MaxBackups: 1, Console: true}
}

// Logger логгер с закрываемым файлом ротации
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New создает логгер. Файл, если указан, ротируется lumberjack.
func New(cfg Config) *Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLevel(cfg.Level))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})

	l := &Logger{Logger: logger}
	if cfg.File == "" {
		logger.SetOutput(os.Stdout)
		return l
	}

	l.file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
	}
	if cfg.Console {
		logger.SetOutput(io.MultiWriter(os.Stdout, l.file))
	} else {
		logger.SetOutput(l.file)
	}
	return l
}

// Component возвращает запись с полем component
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Close закрывает файл журнала
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel переводит имя уровня; неизвестное имя дает info
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Discard логгер для тестов
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
