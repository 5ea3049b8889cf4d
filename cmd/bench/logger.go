package main

import (
	"io"
	"log/slog"

	multi "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds a text logger on w and, if file is set, fans out to a
// JSON handler writing to a size-rotated file. The returned closer closes
// the file (no-op without one).
func newLogger(w io.Writer, level, file string) (*slog.Logger, io.Closer, error) {
	lv := &slog.LevelVar{}
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: lv}

	text := slog.NewTextHandler(w, opts)
	if file == "" {
		return slog.New(text), nopCloser{}, nil
	}

	logFile := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    64, // MB
		MaxBackups: 8,
		MaxAge:     7, // days
		Compress:   true,
	}
	return slog.New(multi.Fanout(text, slog.NewJSONHandler(logFile, opts))), logFile, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
