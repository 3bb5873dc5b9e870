package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/config"
)

// setupLogging applies the log configuration. With a file configured, output
// is rotated by lumberjack; the returned function closes it.
func setupLogging(cfg config.LogConfig, verbose bool) (func() error, error) {
	level, err := pkg.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	format, err := pkg.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	var (
		w       io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		w, closeFn = lj, lj.Close
	}

	pkg.SetLogLevel(level)
	pkg.SetLogOutput(w, format)
	return closeFn, nil
}

// logConfigSource reports where the configuration came from. It runs after
// setupLogging so the line lands in the configured output.
func logConfigSource(cfg *config.Config) {
	if cfg.File == "" {
		pkg.LogInfo(pkg.ComponentConfig, "no configuration file, using defaults")
		return
	}
	pkg.LogInfo(pkg.ComponentConfig, "configuration loaded", "file", cfg.File)
}
