package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogConfigPath = "config/logging.yaml"
	logConfigPathEnvVar  = "DRAGENFLOW_LOG_CONFIG"
	RFC3339Milli         = "2006-01-02T15:04:05.000Z07:00"
)

// MustConfigureApplicationLogging sets up logging suitable for an application. Logging configuration is loaded from
// a filepath given by the DRAGENFLOW_LOG_CONFIG environmental variable or from config/logging.yaml if this var is
// unset. If neither exists the defaults are used. The process exits if the configuration is invalid.
func MustConfigureApplicationLogging() {
	if err := ConfigureApplicationLogging(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

func ConfigureApplicationLogging() error {
	configPath := getEnv(logConfigPathEnvVar, defaultLogConfigPath)
	logConfig := DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		logConfig, err = readConfig(configPath)
		if err != nil {
			return err
		}
	}
	return Configure(logrus.StandardLogger(), logConfig)
}

// Configure applies c to logger. The console and file outputs may have different levels, so the logger itself runs
// at the more verbose of the two and each output filters with its own hook.
func Configure(logger *logrus.Logger, c Config) error {
	if err := validate(c); err != nil {
		return err
	}
	consoleLevel, _ := parseLogLevel(c.Console.Level)
	level := consoleLevel

	logger.SetOutput(io.Discard)
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.AddHook(newWriterHook(os.Stdout, formatter(c.Console.Format), consoleLevel))

	if c.File.Enabled {
		fileLevel, _ := parseLogLevel(c.File.Level)
		if fileLevel > level {
			level = fileLevel
		}
		lumberjackLogger := &lumberjack.Logger{
			Filename:   c.File.LogFile,
			MaxSize:    c.File.Rotation.MaxSizeMb,
			MaxBackups: c.File.Rotation.MaxBackups,
			MaxAge:     c.File.Rotation.MaxAgeDays,
			Compress:   c.File.Rotation.Compress,
		}
		logger.AddHook(newWriterHook(lumberjackLogger, formatter(c.File.Format), fileLevel))
	}

	if c.Metrics {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return err
		}
		logger.AddHook(hook)
	}

	logger.SetLevel(level)
	return nil
}

func formatter(format string) logrus.Formatter {
	if format == FormatJson {
		return &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli, DisableColors: true}
}

// writerHook writes entries at or above its level to out using its own formatter.
type writerHook struct {
	out       io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func newWriterHook(out io.Writer, f logrus.Formatter, level logrus.Level) *writerHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &writerHook{out: out, formatter: f, levels: levels}
}

func (h *writerHook) Levels() []logrus.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
