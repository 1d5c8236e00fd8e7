package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

var validLogFormats = map[string]bool{
	FormatText: true,
	FormatJson: true,
}

// Config defines dragenflow logging configuration.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. INFO, ERROR etc
		Level string `yaml:"level"`
		// Logging format, either text or json
		Format string `yaml:"format"`
	} `yaml:"console"`
	// Defines configuration for file logging
	File struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		// The Location of the logfile on disk
		LogFile string `yaml:"logfile"`
		// Log Rotation Options
		Rotation struct {
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb int `yaml:"maxSizeMb"`
			// Maximum number of old log files to retain
			MaxBackups int `yaml:"maxBackups"`
			// Maximum number of days to retain old log files
			MaxAgeDays int `yaml:"maxAgeDays"`
			// Whether to compress rotated log files
			Compress bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"file"`
	// Export a per-level count of log lines as a prometheus counter
	Metrics bool `yaml:"metrics"`
}

// DefaultConfig logs info and above as text to stdout and nothing to file.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = FormatText
	return c
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrapf(err, "parsing log config %s", path)
	}
	return config, validate(config)
}

func validate(c Config) error {
	if _, err := parseLogLevel(c.Console.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}
	if !c.File.Enabled {
		return nil
	}
	if _, err := parseLogLevel(c.File.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.File.Format); err != nil {
		return err
	}
	if c.File.LogFile == "" {
		return errors.New("file.logfile must be set when file logging is enabled")
	}
	rotation := c.File.Rotation
	if rotation.MaxSizeMb < 0 || rotation.MaxBackups < 0 || rotation.MaxAgeDays < 0 {
		return errors.New("rotation limits must not be negative")
	}
	return nil
}

func validateLogFormat(f string) error {
	if _, ok := validLogFormats[f]; !ok {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	l, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
