// Package common provides the centralized logging infrastructure for Nitro Repo.
// The logging system is built on logrus for structured logging with custom
// output handling: error-level messages are routed to stderr while everything
// else goes to stdout, so containerized deployments can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on level.
type OutputSplitter struct{}

// Write routes messages containing "level=error" to stderr, everything else
// to stdout. The pattern matches logrus's standard output format.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the Nitro Repo service. All
// packages log through it so formatting and routing stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the service log configuration to the global logger.
// Format is "json" or "text"; unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
