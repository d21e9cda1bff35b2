// Package logging builds the process-wide structured logger shared by
// the client and server entry points.
package logging

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// New builds a logrus logger at the given level (one of logrus's level
// names: "debug", "info", "warn", "error") writing to stderr, tagged
// with a fresh per-process instance id so concurrent client/server
// processes logging to the same aggregator are distinguishable.
func New(component, level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithFields(logrus.Fields{
		"component": component,
		"instance":  uuid.NewString(),
	})
}
