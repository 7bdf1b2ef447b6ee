// Package log configures the process-global logrus logger the way every
// benchd binary does it: parsed level, full timestamps, and a hook that
// stamps entries with the calling file:line.
package log

import (
	logrus "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/common/log/hooks"
)

// Init sets the global level and installs the context hook. Call once from
// main before anything logs.
func Init(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.AddHook(hooks.NewContextHook())
	return nil
}
